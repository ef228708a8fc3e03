package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/seantiz/compose/internal/model"
)

// clock hands out UTC timestamps that never go backwards within a process.
type clock struct {
	mu   sync.Mutex
	last time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := time.Now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}

// encodeSpec serializes a composition spec for a TEXT/JSONB column. Jobs
// without a spec store NULL.
func encodeSpec(spec model.CompositionSpec) (sql.NullString, error) {
	if len(spec) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal spec: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeSpec(s sql.NullString) (model.CompositionSpec, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var spec model.CompositionSpec
	if err := json.Unmarshal([]byte(s.String), &spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	return spec, nil
}

func nullRaw(raw []byte) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}

func rawOrNil(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

// checkFinish validates the target status of FinishJob.
func checkFinish(status string) error {
	if !model.ValidTransition(model.StatusInProgress, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, model.StatusInProgress, status)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodeResults(results []model.Record) (string, error) {
	if results == nil {
		results = []model.Record{}
	}
	data, err := json.Marshal(results)
	if err != nil {
		return "", fmt.Errorf("marshal update results: %w", err)
	}
	return string(data), nil
}

func decodeResults(s string) ([]model.Record, error) {
	var results []model.Record
	if err := json.Unmarshal([]byte(s), &results); err != nil {
		return nil, fmt.Errorf("unmarshal update results: %w", err)
	}
	return results, nil
}
