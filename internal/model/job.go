package model

import (
	"encoding/json"
	"time"
)

// Job status constants.
const (
	StatusPending    = "PENDING"
	StatusInProgress = "IN_PROGRESS"
	StatusComplete   = "COMPLETE"
	StatusFailed     = "FAILED"
)

// validTransitions maps each status to the set of statuses it may transition to.
// COMPLETE and FAILED are terminal.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusInProgress: true,
	},
	StatusInProgress: {
		StatusComplete: true,
		StatusFailed:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a job in the given status will never be acted on again.
func IsTerminal(status string) bool {
	return status == StatusComplete || status == StatusFailed
}

// Job is the durable record of one requested execution.
type Job struct {
	ID           string          `json:"job_id"`
	Status       string          `json:"status"`
	Spec         CompositionSpec `json:"spec,omitempty"`
	Simulator    string          `json:"simulator,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
	Duration     int             `json:"duration"`
	ModelPath    string          `json:"model_path,omitempty"`
	SnapshotPath string          `json:"snapshot_path,omitempty"`
	Results      json.RawMessage `json:"results,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	LastUpdated  time.Time       `json:"last_updated"`
}

// Kind reports how the job should be executed, derived from its ID prefix.
func (j *Job) Kind() Kind {
	return Classify(j.ID)
}

// ResultState records where the final checkpoint of a composition job lives.
type ResultState struct {
	JobID        string    `json:"job_id"`
	SnapshotPath string    `json:"snapshot_path"`
	Step         int       `json:"step"`
	LastUpdated  time.Time `json:"last_updated"`
}

// JobStats holds aggregate job counts.
type JobStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
}
