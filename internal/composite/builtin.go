package composite

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/seantiz/compose/internal/model"
)

// Built-in node addresses.
const (
	AddressRAMEmitter = "local:ram-emitter"
	AddressCounter    = "local:counter"
	AddressJSProcess  = "local:js-process"
)

// RAMEmitter is a sink that records every emitted record in memory.
type RAMEmitter struct {
	mu      sync.Mutex
	emit    map[string]bool
	history []model.Record
}

var (
	_ Emitter  = (*RAMEmitter)(nil)
	_ Stateful = (*RAMEmitter)(nil)
)

func newRAMEmitter(config map[string]any) (Node, error) {
	e := &RAMEmitter{}
	raw, ok := config["emit"]
	if !ok {
		return e, nil
	}
	ports, err := stringList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: emit: %w", ErrMalformedConfig, err)
	}
	e.emit = make(map[string]bool, len(ports))
	for _, p := range ports {
		e.emit[p] = true
	}
	return e, nil
}

func (e *RAMEmitter) Inputs() []string             { return nil }
func (e *RAMEmitter) Outputs() []string            { return nil }
func (e *RAMEmitter) InitialState() map[string]any { return nil }

// Advance is a no-op; emitters only observe.
func (e *RAMEmitter) Advance(context.Context, map[string]any, int) (map[string]any, error) {
	return nil, nil
}

// Emit returns the (optionally filtered) inputs as one record and appends it
// to the history.
func (e *RAMEmitter) Emit(inputs map[string]any) model.Record {
	rec := make(model.Record, len(inputs))
	for port, v := range inputs {
		if e.emit != nil && !e.emit[port] {
			continue
		}
		rec[port] = v
	}

	e.mu.Lock()
	e.history = append(e.history, model.Record(deepCopyMap(rec)))
	e.mu.Unlock()
	return rec
}

// History returns a copy of every record emitted so far.
func (e *RAMEmitter) History() []model.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Record, len(e.history))
	for i, r := range e.history {
		out[i] = model.Record(deepCopyMap(r))
	}
	return out
}

func (e *RAMEmitter) State() (json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return json.Marshal(e.history)
}

func (e *RAMEmitter) Restore(state json.RawMessage) error {
	var history []model.Record
	if err := json.Unmarshal(state, &history); err != nil {
		return fmt.Errorf("restore emitter history: %w", err)
	}
	e.mu.Lock()
	e.history = history
	e.mu.Unlock()
	return nil
}

// counter adds rate to its value every step.
type counter struct {
	rate    float64
	initial float64
}

func newCounter(config map[string]any) (Node, error) {
	c := &counter{rate: 1}
	if v, ok := config["rate"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: rate: %w", ErrMalformedConfig, err)
		}
		c.rate = f
	}
	if v, ok := config["initial"]; ok {
		f, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: initial: %w", ErrMalformedConfig, err)
		}
		c.initial = f
	}
	return c, nil
}

func (c *counter) Inputs() []string  { return []string{"value"} }
func (c *counter) Outputs() []string { return []string{"value"} }

func (c *counter) InitialState() map[string]any {
	return map[string]any{"value": c.initial}
}

func (c *counter) Advance(_ context.Context, inputs map[string]any, _ int) (map[string]any, error) {
	v := c.initial
	if raw, ok := inputs["value"]; ok && raw != nil {
		f, err := toFloat(raw)
		if err != nil {
			return nil, fmt.Errorf("value: %w", err)
		}
		v = f
	}
	return map[string]any{"value": v + c.rate}, nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
}

func stringList(v any) ([]string, error) {
	switch l := v.(type) {
	case []string:
		return l, nil
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected a list of strings, found %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", v)
	}
}
