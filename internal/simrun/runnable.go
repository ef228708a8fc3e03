// Package simrun executes single-run jobs: one simulator invoked once with a
// parameter document and a duration, producing one result document.
package simrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// ErrUnknownSimulator is returned when no runnable is registered under a name.
var ErrUnknownSimulator = errors.New("unknown simulator")

// Input is everything a runnable receives for one run.
type Input struct {
	JobID    string
	Params   json.RawMessage
	Duration int
	// Model holds the contents of the job's uploaded model artifact, if any.
	Model []byte
}

// Runnable is a simulator that can be run to completion in one call.
type Runnable interface {
	Run(ctx context.Context, in Input) (json.RawMessage, error)
}

// RunnableFunc adapts a function to the Runnable interface.
type RunnableFunc func(ctx context.Context, in Input) (json.RawMessage, error)

// Run calls f.
func (f RunnableFunc) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	return f(ctx, in)
}

// Registry manages available simulators. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	runnables map[string]Runnable
}

// NewRegistry creates an empty simulator registry.
func NewRegistry() *Registry {
	return &Registry{
		runnables: make(map[string]Runnable),
	}
}

// Register adds a simulator under name, replacing any existing entry.
func (r *Registry) Register(name string, run Runnable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runnables[name] = run
}

// Resolve returns the simulator registered under name.
func (r *Registry) Resolve(name string) (Runnable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runnables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSimulator, name)
	}
	return run, nil
}

// Names returns the registered simulator names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.runnables))
	for name := range r.runnables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewBuiltinRegistry returns a registry holding the built-in simulators.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(SimulatorGrowth, RunnableFunc(runGrowth))
	return r
}

// SimulatorGrowth is the name of the built-in compound growth simulator.
const SimulatorGrowth = "growth"

type growthParams struct {
	Initial *float64 `json:"initial"`
	Rate    *float64 `json:"rate"`
}

type growthResult struct {
	Final      float64   `json:"final"`
	Trajectory []float64 `json:"trajectory"`
}

// runGrowth compounds initial by rate once per unit of duration.
func runGrowth(ctx context.Context, in Input) (json.RawMessage, error) {
	if in.Duration < 0 {
		return nil, fmt.Errorf("duration must be non-negative, got %d", in.Duration)
	}
	var p growthParams
	if len(in.Params) > 0 && string(in.Params) != "null" {
		if err := json.Unmarshal(in.Params, &p); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	x, rate := 1.0, 0.1
	if p.Initial != nil {
		x = *p.Initial
	}
	if p.Rate != nil {
		rate = *p.Rate
	}

	res := growthResult{Trajectory: make([]float64, 0, in.Duration+1)}
	res.Trajectory = append(res.Trajectory, x)
	for range in.Duration {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x *= 1 + rate
		res.Trajectory = append(res.Trajectory, x)
	}
	res.Final = x
	res.Trajectory = slices.Clip(res.Trajectory)
	return json.Marshal(res)
}
