package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/compose/internal/model"
)

// checkpointVersion is bumped whenever the checkpoint layout changes.
const checkpointVersion = 1

// GlobalTimeKey is added to every emitted record and holds the step number.
const GlobalTimeKey = "global_time"

// RuntimeError describes a failure while advancing one node at one step.
type RuntimeError struct {
	Step int
	Node string
	Err  error
}

func (e *RuntimeError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("step %d: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("step %d: node %q: %v", e.Step, e.Node, e.Err)
}

// Unwrap exposes both ErrRuntimeFailure and the underlying cause.
func (e *RuntimeError) Unwrap() []error {
	return []error{ErrRuntimeFailure, e.Err}
}

// Composite is an instantiated graph of nodes wired to a shared store.
type Composite struct {
	mu    sync.Mutex
	spec  model.CompositionSpec
	names []string
	nodes map[string]Node
	store *StateStore
	step  int
}

// Build resolves every node of spec against reg, constructs it with its
// config, and writes each node's initial state to its output ports.
func Build(spec model.CompositionSpec, reg *Registry) (*Composite, error) {
	c := &Composite{
		spec:  spec,
		names: make([]string, 0, len(spec)),
		nodes: make(map[string]Node, len(spec)),
		store: NewStateStore(),
	}
	for name := range spec {
		c.names = append(c.names, name)
	}
	sort.Strings(c.names)

	for _, name := range c.names {
		ns := spec[name]
		f, err := reg.Resolve(ns.Address)
		if err != nil {
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		n, err := f.Construct(ns.Config)
		if err != nil {
			if !errors.Is(err, ErrMalformedConfig) {
				err = fmt.Errorf("%w: %w", ErrMalformedConfig, err)
			}
			return nil, fmt.Errorf("node %q: %w", name, err)
		}
		if err := checkPorts(name, "input", ns.Inputs, n.Inputs()); err != nil {
			return nil, err
		}
		if err := checkPorts(name, "output", ns.Outputs, n.Outputs()); err != nil {
			return nil, err
		}
		c.nodes[name] = n
	}

	for _, name := range c.names {
		for port, v := range c.nodes[name].InitialState() {
			path, ok := c.spec[name].Outputs[port]
			if !ok {
				continue
			}
			if _, exists := c.store.Get(path); exists {
				continue
			}
			if err := c.store.Set(path, deepCopy(v)); err != nil {
				return nil, fmt.Errorf("node %q: initial state: %w: %w", name, ErrMalformedConfig, err)
			}
		}
	}
	return c, nil
}

func checkPorts(node, kind string, wired map[string]model.Path, declared []string) error {
	if declared == nil {
		return nil
	}
	known := make(map[string]bool, len(declared))
	for _, p := range declared {
		known[p] = true
	}
	for port := range wired {
		if !known[port] {
			return fmt.Errorf("node %q: %w: no %s port %q", node, ErrMalformedConfig, kind, port)
		}
	}
	return nil
}

// Step returns the number of steps the composite has completed.
func (c *Composite) Step() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.step
}

// Spec returns the spec the composite was built from.
func (c *Composite) Spec() model.CompositionSpec {
	return c.spec
}

// Snapshot returns a copy of the shared store.
func (c *Composite) Snapshot() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Snapshot()
}

// Node returns the constructed node with the given name.
func (c *Composite) Node(name string) (Node, bool) {
	n, ok := c.nodes[name]
	return n, ok
}

// Advance returns a lazy sequence producing one StreamUpdate per step, at most
// steps of them. The sequence can be iterated once; iterating it again yields
// ErrSequenceConsumed. Cancellation of ctx is observed between steps only and
// ends the sequence with ctx's error. A failing step ends the sequence with a
// *RuntimeError and leaves the store as it was before that step.
func (c *Composite) Advance(ctx context.Context, jobID string, steps int) iter.Seq2[model.StreamUpdate, error] {
	var consumed atomic.Bool
	return func(yield func(model.StreamUpdate, error) bool) {
		if !consumed.CompareAndSwap(false, true) {
			yield(model.StreamUpdate{}, ErrSequenceConsumed)
			return
		}
		stepCtx := context.WithoutCancel(ctx)
		for range steps {
			if err := ctx.Err(); err != nil {
				yield(model.StreamUpdate{}, err)
				return
			}
			records, step, err := c.advanceOne(stepCtx)
			if err != nil {
				yield(model.StreamUpdate{}, err)
				return
			}
			u := model.StreamUpdate{
				JobID:     jobID,
				Step:      step,
				Timestamp: time.Now().UTC(),
				Results:   records,
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

// advanceOne runs a single synchronous step and returns the emitted records.
func (c *Composite) advanceOne(ctx context.Context) (records []model.Record, step int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	step = c.step + 1
	var current string
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Step: step, Node: current, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	outputs := make(map[string]map[string]any, len(c.names))
	for _, name := range c.names {
		n := c.nodes[name]
		if _, ok := n.(Emitter); ok {
			continue
		}
		current = name
		out, err := n.Advance(ctx, readInputs(c.store, c.spec[name].Inputs), step)
		if err != nil {
			return nil, step, &RuntimeError{Step: step, Node: name, Err: err}
		}
		outputs[name] = out
	}
	current = ""

	// Stage writes on a copy so a failed write leaves the store untouched.
	next := &StateStore{root: c.store.Snapshot()}
	for _, name := range c.names {
		out := outputs[name]
		ports := make([]string, 0, len(out))
		for p := range out {
			ports = append(ports, p)
		}
		sort.Strings(ports)
		for _, port := range ports {
			path, ok := c.spec[name].Outputs[port]
			if !ok {
				continue
			}
			if err := next.Set(path, deepCopy(out[port])); err != nil {
				return nil, step, &RuntimeError{Step: step, Node: name, Err: err}
			}
		}
	}

	// Emitters observe the staged store; the step is committed only once
	// every one of them has returned.
	for _, name := range c.names {
		em, ok := c.nodes[name].(Emitter)
		if !ok {
			continue
		}
		current = name
		rec := em.Emit(readInputs(next, c.spec[name].Inputs))
		if rec == nil {
			rec = model.Record{}
		}
		rec[GlobalTimeKey] = step
		records = append(records, rec)
	}
	current = ""
	if records == nil {
		rec := model.Record(next.Snapshot())
		rec[GlobalTimeKey] = step
		records = []model.Record{rec}
	}

	c.store = next
	c.step = step
	return records, step, nil
}

func readInputs(st *StateStore, wired map[string]model.Path) map[string]any {
	in := make(map[string]any, len(wired))
	for port, path := range wired {
		v, _ := st.Get(path)
		in[port] = deepCopy(v)
	}
	return in
}

type checkpoint struct {
	Version int                        `json:"version"`
	Spec    model.CompositionSpec      `json:"spec"`
	Step    int                        `json:"step"`
	Store   map[string]any             `json:"store"`
	Nodes   map[string]json.RawMessage `json:"nodes,omitempty"`
}

// Checkpoint serializes the full resumable state: spec, step counter, shared
// store, and the internal state of every Stateful node.
func (c *Composite) Checkpoint() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := checkpoint{
		Version: checkpointVersion,
		Spec:    c.spec,
		Step:    c.step,
		Store:   c.store.Snapshot(),
	}
	for _, name := range c.names {
		s, ok := c.nodes[name].(Stateful)
		if !ok {
			continue
		}
		state, err := s.State()
		if err != nil {
			return nil, fmt.Errorf("checkpoint node %q: %w", name, err)
		}
		if cp.Nodes == nil {
			cp.Nodes = make(map[string]json.RawMessage)
		}
		cp.Nodes[name] = state
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return data, nil
}

// Restore rebuilds a composite from checkpoint bytes.
func Restore(data []byte, reg *Registry) (*Composite, error) {
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedCheckpoint, err)
	}
	if cp.Version != checkpointVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedCheckpoint, cp.Version)
	}
	if cp.Step < 0 {
		return nil, fmt.Errorf("%w: negative step %d", ErrMalformedCheckpoint, cp.Step)
	}

	c, err := Build(cp.Spec, reg)
	if err != nil {
		return nil, err
	}
	if cp.Store != nil {
		c.store = &StateStore{root: cp.Store}
	}
	c.step = cp.Step

	for name, state := range cp.Nodes {
		n, ok := c.nodes[name]
		if !ok {
			return nil, fmt.Errorf("%w: state for unknown node %q", ErrMalformedCheckpoint, name)
		}
		s, ok := n.(Stateful)
		if !ok {
			return nil, fmt.Errorf("%w: node %q is not stateful", ErrMalformedCheckpoint, name)
		}
		if err := s.Restore(state); err != nil {
			return nil, fmt.Errorf("restore node %q: %w", name, err)
		}
	}
	return c, nil
}
