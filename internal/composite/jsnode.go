package composite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	// maxScriptSize bounds the source accepted by a js-process node.
	maxScriptSize = 64 << 10

	// defaultStepBudget is how long one advance() call may run.
	defaultStepBudget = 5 * time.Second
)

// jsProcess runs a user script defining advance(inputs, step) in an embedded
// goja runtime. The runtime persists across steps; only the composite's step
// lock ever touches it.
//
// Top-level var bindings holding JSON-representable values are the node's
// checkpointed state. let/const bindings and closure variables are not
// captured and start over after a restore.
type jsProcess struct {
	vm      *goja.Runtime
	builtin map[string]bool
	advance goja.Callable
	inputs  []string
	outputs []string
	initial map[string]any
	budget  time.Duration
}

func newJSProcess(config map[string]any) (Node, error) {
	script, _ := config["script"].(string)
	if script == "" {
		return nil, fmt.Errorf("%w: script is required", ErrMalformedConfig)
	}
	if len(script) > maxScriptSize {
		return nil, fmt.Errorf("%w: script exceeds maximum size of %d bytes", ErrMalformedConfig, maxScriptSize)
	}

	n := &jsProcess{budget: defaultStepBudget}
	var err error
	if n.inputs, err = portList(config, "inputs"); err != nil {
		return nil, err
	}
	if n.outputs, err = portList(config, "outputs"); err != nil {
		return nil, err
	}
	if raw, ok := config["initial"]; ok {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: initial must be an object", ErrMalformedConfig)
		}
		n.initial = m
	}
	if raw, ok := config["timeout_ms"]; ok {
		ms, err := toFloat(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("%w: timeout_ms must be a positive number", ErrMalformedConfig)
		}
		n.budget = time.Duration(ms) * time.Millisecond
	}

	n.vm = goja.New()
	n.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	n.builtin = make(map[string]bool)
	for _, k := range n.vm.GlobalObject().Keys() {
		n.builtin[k] = true
	}
	if _, err := n.vm.RunString(script); err != nil {
		return nil, fmt.Errorf("%w: script error: %w", ErrMalformedConfig, err)
	}
	fn, ok := goja.AssertFunction(n.vm.Get("advance"))
	if !ok {
		return nil, fmt.Errorf("%w: script must define function advance(inputs, step)", ErrMalformedConfig)
	}
	n.advance = fn
	return n, nil
}

func portList(config map[string]any, key string) ([]string, error) {
	raw, ok := config[key]
	if !ok {
		return []string{}, nil
	}
	ports, err := stringList(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedConfig, key, err)
	}
	return ports, nil
}

func (n *jsProcess) Inputs() []string  { return n.inputs }
func (n *jsProcess) Outputs() []string { return n.outputs }

func (n *jsProcess) InitialState() map[string]any {
	return n.initial
}

func (n *jsProcess) Advance(ctx context.Context, inputs map[string]any, step int) (map[string]any, error) {
	budget := n.budget
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < budget {
		budget = time.Until(deadline)
	}
	timer := time.AfterFunc(budget, func() {
		n.vm.Interrupt("step budget exceeded")
	})
	defer func() {
		timer.Stop()
		n.vm.ClearInterrupt()
	}()

	result, err := n.advance(goja.Undefined(), n.vm.ToValue(inputs), n.vm.ToValue(step))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, fmt.Errorf("advance interrupted: %v", interrupted.Value())
		}
		return nil, fmt.Errorf("advance: %w", err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return map[string]any{}, nil
	}
	out, ok := result.Export().(map[string]any)
	if !ok {
		return nil, fmt.Errorf("advance must return an object, got %T", result.Export())
	}
	return normalize(out), nil
}

var _ Stateful = (*jsProcess)(nil)

// State returns the script's top-level variables. Functions and undefined
// values are skipped.
func (n *jsProcess) State() (json.RawMessage, error) {
	g := n.vm.GlobalObject()
	vars := make(map[string]any)
	for _, k := range g.Keys() {
		if n.builtin[k] {
			continue
		}
		v := g.Get(k)
		if v == nil || goja.IsUndefined(v) {
			continue
		}
		if _, ok := goja.AssertFunction(v); ok {
			continue
		}
		vars[k] = v.Export()
	}
	data, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("script globals are not JSON-representable: %w", err)
	}
	return data, nil
}

// Restore overwrites the script's top-level variables after the script has
// been evaluated afresh.
func (n *jsProcess) Restore(state json.RawMessage) error {
	var vars map[string]any
	if err := json.Unmarshal(state, &vars); err != nil {
		return fmt.Errorf("restore script globals: %w", err)
	}
	for k, v := range vars {
		if err := n.vm.Set(k, v); err != nil {
			return fmt.Errorf("restore script global %q: %w", k, err)
		}
	}
	return nil
}

// normalize converts goja's exported integers to float64 so stored values
// look the same before and after a checkpoint round trip.
func normalize(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalizeValue(v)
	}
	return m
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case map[string]any:
		return normalize(t)
	case []any:
		for i := range t {
			t[i] = normalizeValue(t[i])
		}
		return t
	default:
		return v
	}
}
