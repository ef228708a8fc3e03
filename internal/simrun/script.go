package simrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const (
	// MaxScriptSize bounds the source accepted for a scripted simulator.
	MaxScriptSize = 256 << 10

	// DefaultRunBudget is how long a scripted run may execute when the
	// context carries no deadline.
	DefaultRunBudget = 30 * time.Second

	scriptEntryPoint = "run"
)

// Script is a simulator written in JavaScript. The script must define
// run(params, duration, model) and return the result document. Each run gets
// a fresh runtime, so a Script may be used concurrently.
type Script struct {
	name    string
	program *goja.Program
	budget  time.Duration
}

// NewScript compiles source into a scripted simulator.
func NewScript(name, source string) (*Script, error) {
	if len(source) > MaxScriptSize {
		return nil, fmt.Errorf("script %s exceeds maximum size of %d bytes", name, MaxScriptSize)
	}
	prog, err := goja.Compile(name, source, true)
	if err != nil {
		return nil, fmt.Errorf("compile script %s: %w", name, err)
	}
	return &Script{name: name, program: prog, budget: DefaultRunBudget}, nil
}

// WithBudget returns a copy of s that interrupts runs after d.
func (s *Script) WithBudget(d time.Duration) *Script {
	c := *s
	c.budget = d
	return &c
}

// Run executes the script's run function once.
func (s *Script) Run(ctx context.Context, in Input) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	budget := s.budget
	if deadline, ok := ctx.Deadline(); ok {
		budget = time.Until(deadline)
	}
	timer := time.AfterFunc(budget, func() {
		vm.Interrupt("execution timeout")
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(context.Cause(ctx))
	})
	defer stop()

	var params any = map[string]any{}
	if len(in.Params) > 0 && string(in.Params) != "null" {
		if err := json.Unmarshal(in.Params, &params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}

	if _, err := vm.RunProgram(s.program); err != nil {
		if ierr := interruption(ctx, err); ierr != nil {
			return nil, ierr
		}
		return nil, fmt.Errorf("script error: %w", err)
	}
	fn, ok := goja.AssertFunction(vm.Get(scriptEntryPoint))
	if !ok {
		return nil, fmt.Errorf("script %s must define function %s(params, duration, model)", s.name, scriptEntryPoint)
	}

	var model goja.Value = goja.Null()
	if in.Model != nil {
		model = vm.ToValue(string(in.Model))
	}
	result, err := fn(goja.Undefined(), vm.ToValue(params), vm.ToValue(in.Duration), model)
	if err != nil {
		if ierr := interruption(ctx, err); ierr != nil {
			return nil, ierr
		}
		return nil, fmt.Errorf("execution error: %w", err)
	}
	if result == nil || goja.IsUndefined(result) {
		return nil, fmt.Errorf("script %s returned no result", s.name)
	}
	out, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return out, nil
}

// interruption maps a goja interrupt to the context error that caused it, or
// to a timeout error. It returns nil for any other error.
func interruption(ctx context.Context, err error) error {
	var interrupted *goja.InterruptedError
	if !errors.As(err, &interrupted) {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("run interrupted: %v", interrupted.Value())
}

// LoadScripts registers every *.js file in dir as a scripted simulator named
// after the file without its extension. It returns the names registered.
func LoadScripts(r *Registry, dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read script dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".js" {
			continue
		}
		src, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read script: %w", err)
		}
		name := strings.TrimSuffix(e.Name(), ".js")
		script, err := NewScript(name, string(src))
		if err != nil {
			return nil, err
		}
		r.Register(name, script)
		names = append(names, name)
	}
	return names, nil
}
