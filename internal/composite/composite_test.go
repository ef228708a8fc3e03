package composite_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/seantiz/compose/internal/composite"
	"github.com/seantiz/compose/internal/model"
)

// copyNode writes its "in" port to its "out" port.
type copyNode struct{ initial any }

func (copyNode) Inputs() []string  { return []string{"in"} }
func (copyNode) Outputs() []string { return []string{"out"} }
func (n copyNode) InitialState() map[string]any {
	return map[string]any{"out": n.initial}
}
func (copyNode) Advance(_ context.Context, in map[string]any, _ int) (map[string]any, error) {
	return map[string]any{"out": in["in"]}, nil
}

// failNode fails (or panics) once the configured step is reached.
type failNode struct {
	at    int
	panic bool
}

func (failNode) Inputs() []string             { return []string{"in"} }
func (failNode) Outputs() []string            { return []string{"out"} }
func (failNode) InitialState() map[string]any { return nil }
func (n failNode) Advance(_ context.Context, _ map[string]any, step int) (map[string]any, error) {
	if step >= n.at {
		if n.panic {
			panic("kernel exploded")
		}
		return nil, errors.New("kernel diverged")
	}
	return map[string]any{"out": step}, nil
}

// panicEmitter is a sink whose Emit always panics.
type panicEmitter struct{}

func (panicEmitter) Inputs() []string             { return nil }
func (panicEmitter) Outputs() []string            { return nil }
func (panicEmitter) InitialState() map[string]any { return nil }
func (panicEmitter) Advance(context.Context, map[string]any, int) (map[string]any, error) {
	return nil, nil
}
func (panicEmitter) Emit(map[string]any) model.Record { panic("sink exploded") }

func testRegistry() *composite.Registry {
	reg := composite.NewBuiltinRegistry()
	reg.Register("local:copy", composite.FactoryFunc(func(cfg map[string]any) (composite.Node, error) {
		return copyNode{initial: cfg["initial"]}, nil
	}))
	reg.Register("local:fail", composite.FactoryFunc(func(cfg map[string]any) (composite.Node, error) {
		at, _ := cfg["at"].(int)
		p, _ := cfg["panic"].(bool)
		return failNode{at: at, panic: p}, nil
	}))
	reg.Register("local:panic-emitter", composite.FactoryFunc(func(map[string]any) (composite.Node, error) {
		return panicEmitter{}, nil
	}))
	return reg
}

func counterSpec() model.CompositionSpec {
	return model.CompositionSpec{
		"counter": {
			Type:    model.NodeTypeProcess,
			Address: composite.AddressCounter,
			Config:  map[string]any{"rate": 1.0},
			Inputs:  map[string]model.Path{"value": {"value"}},
			Outputs: map[string]model.Path{"value": {"value"}},
		},
		"ram-emitter": {
			Type:    model.NodeTypeStep,
			Address: composite.AddressRAMEmitter,
			Inputs:  map[string]model.Path{"value": {"value"}},
		},
	}
}

func collect(t *testing.T, c *composite.Composite, ctx context.Context, steps int) ([]model.StreamUpdate, error) {
	t.Helper()
	var updates []model.StreamUpdate
	for u, err := range c.Advance(ctx, "composition-test", steps) {
		if err != nil {
			return updates, err
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func TestAdvanceCounter(t *testing.T) {
	c, err := composite.Build(counterSpec(), testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	updates, err := collect(t, c, context.Background(), 3)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if len(updates) != 3 {
		t.Fatalf("got %d updates, want 3", len(updates))
	}
	for i, u := range updates {
		if u.Step != i+1 {
			t.Errorf("updates[%d].Step = %d, want %d", i, u.Step, i+1)
		}
		if u.JobID != "composition-test" {
			t.Errorf("JobID = %q", u.JobID)
		}
		if len(u.Results) != 1 {
			t.Fatalf("updates[%d] has %d records, want 1", i, len(u.Results))
		}
		rec := u.Results[0]
		if rec["value"] != float64(i+1) {
			t.Errorf("updates[%d] value = %v, want %d", i, rec["value"], i+1)
		}
		if rec[composite.GlobalTimeKey] != i+1 {
			t.Errorf("updates[%d] global_time = %v", i, rec[composite.GlobalTimeKey])
		}
	}
	if c.Step() != 3 {
		t.Errorf("Step() = %d, want 3", c.Step())
	}
}

func TestAdvanceWithoutEmitterEmitsStore(t *testing.T) {
	spec := counterSpec()
	delete(spec, "ram-emitter")
	c, err := composite.Build(spec, testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	updates, err := collect(t, c, context.Background(), 2)
	if err != nil {
		t.Fatalf("Advance: %v", err)
	}
	rec := updates[1].Results[0]
	if rec["value"] != 2.0 {
		t.Errorf("store value = %v, want 2", rec["value"])
	}
}

func TestAdvanceIsSynchronous(t *testing.T) {
	spec := model.CompositionSpec{
		"a": {
			Address: "local:copy",
			Config:  map[string]any{"initial": "A"},
			Inputs:  map[string]model.Path{"in": {"right"}},
			Outputs: map[string]model.Path{"out": {"left"}},
		},
		"b": {
			Address: "local:copy",
			Config:  map[string]any{"initial": "B"},
			Inputs:  map[string]model.Path{"in": {"left"}},
			Outputs: map[string]model.Path{"out": {"right"}},
		},
	}
	c, err := composite.Build(spec, testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := collect(t, c, context.Background(), 1); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	snap := c.Snapshot()
	if snap["left"] != "B" || snap["right"] != "A" {
		t.Errorf("store = %v, want values swapped", snap)
	}
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name string
		spec model.CompositionSpec
		want error
	}{
		{
			name: "unknown address",
			spec: model.CompositionSpec{"x": {Address: "remote:nowhere"}},
			want: composite.ErrUnknownAddress,
		},
		{
			name: "bad config",
			spec: model.CompositionSpec{"x": {Address: composite.AddressCounter, Config: map[string]any{"rate": "fast"}}},
			want: composite.ErrMalformedConfig,
		},
		{
			name: "undeclared port",
			spec: model.CompositionSpec{"x": {
				Address: composite.AddressCounter,
				Inputs:  map[string]model.Path{"speed": {"s"}},
			}},
			want: composite.ErrMalformedConfig,
		},
		{
			name: "js without advance",
			spec: model.CompositionSpec{"x": {
				Address: composite.AddressJSProcess,
				Config:  map[string]any{"script": "var y = 1;"},
			}},
			want: composite.ErrMalformedConfig,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := composite.Build(tt.spec, testRegistry())
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestAdvanceSequenceNotRestartable(t *testing.T) {
	c, err := composite.Build(counterSpec(), testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	seq := c.Advance(context.Background(), "composition-test", 2)
	for _, err := range seq {
		if err != nil {
			t.Fatalf("first pass: %v", err)
		}
	}
	var got error
	for _, err := range seq {
		got = err
	}
	if !errors.Is(got, composite.ErrSequenceConsumed) {
		t.Errorf("second pass err = %v, want ErrSequenceConsumed", got)
	}
	if c.Step() != 2 {
		t.Errorf("Step() = %d, want 2", c.Step())
	}
}

func TestAdvanceCancelledBetweenSteps(t *testing.T) {
	c, err := composite.Build(counterSpec(), testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var updates int
	var last error
	for _, err := range c.Advance(ctx, "composition-test", 5) {
		if err != nil {
			last = err
			break
		}
		updates++
		cancel()
	}
	if updates != 1 {
		t.Errorf("updates = %d, want 1", updates)
	}
	if !errors.Is(last, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", last)
	}
	if c.Step() != 1 {
		t.Errorf("Step() = %d, want 1", c.Step())
	}
}

func TestAdvanceConsumerBreak(t *testing.T) {
	c, err := composite.Build(counterSpec(), testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	for range c.Advance(context.Background(), "composition-test", 10) {
		break
	}
	if c.Step() != 1 {
		t.Errorf("Step() = %d, want 1", c.Step())
	}
}

func TestAdvanceRuntimeFailure(t *testing.T) {
	for _, panics := range []bool{false, true} {
		name := "error"
		if panics {
			name = "panic"
		}
		t.Run(name, func(t *testing.T) {
			spec := model.CompositionSpec{
				"kernel": {
					Address: "local:fail",
					Config:  map[string]any{"at": 2, "panic": panics},
					Inputs:  map[string]model.Path{"in": {"x"}},
					Outputs: map[string]model.Path{"out": {"y"}},
				},
			}
			c, err := composite.Build(spec, testRegistry())
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			updates, err := collect(t, c, context.Background(), 5)
			if len(updates) != 1 {
				t.Errorf("updates = %d, want 1", len(updates))
			}
			if !errors.Is(err, composite.ErrRuntimeFailure) {
				t.Fatalf("err = %v, want ErrRuntimeFailure", err)
			}
			var rerr *composite.RuntimeError
			if !errors.As(err, &rerr) {
				t.Fatalf("err %T is not *RuntimeError", err)
			}
			if rerr.Step != 2 || rerr.Node != "kernel" {
				t.Errorf("RuntimeError = %+v, want step 2 node kernel", rerr)
			}
			if c.Step() != 1 {
				t.Errorf("Step() = %d, want 1", c.Step())
			}
			if y := c.Snapshot()["y"]; y != 1 {
				t.Errorf("store y = %v, want value from step 1", y)
			}
		})
	}
}

func TestCheckpointRestore(t *testing.T) {
	reg := testRegistry()
	c, err := composite.Build(counterSpec(), reg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if _, err := collect(t, c, context.Background(), 2); err != nil {
		t.Fatalf("Advance: %v", err)
	}

	data, err := c.Checkpoint()
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	restored, err := composite.Restore(data, reg)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.Step() != 2 {
		t.Errorf("restored Step() = %d, want 2", restored.Step())
	}

	n, ok := restored.Node("ram-emitter")
	if !ok {
		t.Fatal("restored composite lost the emitter")
	}
	if h := n.(*composite.RAMEmitter).History(); len(h) != 2 {
		t.Errorf("restored emitter history = %d records, want 2", len(h))
	}

	updates, err := collect(t, restored, context.Background(), 1)
	if err != nil {
		t.Fatalf("Advance after restore: %v", err)
	}
	if updates[0].Step != 3 {
		t.Errorf("Step = %d, want 3", updates[0].Step)
	}
	if v := updates[0].Results[0]["value"]; v != 3.0 {
		t.Errorf("value = %v, want 3", v)
	}
}

func TestRestoreMalformed(t *testing.T) {
	reg := testRegistry()
	for name, data := range map[string]string{
		"not json":      "{",
		"wrong version": `{"version":99,"spec":{},"step":0,"store":{}}`,
		"negative step": `{"version":1,"spec":{},"step":-1,"store":{}}`,
		"unknown node":  `{"version":1,"spec":{},"step":0,"store":{},"nodes":{"ghost":[]}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := composite.Restore([]byte(data), reg)
			if !errors.Is(err, composite.ErrMalformedCheckpoint) {
				t.Errorf("err = %v, want ErrMalformedCheckpoint", err)
			}
		})
	}
}

func TestEmitterPanicLeavesStepUncommitted(t *testing.T) {
	spec := counterSpec()
	spec["ram-emitter"] = model.NodeSpec{
		Type:    model.NodeTypeStep,
		Address: "local:panic-emitter",
		Inputs:  map[string]model.Path{"value": {"value"}},
	}
	c, err := composite.Build(spec, testRegistry())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	before := c.Snapshot()

	updates, err := collect(t, c, context.Background(), 3)
	if len(updates) != 0 {
		t.Errorf("updates = %d, want 0", len(updates))
	}
	var rerr *composite.RuntimeError
	if !errors.As(err, &rerr) {
		t.Fatalf("err = %v, want *RuntimeError", err)
	}
	if rerr.Step != 1 || rerr.Node != "ram-emitter" {
		t.Errorf("RuntimeError = %+v, want step 1 node ram-emitter", rerr)
	}
	if c.Step() != 0 {
		t.Errorf("Step() = %d, want 0", c.Step())
	}
	if after := c.Snapshot(); !reflect.DeepEqual(after, before) {
		t.Errorf("store = %v, want unchanged %v", after, before)
	}
}

// statefulScript keeps its running totals in top-level variables only.
const statefulScript = `
var calls = 0;
var acc = {total: 0};
function advance(inputs, step) {
	calls++;
	acc.total += inputs.population;
	return {population: calls * 10 + acc.total};
}`

func TestResumeMatchesUninterruptedRun(t *testing.T) {
	tests := []struct {
		name string
		spec func() model.CompositionSpec
	}{
		{"counter", counterSpec},
		{"js-process", func() model.CompositionSpec { return jsSpec(statefulScript, nil) }},
	}
	const total, split = 5, 2
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := testRegistry()

			straight, err := composite.Build(tt.spec(), reg)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			want, err := collect(t, straight, context.Background(), total)
			if err != nil {
				t.Fatalf("Advance: %v", err)
			}

			first, err := composite.Build(tt.spec(), reg)
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if _, err := collect(t, first, context.Background(), split); err != nil {
				t.Fatalf("Advance: %v", err)
			}
			data, err := first.Checkpoint()
			if err != nil {
				t.Fatalf("Checkpoint: %v", err)
			}
			resumed, err := composite.Restore(data, reg)
			if err != nil {
				t.Fatalf("Restore: %v", err)
			}
			got, err := collect(t, resumed, context.Background(), total-split)
			if err != nil {
				t.Fatalf("Advance after restore: %v", err)
			}

			for i, u := range got {
				w := want[split+i]
				if u.Step != w.Step || !reflect.DeepEqual(u.Results, w.Results) {
					t.Errorf("step %d: resumed %v, uninterrupted %v", w.Step, u.Results, w.Results)
				}
			}
			if !reflect.DeepEqual(resumed.Snapshot(), straight.Snapshot()) {
				t.Errorf("store = %v, want %v", resumed.Snapshot(), straight.Snapshot())
			}

			wantHist := emitterHistory(t, straight)
			gotHist := emitterHistory(t, resumed)
			if !reflect.DeepEqual(gotHist, wantHist) {
				t.Errorf("emitter history = %v, want %v", gotHist, wantHist)
			}
		})
	}
}

func emitterHistory(t *testing.T, c *composite.Composite) []model.Record {
	t.Helper()
	n, ok := c.Node("ram-emitter")
	if !ok {
		t.Fatal("composite has no ram-emitter")
	}
	return n.(*composite.RAMEmitter).History()
}
