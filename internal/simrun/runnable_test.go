package simrun

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestRegistryResolve(t *testing.T) {
	r := NewBuiltinRegistry()
	if _, err := r.Resolve(SimulatorGrowth); err != nil {
		t.Fatalf("Resolve(growth): %v", err)
	}
	if _, err := r.Resolve("nope"); !errors.Is(err, ErrUnknownSimulator) {
		t.Errorf("err = %v, want ErrUnknownSimulator", err)
	}
}

func TestRegistryNamesSorted(t *testing.T) {
	r := NewRegistry()
	noop := RunnableFunc(func(context.Context, Input) (json.RawMessage, error) { return nil, nil })
	r.Register("zeta", noop)
	r.Register("alpha", noop)
	r.Register("mid", noop)
	if got := r.Names(); !slices.Equal(got, []string{"alpha", "mid", "zeta"}) {
		t.Errorf("Names() = %v", got)
	}
}

func TestGrowth(t *testing.T) {
	tests := []struct {
		name      string
		params    string
		duration  int
		wantFinal float64
		wantLen   int
	}{
		{"defaults", ``, 2, 1.21, 3},
		{"explicit", `{"initial": 100, "rate": 0.5}`, 3, 337.5, 4},
		{"zero duration", `{"initial": 7}`, 0, 7, 1},
		{"null params", `null`, 1, 1.1, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runGrowth(context.Background(), Input{Params: json.RawMessage(tt.params), Duration: tt.duration})
			if err != nil {
				t.Fatalf("runGrowth: %v", err)
			}
			var res growthResult
			if err := json.Unmarshal(out, &res); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if math.Abs(res.Final-tt.wantFinal) > 1e-9 {
				t.Errorf("Final = %v, want %v", res.Final, tt.wantFinal)
			}
			if len(res.Trajectory) != tt.wantLen {
				t.Errorf("len(Trajectory) = %d, want %d", len(res.Trajectory), tt.wantLen)
			}
		})
	}
}

func TestGrowthErrors(t *testing.T) {
	if _, err := runGrowth(context.Background(), Input{Duration: -1}); err == nil {
		t.Error("expected error for negative duration")
	}
	if _, err := runGrowth(context.Background(), Input{Params: json.RawMessage(`[1]`), Duration: 1}); err == nil {
		t.Error("expected error for non-object params")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := runGrowth(ctx, Input{Duration: 5}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestScriptRun(t *testing.T) {
	s, err := NewScript("decay", `
		function run(params, duration, model) {
			var x = params.initial;
			for (var i = 0; i < duration; i++) { x = x / 2; }
			return {final: x, model: model};
		}`)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}

	out, err := s.Run(context.Background(), Input{
		Params:   json.RawMessage(`{"initial": 8}`),
		Duration: 3,
		Model:    []byte("k=0.5"),
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	var res struct {
		Final float64 `json:"final"`
		Model string  `json:"model"`
	}
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("unmarshal %s: %v", out, err)
	}
	if res.Final != 1 {
		t.Errorf("final = %v, want 1", res.Final)
	}
	if res.Model != "k=0.5" {
		t.Errorf("model = %q, want artifact contents", res.Model)
	}
}

func TestScriptModelNullWhenAbsent(t *testing.T) {
	s, err := NewScript("probe", `function run(params, duration, model) { return {absent: model === null}; }`)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}
	out, err := s.Run(context.Background(), Input{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"absent":true}` {
		t.Errorf("out = %s", out)
	}
}

func TestScriptErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr string
	}{
		{"throws", `function run() { throw new Error("unstable"); }`, "unstable"},
		{"no entry point", `var x = 1;`, "must define function run"},
		{"no result", `function run() {}`, "returned no result"},
		{"top-level throw", `throw new Error("at load");`, "at load"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewScript(tt.name, tt.source)
			if err != nil {
				t.Fatalf("NewScript: %v", err)
			}
			_, err = s.Run(context.Background(), Input{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestNewScriptRejects(t *testing.T) {
	if _, err := NewScript("bad", `function run( {`); err == nil {
		t.Error("expected compile error")
	}
	if _, err := NewScript("big", strings.Repeat(" ", MaxScriptSize+1)); err == nil {
		t.Error("expected size error")
	}
}

func TestScriptBudget(t *testing.T) {
	s, err := NewScript("spin", `function run() { for (;;) {} }`)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}
	start := time.Now()
	_, err = s.WithBudget(50*time.Millisecond).Run(context.Background(), Input{})
	if err == nil || !strings.Contains(err.Error(), "interrupted") {
		t.Errorf("err = %v, want interruption", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("budget not enforced")
	}
}

func TestScriptCancelled(t *testing.T) {
	s, err := NewScript("spin", `function run() { for (;;) {} }`)
	if err != nil {
		t.Fatalf("NewScript: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	if _, err := s.Run(ctx, Input{}); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestLoadScripts(t *testing.T) {
	dir := t.TempDir()
	write := func(name, src string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("logistic.js", `function run(p, d) { return {steps: d}; }`)
	write("notes.txt", `not a script`)
	if err := os.Mkdir(filepath.Join(dir, "nested.js"), 0o755); err != nil {
		t.Fatal(err)
	}

	r := NewBuiltinRegistry()
	names, err := LoadScripts(r, dir)
	if err != nil {
		t.Fatalf("LoadScripts: %v", err)
	}
	if !slices.Equal(names, []string{"logistic"}) {
		t.Errorf("names = %v, want [logistic]", names)
	}
	run, err := r.Resolve("logistic")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	out, err := run.Run(context.Background(), Input{Duration: 4})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if string(out) != `{"steps":4}` {
		t.Errorf("out = %s", out)
	}

	if _, err := LoadScripts(r, filepath.Join(dir, "missing")); err == nil {
		t.Error("expected error for missing dir")
	}
}
