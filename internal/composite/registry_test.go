package composite_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/seantiz/compose/internal/composite"
)

// stubNode is a minimal Node for registry tests.
type stubNode struct{}

func (stubNode) Inputs() []string             { return []string{"in"} }
func (stubNode) Outputs() []string            { return []string{"out"} }
func (stubNode) InitialState() map[string]any { return nil }
func (stubNode) Advance(context.Context, map[string]any, int) (map[string]any, error) {
	return nil, nil
}

func stubFactory() composite.Factory {
	return composite.FactoryFunc(func(map[string]any) (composite.Node, error) {
		return stubNode{}, nil
	})
}

func TestRegistryRegisterAndAddresses(t *testing.T) {
	reg := composite.NewRegistry()
	reg.Register("local:b", stubFactory())
	reg.Register("local:a", stubFactory())

	got := reg.Addresses()
	want := []string{"local:a", "local:b"}
	if !slices.Equal(got, want) {
		t.Errorf("Addresses() = %v, want %v", got, want)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := composite.NewRegistry()
	reg.Register("local:stub", stubFactory())

	f, err := reg.Resolve("local:stub")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := f.Construct(nil); err != nil {
		t.Errorf("Construct: %v", err)
	}
}

func TestRegistryResolveUnknown(t *testing.T) {
	reg := composite.NewRegistry()
	_, err := reg.Resolve("remote:missing")
	if !errors.Is(err, composite.ErrUnknownAddress) {
		t.Errorf("err = %v, want ErrUnknownAddress", err)
	}
}

func TestBuiltinRegistry(t *testing.T) {
	reg := composite.NewBuiltinRegistry()
	for _, addr := range []string{composite.AddressCounter, composite.AddressJSProcess, composite.AddressRAMEmitter} {
		if _, err := reg.Resolve(addr); err != nil {
			t.Errorf("Resolve(%q): %v", addr, err)
		}
	}
}
