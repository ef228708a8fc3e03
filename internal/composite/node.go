// Package composite builds executable composites from a declarative
// CompositionSpec and advances them one discrete step at a time.
//
// Nodes are resolved by address through a Registry, wired to a shared
// hierarchical state store through their declared ports, and advanced
// synchronously: every node reads the store as it was at the step boundary,
// and all outputs are applied once every node has finished the step.
package composite

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/seantiz/compose/internal/model"
)

var (
	// ErrUnknownAddress is returned when a node address is not registered.
	ErrUnknownAddress = errors.New("unknown node address")

	// ErrMalformedConfig is returned when a factory rejects a node config or
	// the spec wires a port the node does not declare.
	ErrMalformedConfig = errors.New("malformed node config")

	// ErrRuntimeFailure wraps any error raised while advancing a step.
	ErrRuntimeFailure = errors.New("runtime failure")

	// ErrSequenceConsumed is returned when an Advance sequence is iterated twice.
	ErrSequenceConsumed = errors.New("advance sequence already consumed")

	// ErrMalformedCheckpoint is returned when checkpoint bytes cannot be restored.
	ErrMalformedCheckpoint = errors.New("malformed checkpoint")
)

// Node is a unit of computation with declared ports and a per-step advance.
type Node interface {
	// Inputs lists the input ports the node reads. A nil slice means the
	// node accepts whatever ports the spec wires.
	Inputs() []string

	// Outputs lists the output ports the node writes. A nil slice means the
	// node accepts whatever ports the spec wires.
	Outputs() []string

	// InitialState returns the values written to the node's output ports
	// before the first step.
	InitialState() map[string]any

	// Advance computes the node's outputs for step from its input values.
	Advance(ctx context.Context, inputs map[string]any, step int) (map[string]any, error)
}

// Emitter is implemented by sink nodes. Emitters are not advanced; after
// every step they receive their inputs and return one observable record.
type Emitter interface {
	Emit(inputs map[string]any) model.Record
}

// Stateful is implemented by nodes that keep internal state outside the
// shared store. The state is carried in checkpoints.
type Stateful interface {
	State() (json.RawMessage, error)
	Restore(state json.RawMessage) error
}

// Factory constructs a Node from its config.
type Factory interface {
	Construct(config map[string]any) (Node, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(config map[string]any) (Node, error)

// Construct calls f(config).
func (f FactoryFunc) Construct(config map[string]any) (Node, error) {
	return f(config)
}
