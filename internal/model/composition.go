package model

import "strings"

// Node type constants for NodeSpec.Type.
const (
	NodeTypeProcess = "process"
	NodeTypeStep    = "step"
)

// Path is an ordered sequence of segments locating a value in the shared
// hierarchical state store.
type Path []string

// String renders the path with "/" separators.
func (p Path) String() string {
	return strings.Join(p, "/")
}

// NodeSpec is the declarative description of one node in a composition.
type NodeSpec struct {
	Type    string          `json:"_type" yaml:"_type"`
	Address string          `json:"address" yaml:"address"`
	Config  map[string]any  `json:"config,omitempty" yaml:"config,omitempty"`
	Inputs  map[string]Path `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]Path `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// CompositionSpec maps unique node names to node descriptors.
type CompositionSpec map[string]NodeSpec

// IsEmitter reports whether the named node is an emitter/sink. Emitters are
// identified by convention: the node name or address contains "emitter".
func IsEmitter(name string, n NodeSpec) bool {
	return strings.Contains(name, "emitter") || strings.Contains(n.Address, "emitter")
}

// InvalidNode names a node and the structural rule it violates.
type InvalidNode struct {
	Node      string `json:"node_name"`
	Violation string `json:"violation"`
}

// ValidationResult is the first-class outcome of validating a CompositionSpec.
type ValidationResult struct {
	Valid        bool          `json:"valid"`
	InvalidNodes []InvalidNode `json:"invalid_nodes"`
}
