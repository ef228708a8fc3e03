package composite

import (
	"fmt"
	"slices"
	"sort"

	"github.com/seantiz/compose/internal/model"
)

// Validate checks the structure of spec without building it. Every node that
// is not an emitter must wire at least one input and one output port, and
// every wired path must be non-empty and consistent in shape with every other
// path in the spec. At most one violation is reported per node.
func Validate(spec model.CompositionSpec) model.ValidationResult {
	names := make([]string, 0, len(spec))
	for name := range spec {
		names = append(names, name)
	}
	sort.Strings(names)

	var all []model.Path
	for _, name := range names {
		n := spec[name]
		all = append(all, wiredPaths(n.Inputs)...)
		all = append(all, wiredPaths(n.Outputs)...)
	}

	result := model.ValidationResult{Valid: true, InvalidNodes: []model.InvalidNode{}}
	for _, name := range names {
		if v := nodeViolation(name, spec[name], all); v != "" {
			result.InvalidNodes = append(result.InvalidNodes, model.InvalidNode{Node: name, Violation: v})
		}
	}
	result.Valid = len(result.InvalidNodes) == 0
	return result
}

func nodeViolation(name string, n model.NodeSpec, all []model.Path) string {
	if !model.IsEmitter(name, n) {
		if len(n.Inputs) == 0 {
			return "node has no input ports"
		}
		if len(n.Outputs) == 0 {
			return "node has no output ports"
		}
	}

	for _, ports := range []map[string]model.Path{n.Inputs, n.Outputs} {
		for _, port := range sortedPorts(ports) {
			if v := pathViolation(port, ports[port], all); v != "" {
				return v
			}
		}
	}

	if n.Type != "" && n.Type != model.NodeTypeProcess && n.Type != model.NodeTypeStep {
		return fmt.Sprintf("unknown node type %q", n.Type)
	}
	return ""
}

func pathViolation(port string, p model.Path, all []model.Path) string {
	if len(p) == 0 {
		return fmt.Sprintf("port %q has an empty path", port)
	}
	if slices.Contains(p, "") {
		return fmt.Sprintf("port %q path %q has an empty segment", port, p)
	}
	for _, other := range all {
		if len(other) == 0 || len(other) == len(p) {
			continue
		}
		short, long := p, other
		if len(short) > len(long) {
			short, long = long, short
		}
		if slices.Equal(short, long[:len(short)]) {
			return fmt.Sprintf("port %q path %q conflicts with path %q", port, p, other)
		}
	}
	return ""
}

func wiredPaths(ports map[string]model.Path) []model.Path {
	out := make([]model.Path, 0, len(ports))
	for _, port := range sortedPorts(ports) {
		out = append(out, ports[port])
	}
	return out
}

func sortedPorts(ports map[string]model.Path) []string {
	keys := make([]string, 0, len(ports))
	for k := range ports {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
