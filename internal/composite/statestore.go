package composite

import (
	"fmt"

	"github.com/seantiz/compose/internal/model"
)

// StateStore is the shared hierarchical store nodes read from and write to.
// It is not safe for concurrent use; the owning Composite serializes access.
type StateStore struct {
	root map[string]any
}

// NewStateStore returns an empty store.
func NewStateStore() *StateStore {
	return &StateStore{root: make(map[string]any)}
}

// Get returns the value at path.
func (s *StateStore) Get(path model.Path) (any, bool) {
	var cur any = s.root
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes value at path, creating intermediate levels. It fails if an
// intermediate segment already holds a leaf value.
func (s *StateStore) Set(path model.Path, value any) error {
	if len(path) == 0 {
		return fmt.Errorf("set: empty path")
	}
	m := s.root
	for i, seg := range path[:len(path)-1] {
		next, ok := m[seg]
		if !ok {
			child := make(map[string]any)
			m[seg] = child
			m = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("set %s: %s is a leaf", path, path[:i+1])
		}
		m = child
	}
	m[path[len(path)-1]] = value
	return nil
}

// Snapshot returns a deep copy of the store contents.
func (s *StateStore) Snapshot() map[string]any {
	return deepCopyMap(s.root)
}

func deepCopyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case model.Record:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	default:
		return v
	}
}
