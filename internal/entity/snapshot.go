package entity

import (
	"strings"
	"time"
)

// Snapshot is the wire representation of an entity's current state.
// It is recomputed from host state on every read or change event and
// never persisted by the sync core.
type Snapshot struct {
	EntityID    string         `json:"entity_id"`
	State       string         `json:"state"`
	Attributes  map[string]any `json:"attributes"`
	LastChanged time.Time      `json:"last_changed"`
	LastUpdated time.Time      `json:"last_updated"`
}

// Domain returns the namespace prefix of an entity identifier:
// "light.kitchen" → "light". Identifiers without a dot return the
// whole string.
func Domain(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// Clone creates a complete independent copy of the Snapshot.
// The attributes map is cloned recursively so modifications to the
// copy do not affect the original. This is essential for cache isolation.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}

	cpy := *s
	cpy.Attributes = deepCopyMap(s.Attributes)
	return &cpy
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		// Primitives (string, bool, int, float64, etc.) are safe to copy by value
		return val
	}
}
