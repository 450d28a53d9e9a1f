package breaker

import (
	"sort"
	"sync"
)

// Breakers are process singletons keyed "<provider>-<operation>". The
// registry hands out the same instance for the same key so failure counts
// survive across requests.
var (
	registryMu sync.Mutex
	registry   = map[string]*Breaker{}
)

// Get returns the breaker registered under name, creating it with cfg on
// first use. Later calls ignore cfg.
func Get(name string, cfg Config) *Breaker {
	registryMu.Lock()
	defer registryMu.Unlock()

	if b, ok := registry[name]; ok {
		return b
	}
	b := New(name, cfg)
	registry[name] = b
	return b
}

// All returns snapshots of every registered breaker, sorted by name.
func All() []Snapshot {
	registryMu.Lock()
	defer registryMu.Unlock()

	out := make([]Snapshot, 0, len(registry))
	for _, b := range registry {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ResetAll closes every registered breaker. Test helper.
func ResetAll() {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, b := range registry {
		b.Reset()
	}
}
