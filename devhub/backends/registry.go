package backends

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the registered backends. Lookups are exact on the resolved
// version; no range matching happens here.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key]*ProxiedBackend
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[Key]*ProxiedBackend)}
}

// Get returns the backend registered under exactly (name, version, partition).
func (r *Registry) Get(name, version, partition string) *ProxiedBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[Key{Name: name, Version: version, Partition: partition}]
}

// Register adds b. The key and the port must both be unused.
func (r *Registry) Register(b *ProxiedBackend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := b.Key()
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("backend %s is already registered", key)
	}
	for other, entry := range r.entries {
		if entry.Port == b.Port {
			return fmt.Errorf("port %d is already used by backend %s", b.Port, other)
		}
	}
	r.entries[key] = b
	return nil
}

// Remove deletes every entry matching pred and returns them.
func (r *Registry) Remove(pred func(*ProxiedBackend) bool) []*ProxiedBackend {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*ProxiedBackend
	for key, entry := range r.entries {
		if pred(entry) {
			removed = append(removed, entry)
			delete(r.entries, key)
		}
	}
	sortBackends(removed)
	return removed
}

// List returns a snapshot ordered by name, version and partition.
func (r *Registry) List() []*ProxiedBackend {
	r.mu.RLock()
	list := make([]*ProxiedBackend, 0, len(r.entries))
	for _, entry := range r.entries {
		list = append(list, entry)
	}
	r.mu.RUnlock()
	sortBackends(list)
	return list
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sortBackends(list []*ProxiedBackend) {
	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.Name != b.Name {
			return a.Name < b.Name
		}
		if a.Version != b.Version {
			return a.Version < b.Version
		}
		return a.Partition < b.Partition
	})
}
