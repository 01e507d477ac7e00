package manager

import (
	"sort"
	"sync"

	"github.com/cuemby/clanmanager/pkg/types"
)

// Registry is the in-memory set of managed clans. It is read on the event
// path without taking clan locks.
type Registry struct {
	mu    sync.RWMutex
	clans map[string]*types.Clan
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{clans: make(map[string]*types.Clan)}
}

// IsManaged reports whether the clan is registered
func (r *Registry) IsManaged(clanID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clans[clanID]
	return ok
}

// Get returns a copy of the registered clan
func (r *Registry) Get(clanID string) (*types.Clan, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clans[clanID]
	if !ok {
		return nil, false
	}
	cp := *c
	return &cp, true
}

// IDs returns registered clan IDs in ascending order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.clans))
	for id := range r.clans {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of registered clans
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clans)
}

func (r *Registry) put(clan *types.Clan) {
	cp := *clan
	r.mu.Lock()
	r.clans[clan.ID] = &cp
	r.mu.Unlock()
}

func (r *Registry) remove(clanID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.clans[clanID]
	delete(r.clans, clanID)
	return ok
}
