package broadcast

import (
	"sort"
	"sync"
)

// Groups maps group names to sets of connection ids.
type Groups struct {
	mu     sync.RWMutex
	groups map[string]map[string]struct{}
}

// NewGroups creates an empty group table.
func NewGroups() *Groups {
	return &Groups{groups: make(map[string]map[string]struct{})}
}

// Add puts id into group.
func (g *Groups) Add(group, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		members = make(map[string]struct{})
		g.groups[group] = members
	}
	members[id] = struct{}{}
}

// Remove takes id out of group. Empty groups are dropped.
func (g *Groups) Remove(group, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	members, ok := g.groups[group]
	if !ok {
		return
	}
	delete(members, id)
	if len(members) == 0 {
		delete(g.groups, group)
	}
}

// Members returns a sorted snapshot of the ids in group.
func (g *Groups) Members(group string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	members := g.groups[group]
	ids := make([]string, 0, len(members))
	for id := range members {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
