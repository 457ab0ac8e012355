package group

import (
	"fmt"
	"sort"

	"github.com/ryandielhenn/groupd/pkg/cpg"
)

// Registry is the set of live groups, keyed by (name, level).
type Registry struct {
	groups map[Key]*Group
}

func NewRegistry() *Registry {
	return &Registry{groups: make(map[Key]*Group)}
}

// Add registers g.
func (r *Registry) Add(g *Group) error {
	k := g.Key()
	if _, ok := r.groups[k]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}
	r.groups[k] = g
	return nil
}

// Remove unregisters the group with key k.
func (r *Registry) Remove(k Key) (*Group, bool) {
	g, ok := r.groups[k]
	if ok {
		delete(r.groups, k)
	}
	return g, ok
}

// Find looks a group up by name and level.
func (r *Registry) Find(name string, level int) (*Group, bool) {
	g, ok := r.groups[Key{Name: name, Level: level}]
	return g, ok
}

// FindByHandle looks a group up by its transport handle.
func (r *Registry) FindByHandle(h cpg.Handle) (*Group, bool) {
	for _, g := range r.groups {
		if g.Handle == h {
			return g, true
		}
	}
	return nil, false
}

// All returns the groups ordered by level, then name.
func (r *Registry) All() []*Group {
	out := make([]*Group, 0, len(r.groups))
	for _, g := range r.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Level != out[j].Level {
			return out[i].Level < out[j].Level
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// NodeGroups returns the keys of every group id is a member of.
func (r *Registry) NodeGroups(id NodeID) []Key {
	var keys []Key
	for _, g := range r.All() {
		if g.IsMember(id) {
			keys = append(keys, g.Key())
		}
	}
	return keys
}

func (r *Registry) Len() int { return len(r.groups) }
