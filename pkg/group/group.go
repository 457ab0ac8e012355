// Package group holds the per-application-group state of the daemon: the
// ordered membership list, the pending event queue consumed by the recovery
// logic, and the queue of saved messages. Nothing here is safe for concurrent
// use; all access happens from the coordinator's dispatch loop.
package group

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/groupd/pkg/cpg"
)

const (
	// MaxGroupMembers bounds every membership list taken from the transport.
	MaxGroupMembers = 256
	// MaxNameLen bounds group names.
	MaxNameLen = 32
	// ControlChannel is the reserved channel joined by every daemon.
	ControlChannel = "groupd"
)

var (
	ErrUnknownGroup = errors.New("group: unknown group")
	ErrExists       = errors.New("group: already exists")
)

// NodeID is a cluster-wide node identifier.
type NodeID uint32

// Key identifies a group.
type Key struct {
	Name  string
	Level int
}

// ChannelName is the transport channel name for the group, "<level>_<name>".
func (k Key) ChannelName() string {
	return fmt.Sprintf("%d_%s", k.Level, k.Name)
}

func (k Key) String() string {
	return fmt.Sprintf("%d:%s", k.Level, k.Name)
}

// ClampName truncates name to MaxNameLen and reports whether it did.
func ClampName(name string) (string, bool) {
	if len(name) <= MaxNameLen {
		return name, false
	}
	return name[:MaxNameLen], true
}

// Group is one application group as seen by the local daemon.
type Group struct {
	Name     string
	Level    int
	GlobalID uint32
	Handle   cpg.Handle

	members  []NodeID
	events   []*Event
	messages []*SavedMessage

	// Current is the event the recovery logic is working on; it is no
	// longer in the queue.
	Current *Event

	// Joined is set once the local join confchg has been processed.
	Joined bool
	// Leaving is set once a local leave has been issued to the transport.
	Leaving bool
}

// New returns an empty group.
func New(name string, level int) *Group {
	return &Group{Name: name, Level: level}
}

func (g *Group) Key() Key { return Key{Name: g.Name, Level: g.Level} }

func (g *Group) String() string { return g.Key().String() }

// MemberCount returns the number of members.
func (g *Group) MemberCount() int { return len(g.members) }

// Members returns the membership in join order.
func (g *Group) Members() []NodeID {
	return append([]NodeID(nil), g.members...)
}

// IsMember reports whether id is in the membership.
func (g *Group) IsMember(id NodeID) bool {
	return g.memberIndex(id) >= 0
}

func (g *Group) memberIndex(id NodeID) int {
	for i, m := range g.members {
		if m == id {
			return i
		}
	}
	return -1
}

// AddMember appends id. It returns false, leaving the list untouched, if id
// is already a member or the list is full.
func (g *Group) AddMember(id NodeID) bool {
	if g.IsMember(id) || len(g.members) >= MaxGroupMembers {
		return false
	}
	g.members = append(g.members, id)
	return true
}

// RemoveMember deletes id and reports whether it was present.
func (g *Group) RemoveMember(id NodeID) bool {
	i := g.memberIndex(id)
	if i < 0 {
		return false
	}
	g.members = append(g.members[:i], g.members[i+1:]...)
	return true
}

// ReleaseMembers empties the membership list.
func (g *Group) ReleaseMembers() {
	g.members = nil
}
