// Package recovery accumulates node failures into recovery sets.
//
// A single node failure produces one configuration change per channel the
// node belonged to: one for the control channel and one for each application
// group. The Tracker folds those notifications into a single Set per failed
// node, recording which groups must reconcile the failure and which of them
// have already reported it.
//
// Set lifecycle:
//
//	Open -> Extending -> Ready -> Consumed
//
// A set is Ready once the control channel has reported the failure and every
// group entry has reported it too. Consume retires a Ready set.
package recovery

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/pkg/group"
)

var (
	ErrNoSet    = errors.New("recovery: no recovery set")
	ErrNotReady = errors.New("recovery: set not ready")
)

type State uint8

const (
	StateOpen State = iota + 1
	StateExtending
	StateReady
	StateConsumed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateExtending:
		return "extending"
	case StateReady:
		return "ready"
	case StateConsumed:
		return "consumed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Entry is one group in which the failure must be reconciled.
type Entry struct {
	Group    group.Key
	Reported bool
}

// Set is the recovery bookkeeping for one failed node.
type Set struct {
	NodeID group.NodeID
	// ProcessOnly is set when the daemon died but the node stayed up.
	ProcessOnly bool
	// ControlDown is set once the control channel reported the failure.
	ControlDown bool
	State       State

	entries []*Entry
}

// Entries returns a copy of the set's group entries.
func (s *Set) Entries() []Entry {
	out := make([]Entry, len(s.entries))
	for i, e := range s.entries {
		out[i] = *e
	}
	return out
}

// Groups returns the keys of every group in the set.
func (s *Set) Groups() []group.Key {
	out := make([]group.Key, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Group
	}
	return out
}

// Pending returns the groups that have not reported the failure yet.
func (s *Set) Pending() []group.Key {
	var out []group.Key
	for _, e := range s.entries {
		if !e.Reported {
			out = append(out, e.Group)
		}
	}
	return out
}

func (s *Set) entry(k group.Key) *Entry {
	for _, e := range s.entries {
		if e.Group == k {
			return e
		}
	}
	return nil
}

// add records k, returning false if it was already present.
func (s *Set) add(k group.Key, reported bool) bool {
	if e := s.entry(k); e != nil {
		if reported {
			e.Reported = true
		}
		return false
	}
	s.entries = append(s.entries, &Entry{Group: k, Reported: reported})
	if len(s.entries) > 1 && s.State == StateOpen {
		s.State = StateExtending
	}
	return true
}

// Tracker owns every open recovery set.
type Tracker struct {
	sets map[group.NodeID]*Set
	log  *zap.Logger
}

func NewTracker(log *zap.Logger) *Tracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Tracker{sets: make(map[group.NodeID]*Set), log: log}
}

// Get returns the set for id.
func (t *Tracker) Get(id group.NodeID) (*Set, bool) {
	s, ok := t.sets[id]
	return s, ok
}

// Len returns the number of sets not yet consumed.
func (t *Tracker) Len() int { return len(t.sets) }

// Sets returns all sets not yet consumed.
func (t *Tracker) Sets() []*Set {
	out := make([]*Set, 0, len(t.sets))
	for _, s := range t.sets {
		out = append(out, s)
	}
	return out
}

// Open creates a set for id. An existing set is returned as is, so a node
// never has two.
func (t *Tracker) Open(id group.NodeID, processOnly bool) *Set {
	if s, ok := t.sets[id]; ok {
		s.ProcessOnly = s.ProcessOnly || processOnly
		return s
	}
	s := &Set{NodeID: id, ProcessOnly: processOnly, State: StateOpen}
	t.sets[id] = s
	t.log.Debug("open recovery set", zap.Uint32("node", uint32(id)), zap.Bool("procdown", processOnly))
	return s
}

// Extend adds k, as reported, to the set already open for id.
func (t *Tracker) Extend(id group.NodeID, k group.Key) (*Set, bool) {
	s, ok := t.sets[id]
	if !ok {
		return nil, false
	}
	if s.add(k, true) {
		t.log.Debug("extend recovery set", zap.Uint32("node", uint32(id)), zap.Stringer("group", k))
	}
	t.evaluate(s)
	return s, true
}

// Report records that group k processed the failure of id, opening a set if
// none exists.
func (t *Tracker) Report(id group.NodeID, k group.Key) *Set {
	if s, ok := t.Extend(id, k); ok {
		return s
	}
	s := t.Open(id, false)
	s.add(k, true)
	t.evaluate(s)
	return s
}

// NodeDown records a failure seen on the control channel. memberOf lists the
// groups that still hold id as a member. If neither those groups nor earlier
// group reports involve the node, no set is kept and nil is returned.
//
// fence is true when a process-only failure hits a node that holds group
// membership: the node must be forced down so every layer sees a clean
// node failure.
func (t *Tracker) NodeDown(id group.NodeID, processOnly bool, memberOf []group.Key) (s *Set, fence bool) {
	s = t.Open(id, processOnly)
	s.ControlDown = true
	for _, k := range memberOf {
		if s.add(k, false) {
			t.log.Debug("add to recovery set", zap.Uint32("node", uint32(id)), zap.Stringer("group", k))
		}
	}
	if len(s.entries) == 0 {
		t.log.Debug("free recovery set, node in no groups", zap.Uint32("node", uint32(id)))
		delete(t.sets, id)
		return nil, false
	}
	t.evaluate(s)
	return s, s.ProcessOnly
}

// Forget drops group k from the set for id. A group forgets a failure when
// the failed node had not finished joining it, so there is nothing for that
// group to reconcile. A set left with no groups is freed.
func (t *Tracker) Forget(id group.NodeID, k group.Key) {
	s, ok := t.sets[id]
	if !ok {
		return
	}
	for i, e := range s.entries {
		if e.Group == k {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			t.log.Debug("drop from recovery set", zap.Uint32("node", uint32(id)), zap.Stringer("group", k))
			break
		}
	}
	if len(s.entries) == 0 {
		t.log.Debug("free recovery set, node in no groups", zap.Uint32("node", uint32(id)))
		delete(t.sets, id)
		return
	}
	t.evaluate(s)
}

func (t *Tracker) evaluate(s *Set) {
	if s.State == StateReady || s.State == StateConsumed || !s.ControlDown {
		return
	}
	for _, e := range s.entries {
		if !e.Reported {
			return
		}
	}
	s.State = StateReady
	t.log.Info("recovery set ready",
		zap.Uint32("node", uint32(s.NodeID)),
		zap.Int("groups", len(s.entries)),
		zap.Bool("procdown", s.ProcessOnly))
}

// Consume retires a Ready set once the recovery consumer is done with it.
func (t *Tracker) Consume(id group.NodeID) error {
	s, ok := t.sets[id]
	if !ok {
		return fmt.Errorf("%w for node %d", ErrNoSet, id)
	}
	if s.State != StateReady {
		return fmt.Errorf("%w: node %d is %s", ErrNotReady, id, s.State)
	}
	s.State = StateConsumed
	delete(t.sets, id)
	return nil
}
