package group

import "fmt"

// EventState is the phase of a queued membership event. Only the Begin
// states are created by confchg processing; the rest belong to the recovery
// logic that drains the queue.
type EventState uint8

const (
	JoinBegin EventState = iota + 1
	JoinStopWait
	JoinAllStopped
	JoinStartWait
	JoinAllStarted
	LeaveBegin
	LeaveStopWait
	LeaveAllStopped
	LeaveStartWait
	LeaveAllStarted
	RecoverBegin
	RecoverStopWait
	RecoverAllStopped
	RecoverStartWait
	RecoverAllStarted
)

var eventStateNames = map[EventState]string{
	JoinBegin:         "join_begin",
	JoinStopWait:      "join_stop_wait",
	JoinAllStopped:    "join_all_stopped",
	JoinStartWait:     "join_start_wait",
	JoinAllStarted:    "join_all_started",
	LeaveBegin:        "leave_begin",
	LeaveStopWait:     "leave_stop_wait",
	LeaveAllStopped:   "leave_all_stopped",
	LeaveStartWait:    "leave_start_wait",
	LeaveAllStarted:   "leave_all_started",
	RecoverBegin:      "recover_begin",
	RecoverStopWait:   "recover_stop_wait",
	RecoverAllStopped: "recover_all_stopped",
	RecoverStartWait:  "recover_start_wait",
	RecoverAllStarted: "recover_all_started",
}

func (s EventState) String() string {
	if n, ok := eventStateNames[s]; ok {
		return n
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// IsBegin reports whether s is a join or leave Begin phase, the phases
// purged when the event's node fails.
func (s EventState) IsBegin() bool {
	return s == JoinBegin || s == LeaveBegin
}

// Event is one queued membership change. NodeID is the node the event
// originates from: the joining or leaving node, or the local node for a
// recover event.
type Event struct {
	ID     uint64
	State  EventState
	NodeID NodeID
	// Nodes lists the failed nodes a recover event covers.
	Nodes []NodeID
	// Immediate marks the local join, which the consumer applies at once.
	Immediate bool
}

func (e *Event) String() string {
	return fmt.Sprintf("%s node %d id %x", e.State, e.NodeID, e.ID)
}

// Extend adds id to a recover event's node list.
func (e *Event) Extend(id NodeID) {
	for _, n := range e.Nodes {
		if n == id {
			return
		}
	}
	e.Nodes = append(e.Nodes, id)
}

// QueueEvent appends ev to the group's event queue.
func (g *Group) QueueEvent(ev *Event) {
	g.events = append(g.events, ev)
}

// Events returns the queued events in order.
func (g *Group) Events() []*Event {
	return append([]*Event(nil), g.events...)
}

// EventCount returns the number of queued events.
func (g *Group) EventCount() int { return len(g.events) }

// PeekEvent returns the head of the queue.
func (g *Group) PeekEvent() (*Event, bool) {
	if len(g.events) == 0 {
		return nil, false
	}
	return g.events[0], true
}

// PopEvent removes and returns the head of the queue.
func (g *Group) PopEvent() (*Event, bool) {
	ev, ok := g.PeekEvent()
	if ok {
		g.events[0] = nil
		g.events = g.events[1:]
	}
	return ev, ok
}

// PurgeBegin drops every JoinBegin and LeaveBegin event queued for id and
// returns what it dropped. Later phases are left in place.
func (g *Group) PurgeBegin(id NodeID) []*Event {
	var purged []*Event
	kept := g.events[:0]
	for _, ev := range g.events {
		if ev.NodeID == id && ev.State.IsBegin() {
			purged = append(purged, ev)
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(g.events); i++ {
		g.events[i] = nil
	}
	g.events = kept
	return purged
}

// QueuedRecover returns a RecoverBegin event still waiting in the queue.
// The current event is not considered.
func (g *Group) QueuedRecover() (*Event, bool) {
	for _, ev := range g.events {
		if ev.State == RecoverBegin {
			return ev, true
		}
	}
	return nil, false
}

// BeginNext moves the head of the queue to Current if nothing is current.
func (g *Group) BeginNext() (*Event, bool) {
	if g.Current != nil {
		return g.Current, false
	}
	ev, ok := g.PopEvent()
	if !ok {
		return nil, false
	}
	g.Current = ev
	return ev, true
}

// FinishCurrent clears the current event.
func (g *Group) FinishCurrent() *Event {
	ev := g.Current
	g.Current = nil
	return ev
}

// DrainEvents removes and returns all queued events.
func (g *Group) DrainEvents() []*Event {
	evs := g.events
	g.events = nil
	return evs
}
