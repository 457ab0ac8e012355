// Package daemon is the group membership core of groupd.
//
// A Coordinator owns the group registry and the recovery set tracker and is
// driven by a single dispatch loop (Run). Each ready transport handle is
// dispatched once per loop iteration; the transport fires either the
// deliver callback, which copies the message into the owning group's
// message queue, or the confchg callback, which is saved and then applied
// after the dispatch returns:
//
//  1. joined nodes are added and get a JoinBegin event (the local join
//     takes the whole member list and is handed to the App at once);
//  2. left nodes are removed; voluntary leaves get a LeaveBegin event,
//     failures purge the node's Begin events and escalate to recovery.
//
// The reserved control channel has its own path: its membership decides
// whether the local daemon is admitted, and a daemon-only failure of a node
// that still holds group membership gets the node fenced.
//
// All state is touched from the loop goroutine only. Other goroutines (the
// admin HTTP handlers) reach it through Do.
package daemon
