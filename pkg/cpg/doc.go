// Package cpg defines the boundary to a closed-process-group transport: a
// virtual-synchrony multicast service where every member of a channel sees
// the same total order of configuration changes and message deliveries.
//
// A Transport hands out one Handle per channel instance. Events for a handle
// are queued by the transport and surfaced one at a time through Dispatch,
// which invokes the Deliver or Confchg callback registered at Initialize.
// Ready delivers the handle of any instance that has pending events, playing
// the role of a pollable file descriptor.
//
// Typical usage:
//
//	h, _ := tr.Initialize(cpg.Callbacks{Deliver: onMsg, Confchg: onChange})
//	_ = tr.Join(ctx, h, "1_lockspace")
//	for h := range tr.Ready() {
//		kind, err := tr.Dispatch(h)
//		...
//	}
//
// Implementations live in etcdcpg (etcd watch based) and cpgtest (in-memory).
package cpg
