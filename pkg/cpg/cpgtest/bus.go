// Package cpgtest provides an in-memory cpg.Transport for tests. A Bus plays
// the cluster-wide group communication service; each simulated daemon gets
// its own Transport from Bus.Node. Every event is fanned out while the bus
// lock is held, so all members of a channel queue events in the same order.
package cpgtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/ryandielhenn/groupd/pkg/cpg"
)

const readyBuffer = 1 << 16

// Operations accepted by Transport.Busy.
const (
	OpJoin  = "join"
	OpLeave = "leave"
	OpMcast = "mcast"
)

type Bus struct {
	mu       sync.Mutex
	channels map[string][]*instance
	ringSeq  uint64
}

func NewBus() *Bus {
	return &Bus{channels: make(map[string][]*instance)}
}

// Node returns a transport for the daemon (nodeID, pid).
func (b *Bus) Node(nodeID, pid uint32) *Transport {
	return &Transport{
		bus:    b,
		NodeID: nodeID,
		PID:    pid,
		insts:  make(map[cpg.Handle]*instance),
		ready:  make(chan cpg.Handle, readyBuffer),
		busy:   make(map[string]int),
	}
}

// Members returns the node ids joined to channel, in join order.
func (b *Bus) Members(channel string) []uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []uint32
	for _, in := range b.channels[channel] {
		out = append(out, in.t.NodeID)
	}
	return out
}

// Fail removes every instance of nodeID from every channel and notifies the
// remaining members with the given reason.
func (b *Bus) Fail(nodeID uint32, reason cpg.Reason) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, list := range b.channels {
		var gone *instance
		kept := list[:0]
		for _, in := range list {
			if in.t.NodeID == nodeID {
				gone = in
				continue
			}
			kept = append(kept, in)
		}
		b.channels[name] = kept
		if gone == nil {
			continue
		}
		gone.joined = false
		addr := cpg.Address{NodeID: gone.t.NodeID, PID: gone.t.PID, Reason: reason}
		b.confchgLocked(name, kept, nil, []cpg.Address{addr}, nil)
	}
}

func (b *Bus) addrsLocked(list []*instance) []cpg.Address {
	out := make([]cpg.Address, 0, len(list))
	for _, in := range list {
		out = append(out, cpg.Address{NodeID: in.t.NodeID, PID: in.t.PID, Reason: cpg.ReasonJoin})
	}
	return out
}

func (b *Bus) confchgLocked(channel string, to []*instance, extra *instance, left, joined []cpg.Address) {
	b.ringSeq++
	members := b.addrsLocked(b.channels[channel])
	targets := to
	if extra != nil {
		targets = append(append([]*instance(nil), to...), extra)
	}
	for _, in := range targets {
		in.push(event{confchg: &cpg.Confchg{
			Handle:  in.h,
			Channel: channel,
			Type:    cpg.ConfigurationRegular,
			Members: append([]cpg.Address(nil), members...),
			Left:    append([]cpg.Address(nil), left...),
			Joined:  append([]cpg.Address(nil), joined...),
			RingSeq: b.ringSeq,
		}})
	}
}

type delivery struct {
	nodeID, pid uint32
	data        []byte
}

type event struct {
	deliver *delivery
	confchg *cpg.Confchg
}

type instance struct {
	t       *Transport
	h       cpg.Handle
	cb      cpg.Callbacks
	channel string
	joined  bool

	mu    sync.Mutex
	queue []event
}

func (in *instance) push(ev event) {
	in.mu.Lock()
	in.queue = append(in.queue, ev)
	in.mu.Unlock()
	in.t.ready <- in.h
}

func (in *instance) pop() (event, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.queue) == 0 {
		return event{}, false
	}
	ev := in.queue[0]
	in.queue = in.queue[1:]
	return ev, true
}

// Transport is one simulated daemon's view of the bus.
type Transport struct {
	bus    *Bus
	NodeID uint32
	PID    uint32

	mu    sync.Mutex
	next  cpg.Handle
	insts map[cpg.Handle]*instance
	ready chan cpg.Handle
	busy  map[string]int
	flow  cpg.FlowControl
	calls map[string]int
}

var _ cpg.Transport = (*Transport)(nil)

// Busy makes the next n calls of op fail with cpg.ErrTryAgain.
func (t *Transport) Busy(op string, n int) {
	t.mu.Lock()
	t.busy[op] = n
	t.mu.Unlock()
}

// Calls returns how many times op was attempted, failed attempts included.
func (t *Transport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

// SetFlowControl sets the state reported by FlowControlState.
func (t *Transport) SetFlowControl(f cpg.FlowControl) {
	t.mu.Lock()
	t.flow = f
	t.mu.Unlock()
}

func (t *Transport) attempt(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.calls == nil {
		t.calls = make(map[string]int)
	}
	t.calls[op]++
	if t.busy[op] > 0 {
		t.busy[op]--
		return cpg.ErrTryAgain
	}
	return nil
}

func (t *Transport) instance(h cpg.Handle) (*instance, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.insts[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", cpg.ErrBadHandle, h)
	}
	return in, nil
}

func (t *Transport) Initialize(cb cpg.Callbacks) (cpg.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.insts[h] = &instance{t: t, h: h, cb: cb}
	return h, nil
}

func (t *Transport) Finalize(h cpg.Handle) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	t.bus.mu.Lock()
	if in.joined {
		t.bus.removeLocked(in, cpg.ReasonLeave, false)
	}
	t.bus.mu.Unlock()
	t.mu.Lock()
	delete(t.insts, h)
	t.mu.Unlock()
	return nil
}

func (t *Transport) Join(ctx context.Context, h cpg.Handle, channel string) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	if err := t.attempt(OpJoin); err != nil {
		return err
	}
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	in.channel = channel
	in.joined = true
	b.channels[channel] = append(b.channels[channel], in)
	self := cpg.Address{NodeID: t.NodeID, PID: t.PID, Reason: cpg.ReasonJoin}
	b.confchgLocked(channel, b.channels[channel], nil, nil, []cpg.Address{self})
	return nil
}

func (t *Transport) Leave(ctx context.Context, h cpg.Handle, channel string) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	if err := t.attempt(OpLeave); err != nil {
		return err
	}
	t.bus.mu.Lock()
	defer t.bus.mu.Unlock()
	if !in.joined {
		return fmt.Errorf("%w: %s", cpg.ErrNotJoined, channel)
	}
	t.bus.removeLocked(in, cpg.ReasonLeave, true)
	return nil
}

// removeLocked drops in from its channel. The leaver itself is told about
// its own departure when notifySelf is set.
func (b *Bus) removeLocked(in *instance, reason cpg.Reason, notifySelf bool) {
	list := b.channels[in.channel]
	kept := list[:0]
	for _, o := range list {
		if o != in {
			kept = append(kept, o)
		}
	}
	b.channels[in.channel] = kept
	in.joined = false
	addr := cpg.Address{NodeID: in.t.NodeID, PID: in.t.PID, Reason: reason}
	var extra *instance
	if notifySelf {
		extra = in
	}
	b.confchgLocked(in.channel, kept, extra, []cpg.Address{addr}, nil)
}

func (t *Transport) Mcast(ctx context.Context, h cpg.Handle, bufs ...[]byte) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	if err := t.attempt(OpMcast); err != nil {
		return err
	}
	var data []byte
	for _, b := range bufs {
		data = append(data, b...)
	}
	b := t.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if !in.joined {
		return fmt.Errorf("%w: handle %d", cpg.ErrNotJoined, h)
	}
	for _, o := range b.channels[in.channel] {
		o.push(event{deliver: &delivery{nodeID: t.NodeID, pid: t.PID, data: data}})
	}
	return nil
}

func (t *Transport) Dispatch(h cpg.Handle) (cpg.CallbackKind, error) {
	in, err := t.instance(h)
	if err != nil {
		return cpg.CallbackNone, err
	}
	ev, ok := in.pop()
	if !ok {
		return cpg.CallbackNone, nil
	}
	if ev.confchg != nil {
		if in.cb.Confchg != nil {
			in.cb.Confchg(*ev.confchg)
		}
		return cpg.CallbackConfchg, nil
	}
	if in.cb.Deliver != nil {
		in.cb.Deliver(h, in.channel, ev.deliver.nodeID, ev.deliver.pid, ev.deliver.data)
	}
	return cpg.CallbackDeliver, nil
}

func (t *Transport) FlowControlState(h cpg.Handle) (cpg.FlowControl, error) {
	if _, err := t.instance(h); err != nil {
		return cpg.FlowControlDisabled, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flow, nil
}

func (t *Transport) Ready() <-chan cpg.Handle { return t.ready }
