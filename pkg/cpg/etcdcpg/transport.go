// Package etcdcpg implements the cpg transport on top of etcd. Channel
// membership is a set of lease-bound keys, messages are keys written by
// their sender, and the agreed order is the store revision order seen by
// every watcher.
//
// A member key that disappears without a leave marker is a failure. The
// reason is read from the node's discovery key at the revision of the
// delete: present means the process died on a live node (ProcDown), absent
// means the node is gone (NodeDown). When Config.Lease is the node's
// registration lease, the node key and all of its channel keys expire or
// are revoked in one revision, so a daemon crash or a fence always reads as
// NodeDown; ProcDown is then reported only for a handle finalized without
// leaving. Without Config.Lease each join holds its own lease, and the
// reason is only as reliable as the independent registration of the node.
package etcdcpg

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/discovery"
	"github.com/ryandielhenn/groupd/pkg/cpg"
)

const (
	defaultPrefix         = "/groupd"
	defaultLeaseTTL       = 10
	defaultMaxOutstanding = 64
	opTimeout             = 5 * time.Second
	readyBuffer           = 1 << 16
)

var ErrAlreadyJoined = errors.New("etcdcpg: handle already joined")

type Config struct {
	Client *clientv3.Client
	NodeID uint32
	PID    uint32
	// Prefix roots every key; discovery registrations live under the same prefix.
	Prefix string
	// Lease, when set, holds every channel key instead of a per-join lease.
	// Its owner keeps it alive.
	Lease clientv3.LeaseID
	// LeaseTTL in seconds for per-join leases.
	LeaseTTL int64
	// MaxOutstanding is the number of undelivered own messages at which
	// flow control turns on.
	MaxOutstanding int
	Log            *zap.Logger
}

type Transport struct {
	cfg   Config
	keys  keyspace
	log   *zap.Logger
	ready chan cpg.Handle

	mu    sync.Mutex
	next  cpg.Handle
	insts map[cpg.Handle]*instance
}

var _ cpg.Transport = (*Transport)(nil)

func New(cfg Config) *Transport {
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = defaultLeaseTTL
	}
	if cfg.MaxOutstanding <= 0 {
		cfg.MaxOutstanding = defaultMaxOutstanding
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Transport{
		cfg:   cfg,
		keys:  keyspace{prefix: cfg.Prefix},
		log:   cfg.Log.Named("etcdcpg"),
		ready: make(chan cpg.Handle, readyBuffer),
		insts: make(map[cpg.Handle]*instance),
	}
}

type pending struct {
	kind    cpg.CallbackKind
	confchg cpg.Confchg
	msg     message
}

type instance struct {
	h  cpg.Handle
	cb cpg.Callbacks

	mu          sync.Mutex
	channel     string
	lease       clientv3.LeaseID
	ownLease    bool
	cancel      context.CancelFunc
	joined      bool
	queue       []pending
	outstanding int
	seq         uint64
}

func (t *Transport) Initialize(cb cpg.Callbacks) (cpg.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	t.insts[t.next] = &instance{h: t.next, cb: cb}
	return t.next, nil
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

func (t *Transport) Finalize(h cpg.Handle) error {
	t.mu.Lock()
	in, ok := t.insts[h]
	delete(t.insts, h)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", cpg.ErrBadHandle, h)
	}

	in.mu.Lock()
	cancel, lease, own, channel := in.cancel, in.lease, in.ownLease, in.channel
	in.cancel, in.lease, in.joined, in.queue = nil, 0, false, nil
	in.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if lease == 0 {
		return nil
	}
	ctx, done := context.WithTimeout(context.Background(), opTimeout)
	defer done()
	if own {
		if _, err := t.cfg.Client.Revoke(ctx, lease); err != nil {
			t.log.Warn("revoke channel lease", zap.Int64("lease", int64(lease)), zap.Error(err))
		}
		return nil
	}
	_, err := t.cfg.Client.Txn(ctx).Then(
		clientv3.OpDelete(t.keys.member(channel, t.cfg.NodeID)),
		clientv3.OpDelete(t.keys.leave(channel, t.cfg.NodeID)),
		clientv3.OpDelete(t.keys.ownMsgs(channel, t.cfg.NodeID, t.cfg.PID), clientv3.WithPrefix()),
	).Commit()
	if err != nil {
		t.log.Warn("delete channel keys", zap.String("channel", channel), zap.Error(err))
	}
	return nil
}

func (t *Transport) Join(ctx context.Context, h cpg.Handle, channel string) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.joined {
		return ErrAlreadyJoined
	}

	cli := t.cfg.Client
	opCtx, done := context.WithTimeout(ctx, opTimeout)
	defer done()

	lease, own := t.cfg.Lease, t.cfg.Lease == 0
	if own {
		grant, err := cli.Grant(opCtx, t.cfg.LeaseTTL)
		if err != nil {
			return classify(err)
		}
		lease = grant.ID
	}
	revoke := func() {
		if !own {
			return
		}
		rctx, rdone := context.WithTimeout(context.Background(), opTimeout)
		defer rdone()
		_, _ = cli.Revoke(rctx, lease)
	}

	snap, err := cli.Get(opCtx, t.keys.channel(channel)+"members/", clientv3.WithPrefix())
	if err != nil {
		revoke()
		return classify(err)
	}
	kvs := snap.Kvs
	sort.Slice(kvs, func(i, j int) bool { return kvs[i].CreateRevision < kvs[j].CreateRevision })
	view := make([]cpg.Address, 0, len(kvs))
	for _, kv := range kvs {
		addr, err := decodeMember(kv.Value)
		if err != nil {
			t.log.Warn("bad member record", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		view = append(view, addr)
	}

	_, err = cli.Txn(opCtx).Then(
		clientv3.OpPut(t.keys.member(channel, t.cfg.NodeID), encodeMember(t.cfg.NodeID, t.cfg.PID), clientv3.WithLease(lease)),
		clientv3.OpDelete(t.keys.leave(channel, t.cfg.NodeID)),
	).Commit()
	if err != nil {
		revoke()
		return classify(err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	if own {
		ka, err := cli.KeepAlive(wctx, lease)
		if err != nil {
			cancel()
			revoke()
			return classify(err)
		}
		go func() {
			for range ka {
			}
		}()
	}
	wch := cli.Watch(wctx, t.keys.channel(channel), clientv3.WithPrefix(), clientv3.WithRev(snap.Header.Revision+1))

	in.channel = channel
	in.lease = lease
	in.ownLease = own
	in.cancel = cancel
	in.joined = true
	go t.watch(wctx, in, channel, wch, view)
	return nil
}

func (t *Transport) Leave(ctx context.Context, h cpg.Handle, channel string) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	in.mu.Lock()
	joined, lease := in.joined && in.channel == channel, in.lease
	in.mu.Unlock()
	if !joined {
		return cpg.ErrNotJoined
	}

	opCtx, done := context.WithTimeout(ctx, opTimeout)
	defer done()
	_, err = t.cfg.Client.Txn(opCtx).Then(
		clientv3.OpDelete(t.keys.member(channel, t.cfg.NodeID)),
		clientv3.OpPut(t.keys.leave(channel, t.cfg.NodeID), "", clientv3.WithLease(lease)),
	).Commit()
	return classify(err)
}

func (t *Transport) Mcast(ctx context.Context, h cpg.Handle, bufs ...[]byte) error {
	in, err := t.instance(h)
	if err != nil {
		return err
	}
	in.mu.Lock()
	if !in.joined {
		in.mu.Unlock()
		return cpg.ErrNotJoined
	}
	if in.outstanding >= t.cfg.MaxOutstanding {
		in.mu.Unlock()
		return cpg.ErrTryAgain
	}
	in.outstanding++
	in.seq++
	key := t.keys.msg(in.channel, t.cfg.NodeID, t.cfg.PID, in.seq)
	lease := in.lease
	in.mu.Unlock()

	var sb strings.Builder
	for _, b := range bufs {
		sb.Write(b)
	}

	opCtx, done := context.WithTimeout(ctx, opTimeout)
	defer done()
	if _, err := t.cfg.Client.Put(opCtx, key, sb.String(), clientv3.WithLease(lease)); err != nil {
		in.mu.Lock()
		in.outstanding--
		in.mu.Unlock()
		return classify(err)
	}
	return nil
}

func (t *Transport) Dispatch(h cpg.Handle) (cpg.CallbackKind, error) {
	in, err := t.instance(h)
	if err != nil {
		return cpg.CallbackNone, err
	}
	in.mu.Lock()
	if len(in.queue) == 0 {
		in.mu.Unlock()
		return cpg.CallbackNone, nil
	}
	p := in.queue[0]
	in.queue = in.queue[1:]
	channel := in.channel
	in.mu.Unlock()

	switch p.kind {
	case cpg.CallbackConfchg:
		if in.cb.Confchg != nil {
			in.cb.Confchg(p.confchg)
		}
	case cpg.CallbackDeliver:
		if in.cb.Deliver != nil {
			in.cb.Deliver(h, channel, p.msg.nodeID, p.msg.pid, p.msg.data)
		}
	}
	return p.kind, nil
}

func (t *Transport) FlowControlState(h cpg.Handle) (cpg.FlowControl, error) {
	in, err := t.instance(h)
	if err != nil {
		return cpg.FlowControlDisabled, err
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.outstanding >= t.cfg.MaxOutstanding {
		return cpg.FlowControlEnabled, nil
	}
	return cpg.FlowControlDisabled, nil
}

func (t *Transport) Ready() <-chan cpg.Handle {
	return t.ready
}

func (t *Transport) watch(ctx context.Context, in *instance, channel string, wch clientv3.WatchChan, view []cpg.Address) {
	base := t.keys.channel(channel)
	for resp := range wch {
		if err := resp.Err(); err != nil {
			t.log.Error("channel watch", zap.String("channel", channel), zap.Error(err))
			if resp.Canceled {
				return
			}
			continue
		}
		for _, rev := range splitRevisions(resp.Events) {
			changes := make([]change, 0, len(rev))
			for _, ev := range rev {
				rel := strings.TrimPrefix(string(ev.Kv.Key), base)
				changes = append(changes, change{
					key:    string(ev.Kv.Key),
					parsed: parseKey(rel),
					put:    ev.Type == mvccpb.PUT,
					create: ev.IsCreate(),
					value:  ev.Kv.Value,
				})
			}
			modRev := rev[0].Kv.ModRevision
			b := applyBatch(view, changes, func(id uint32) cpg.Reason { return t.downReason(ctx, id, modRev) })
			view = b.members
			t.push(ctx, in, channel, modRev, b)
		}
	}
}

// splitRevisions groups watch events by the revision that produced them.
func splitRevisions(evs []*clientv3.Event) [][]*clientv3.Event {
	var out [][]*clientv3.Event
	for i := 0; i < len(evs); {
		j := i + 1
		for j < len(evs) && evs[j].Kv.ModRevision == evs[i].Kv.ModRevision {
			j++
		}
		out = append(out, evs[i:j])
		i = j
	}
	return out
}

func (t *Transport) push(ctx context.Context, in *instance, channel string, rev int64, b batch) {
	var queued []pending
	if b.membershipChanged() {
		queued = append(queued, pending{kind: cpg.CallbackConfchg, confchg: cpg.Confchg{
			Handle:  in.h,
			Channel: channel,
			Type:    cpg.ConfigurationRegular,
			Members: append([]cpg.Address(nil), b.members...),
			Left:    b.left,
			Joined:  b.joined,
			RingSeq: uint64(rev),
		}})
	}
	for _, m := range b.msgs {
		queued = append(queued, pending{kind: cpg.CallbackDeliver, msg: m})
		if m.nodeID == t.cfg.NodeID && m.pid == t.cfg.PID {
			in.mu.Lock()
			if in.outstanding > 0 {
				in.outstanding--
			}
			in.mu.Unlock()
			t.reap(ctx, m.key)
		}
	}
	if len(queued) == 0 {
		return
	}

	in.mu.Lock()
	in.queue = append(in.queue, queued...)
	in.mu.Unlock()
	for range queued {
		select {
		case t.ready <- in.h:
		case <-ctx.Done():
			return
		}
	}
}

// reap deletes an own message once the sender has seen it ordered.
func (t *Transport) reap(ctx context.Context, key string) {
	opCtx, done := context.WithTimeout(ctx, opTimeout)
	defer done()
	if _, err := t.cfg.Client.Delete(opCtx, key); err != nil && ctx.Err() == nil {
		t.log.Debug("reap message", zap.String("key", key), zap.Error(err))
	}
}

// downReason tells a process failure from a node failure by the node's
// registration key as of rev, the revision that removed the member key.
func (t *Transport) downReason(ctx context.Context, nodeID uint32, rev int64) cpg.Reason {
	opCtx, done := context.WithTimeout(ctx, opTimeout)
	defer done()
	alive, err := discovery.NodeAlive(opCtx, t.cfg.Client, t.cfg.Prefix, nodeID, rev)
	if err != nil {
		t.log.Warn("node liveness lookup failed, assuming node down", zap.Uint32("node", nodeID), zap.Error(err))
		return cpg.ReasonNodeDown
	}
	if alive {
		return cpg.ReasonProcDown
	}
	return cpg.ReasonNodeDown
}

// classify maps transient etcd conditions onto cpg.ErrTryAgain.
func classify(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, rpctypes.ErrTooManyRequests),
		errors.Is(err, rpctypes.ErrNoLeader),
		errors.Is(err, rpctypes.ErrLeaderChanged),
		errors.Is(err, rpctypes.ErrTimeout),
		errors.Is(err, rpctypes.ErrTimeoutDueToLeaderFail),
		errors.Is(err, rpctypes.ErrTimeoutDueToConnectionLost):
		return fmt.Errorf("%w: %v", cpg.ErrTryAgain, err)
	}
	return err
}
