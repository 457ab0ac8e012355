package etcdcpg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/groupd/discovery"
	"github.com/ryandielhenn/groupd/internal/etcdtest"
	"github.com/ryandielhenn/groupd/pkg/cpg"
)

const waitTimeout = 5 * time.Second

type delivered struct {
	nodeID uint32
	pid    uint32
	data   string
}

type member struct {
	tr       *Transport
	h        cpg.Handle
	confchgs chan cpg.Confchg
	msgs     chan delivered
}

func startMember(t *testing.T, cli *clientv3.Client, prefix string, nodeID uint32, lease clientv3.LeaseID) *member {
	t.Helper()
	m := &member{confchgs: make(chan cpg.Confchg, 64), msgs: make(chan delivered, 64)}
	m.tr = New(Config{Client: cli, NodeID: nodeID, PID: 100 + nodeID, Prefix: prefix, Lease: lease, LeaseTTL: 5})
	h, err := m.tr.Initialize(cpg.Callbacks{
		Deliver: func(_ cpg.Handle, _ string, id, pid uint32, data []byte) {
			m.msgs <- delivered{nodeID: id, pid: pid, data: string(data)}
		},
		Confchg: func(c cpg.Confchg) { m.confchgs <- c },
	})
	require.NoError(t, err)
	m.h = h

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case h := <-m.tr.Ready():
				_, _ = m.tr.Dispatch(h)
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = m.tr.Finalize(m.h)
		cancel()
		<-done
	})
	return m
}

func (m *member) join(t *testing.T, channel string) {
	t.Helper()
	require.NoError(t, m.tr.Join(context.Background(), m.h, channel))
}

func (m *member) nextConfchg(t *testing.T) cpg.Confchg {
	t.Helper()
	select {
	case c := <-m.confchgs:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no confchg")
		return cpg.Confchg{}
	}
}

func (m *member) nextMsg(t *testing.T) delivered {
	t.Helper()
	select {
	case d := <-m.msgs:
		return d
	case <-time.After(waitTimeout):
		t.Fatal("no message")
		return delivered{}
	}
}

func TestJoinMcastLeave(t *testing.T) {
	cli := etcdtest.Start(t)
	const prefix, channel = "/join", "1_lockspace"
	a := startMember(t, cli, prefix, 1, 0)
	b := startMember(t, cli, prefix, 2, 0)

	a.join(t, channel)
	c := a.nextConfchg(t)
	assert.Equal(t, []cpg.Address{{NodeID: 1, PID: 101}}, c.Members)
	assert.Equal(t, []cpg.Address{{NodeID: 1, PID: 101, Reason: cpg.ReasonJoin}}, c.Joined)
	assert.Equal(t, channel, c.Channel)

	b.join(t, channel)
	both := []cpg.Address{{NodeID: 1, PID: 101}, {NodeID: 2, PID: 102}}
	joinedB := []cpg.Address{{NodeID: 2, PID: 102, Reason: cpg.ReasonJoin}}
	for _, m := range []*member{a, b} {
		c := m.nextConfchg(t)
		assert.Equal(t, both, c.Members)
		assert.Equal(t, joinedB, c.Joined)
	}

	ctx := context.Background()
	require.NoError(t, a.tr.Mcast(ctx, a.h, []byte("one")))
	require.NoError(t, b.tr.Mcast(ctx, b.h, []byte("two")))
	require.NoError(t, a.tr.Mcast(ctx, a.h, []byte("thr"), []byte("ee")))

	var seenA, seenB []delivered
	for i := 0; i < 3; i++ {
		seenA = append(seenA, a.nextMsg(t))
		seenB = append(seenB, b.nextMsg(t))
	}
	assert.Equal(t, seenA, seenB, "agreed order")
	assert.Contains(t, seenA, delivered{nodeID: 1, pid: 101, data: "three"})

	require.Eventually(t, func() bool {
		resp, err := cli.Get(ctx, prefix+"/channels/"+channel+"/msgs/", clientv3.WithPrefix(), clientv3.WithCountOnly())
		return err == nil && resp.Count == 0
	}, waitTimeout, 20*time.Millisecond, "senders reap delivered messages")
	fc, err := a.tr.FlowControlState(a.h)
	require.NoError(t, err)
	assert.Equal(t, cpg.FlowControlDisabled, fc)

	require.NoError(t, b.tr.Leave(ctx, b.h, channel))
	left := []cpg.Address{{NodeID: 2, PID: 102, Reason: cpg.ReasonLeave}}
	for _, m := range []*member{a, b} {
		c := m.nextConfchg(t)
		assert.Equal(t, []cpg.Address{{NodeID: 1, PID: 101}}, c.Members)
		assert.Equal(t, left, c.Left)
	}
}

func TestFinalizeOnLiveNodeIsProcDown(t *testing.T) {
	cli := etcdtest.Start(t)
	const prefix, channel = "/procdown", "1_lockspace"
	_, stop, err := discovery.RegisterNode(cli, prefix, 2, "node2:8080", 5)
	require.NoError(t, err)
	defer stop()

	a := startMember(t, cli, prefix, 1, 0)
	b := startMember(t, cli, prefix, 2, 0)
	a.join(t, channel)
	a.nextConfchg(t)
	b.join(t, channel)
	a.nextConfchg(t)

	require.NoError(t, b.tr.Finalize(b.h))

	c := a.nextConfchg(t)
	assert.Equal(t, []cpg.Address{{NodeID: 2, PID: 102, Reason: cpg.ReasonProcDown}}, c.Left)
	assert.Equal(t, []cpg.Address{{NodeID: 1, PID: 101}}, c.Members)
}

func TestFenceOnSharedLeaseIsNodeDown(t *testing.T) {
	cli := etcdtest.Start(t)
	const prefix, channel = "/fence", "1_lockspace"
	lease, stop, err := discovery.RegisterNode(cli, prefix, 2, "node2:8080", 5)
	require.NoError(t, err)
	defer stop()

	a := startMember(t, cli, prefix, 1, 0)
	b := startMember(t, cli, prefix, 2, lease)
	a.join(t, channel)
	a.nextConfchg(t)
	b.join(t, channel)
	a.nextConfchg(t)

	f := &discovery.Fencer{Client: cli, Prefix: prefix}
	require.NoError(t, f.Fence(context.Background(), 2))

	c := a.nextConfchg(t)
	assert.Equal(t, []cpg.Address{{NodeID: 2, PID: 102, Reason: cpg.ReasonNodeDown}}, c.Left)

	alive, err := discovery.NodeAlive(context.Background(), cli, prefix, 2, 0)
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestFinalizeOnSharedLeaseKeepsNode(t *testing.T) {
	cli := etcdtest.Start(t)
	const prefix, channel = "/shared", "1_lockspace"
	lease, stop, err := discovery.RegisterNode(cli, prefix, 2, "node2:8080", 5)
	require.NoError(t, err)
	defer stop()

	a := startMember(t, cli, prefix, 1, 0)
	b := startMember(t, cli, prefix, 2, lease)
	a.join(t, channel)
	a.nextConfchg(t)
	b.join(t, channel)
	a.nextConfchg(t)

	require.NoError(t, b.tr.Finalize(b.h))

	c := a.nextConfchg(t)
	assert.Equal(t, []cpg.Address{{NodeID: 2, PID: 102, Reason: cpg.ReasonProcDown}}, c.Left)
	alive, err := discovery.NodeAlive(context.Background(), cli, prefix, 2, 0)
	require.NoError(t, err)
	assert.True(t, alive, "finalize must not revoke the node lease")
}
