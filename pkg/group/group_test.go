package group

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChannelName(t *testing.T) {
	k := Key{Name: "lockspace", Level: 1}
	assert.Equal(t, "1_lockspace", k.ChannelName())
	assert.Equal(t, "1:lockspace", k.String())
	assert.NotEqual(t, ControlChannel, k.ChannelName())
}

func TestClampName(t *testing.T) {
	name, clamped := ClampName("short")
	assert.Equal(t, "short", name)
	assert.False(t, clamped)

	long := strings.Repeat("x", MaxNameLen+5)
	name, clamped = ClampName(long)
	assert.True(t, clamped)
	assert.Len(t, name, MaxNameLen)
}

func TestMembershipKeepsJoinOrderWithoutDuplicates(t *testing.T) {
	g := New("fs", 2)
	for _, id := range []NodeID{30, 10, 20} {
		require.True(t, g.AddMember(id))
	}
	assert.False(t, g.AddMember(10), "duplicate add must be refused")
	assert.Equal(t, []NodeID{30, 10, 20}, g.Members())

	assert.True(t, g.RemoveMember(10))
	assert.False(t, g.RemoveMember(10))
	assert.Equal(t, []NodeID{30, 20}, g.Members())
	assert.Equal(t, 2, g.MemberCount())
}

func TestMembershipBounded(t *testing.T) {
	g := New("big", 0)
	for i := 0; i < MaxGroupMembers+10; i++ {
		g.AddMember(NodeID(i + 1))
	}
	assert.Equal(t, MaxGroupMembers, g.MemberCount())
}

func TestPurgeBeginKeepsLaterPhases(t *testing.T) {
	g := New("fs", 2)
	g.QueueEvent(&Event{State: JoinBegin, NodeID: 5})
	g.QueueEvent(&Event{State: LeaveBegin, NodeID: 6})
	g.QueueEvent(&Event{State: JoinStopWait, NodeID: 5})
	g.QueueEvent(&Event{State: LeaveBegin, NodeID: 5})

	purged := g.PurgeBegin(5)
	require.Len(t, purged, 2)
	assert.Equal(t, JoinBegin, purged[0].State)
	assert.Equal(t, LeaveBegin, purged[1].State)

	rest := g.Events()
	require.Len(t, rest, 2)
	assert.Equal(t, NodeID(6), rest[0].NodeID)
	assert.Equal(t, JoinStopWait, rest[1].State)
}

func TestQueuedRecoverIgnoresCurrent(t *testing.T) {
	g := New("fs", 2)
	g.QueueEvent(&Event{State: RecoverBegin, NodeID: 3, Nodes: []NodeID{3}})

	ev, ok := g.QueuedRecover()
	require.True(t, ok)
	ev.Extend(4)
	ev.Extend(4)
	assert.Equal(t, []NodeID{3, 4}, ev.Nodes)

	cur, started := g.BeginNext()
	require.True(t, started)
	assert.Same(t, ev, cur)
	_, ok = g.QueuedRecover()
	assert.False(t, ok)

	_, started = g.BeginNext()
	assert.False(t, started)
	assert.Same(t, ev, g.FinishCurrent())
	assert.Nil(t, g.Current)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	a := New("a", 1)
	a.Handle = 7
	a.AddMember(1)
	a.AddMember(2)
	b := New("b", 0)
	b.Handle = 8
	b.AddMember(2)

	require.NoError(t, r.Add(a))
	require.NoError(t, r.Add(b))
	assert.ErrorIs(t, r.Add(New("a", 1)), ErrExists)

	g, ok := r.FindByHandle(7)
	require.True(t, ok)
	assert.Same(t, a, g)
	_, ok = r.FindByHandle(99)
	assert.False(t, ok)

	assert.Equal(t, []Key{{"b", 0}, {"a", 1}}, r.NodeGroups(2))
	assert.Equal(t, []Key{{"a", 1}}, r.NodeGroups(1))
	assert.Empty(t, r.NodeGroups(3))

	_, ok = r.Remove(Key{"a", 1})
	assert.True(t, ok)
	_, ok = r.Find("a", 1)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}
