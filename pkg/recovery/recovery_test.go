package recovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/groupd/pkg/group"
)

var (
	lockspace = group.Key{Name: "lockspace", Level: 1}
	fs        = group.Key{Name: "fs", Level: 2}
)

func TestProcDownWithoutMembershipOpensNothing(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s, fence := tr.NodeDown(7, true, nil)
	assert.Nil(t, s)
	assert.False(t, fence)
	assert.Zero(t, tr.Len())
}

func TestProcDownWithMembershipFences(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s, fence := tr.NodeDown(7, true, []group.Key{lockspace})
	require.NotNil(t, s)
	assert.True(t, fence)
	assert.True(t, s.ProcessOnly)
	assert.Equal(t, []group.Key{lockspace}, s.Pending())
}

func TestNodeDownDoesNotFence(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s, fence := tr.NodeDown(7, false, []group.Key{lockspace})
	require.NotNil(t, s)
	assert.False(t, fence)
}

func TestSetLifecycleControlFirst(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s, _ := tr.NodeDown(10, false, []group.Key{lockspace, fs})
	assert.Equal(t, StateExtending, s.State)
	assert.ErrorIs(t, tr.Consume(10), ErrNotReady)

	got := tr.Report(10, lockspace)
	assert.Same(t, s, got)
	assert.Equal(t, StateExtending, s.State)

	tr.Report(10, fs)
	assert.Equal(t, StateReady, s.State)
	assert.Empty(t, s.Pending())

	require.NoError(t, tr.Consume(10))
	assert.Equal(t, StateConsumed, s.State)
	assert.ErrorIs(t, tr.Consume(10), ErrNoSet)
}

func TestSetLifecycleGroupsFirst(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s := tr.Report(10, lockspace)
	assert.Equal(t, StateOpen, s.State)
	assert.False(t, s.ControlDown)

	_, ok := tr.Extend(10, fs)
	require.True(t, ok)
	assert.Equal(t, StateExtending, s.State)

	// Both groups already removed the node, so memberOf is empty.
	got, fence := tr.NodeDown(10, true, nil)
	assert.Same(t, s, got)
	assert.True(t, fence)
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, []group.Key{lockspace, fs}, s.Groups())
}

func TestExtendNeverDuplicates(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	_, ok := tr.Extend(3, lockspace)
	assert.False(t, ok, "extend without an open set")

	tr.Open(3, false)
	tr.Open(3, false)
	tr.Extend(3, lockspace)
	tr.Extend(3, lockspace)
	s, _ := tr.Get(3)
	assert.Len(t, s.Entries(), 1)
	assert.Equal(t, 1, tr.Len())
}

func TestForgetCompletesSet(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	s, _ := tr.NodeDown(10, false, []group.Key{lockspace, fs})
	tr.Report(10, fs)
	assert.Equal(t, []group.Key{lockspace}, s.Pending())

	tr.Forget(10, lockspace)
	assert.Equal(t, StateReady, s.State)
	assert.Equal(t, []group.Key{fs}, s.Groups())
	require.NoError(t, tr.Consume(10))
}

func TestForgetLastGroupFreesSet(t *testing.T) {
	tr := NewTracker(zaptest.NewLogger(t))

	tr.NodeDown(10, false, []group.Key{lockspace})
	tr.Forget(10, lockspace)
	_, ok := tr.Get(10)
	assert.False(t, ok)
	assert.Zero(t, tr.Len())

	tr.Forget(11, lockspace)
	assert.Zero(t, tr.Len())
}
