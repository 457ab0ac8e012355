package idstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s, err := Open(t.TempDir(), 4)
	require.NoError(t, err)
	defer s.Close()

	cur, err := s.Current(ctx)
	require.NoError(t, err)
	assert.Zero(t, cur)

	for want := uint32(1); want <= 3; want++ {
		got, err := s.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCounterSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, 4)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.NoError(t, err)
	_, err = s.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, 4)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), got)
}

func TestCountersArePerNode(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := Open(dir, 1)
	require.NoError(t, err)
	_, err = a.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	b, err := Open(dir, 2)
	require.NoError(t, err)
	defer b.Close()
	got, err := b.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), got)
}
