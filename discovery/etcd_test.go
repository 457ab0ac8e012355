package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/groupd/internal/etcdtest"
)

func TestNodeKey(t *testing.T) {
	assert.Equal(t, "/groupd/nodes/7", NodeKey("/groupd", 7))
	assert.Equal(t, "/x/nodes/0", NodeKey("/x", 0))
}

func TestRegisterAndFence(t *testing.T) {
	cli := etcdtest.Start(t)
	ctx := context.Background()

	lease, stop, err := RegisterNode(cli, "/d", 3, "node3:8080", 5)
	require.NoError(t, err)
	defer stop()

	resp, err := cli.Get(ctx, NodeKey("/d", 3))
	require.NoError(t, err)
	require.Len(t, resp.Kvs, 1)
	assert.Equal(t, "node3:8080", string(resp.Kvs[0].Value))
	assert.Equal(t, int64(lease), resp.Kvs[0].Lease)
	registeredAt := resp.Header.Revision

	alive, err := NodeAlive(ctx, cli, "/d", 3, 0)
	require.NoError(t, err)
	assert.True(t, alive)

	f := &Fencer{Client: cli, Prefix: "/d"}
	require.NoError(t, f.Fence(ctx, 3))

	alive, err = NodeAlive(ctx, cli, "/d", 3, 0)
	require.NoError(t, err)
	assert.False(t, alive)

	alive, err = NodeAlive(ctx, cli, "/d", 3, registeredAt)
	require.NoError(t, err)
	assert.True(t, alive, "registration is visible at the earlier revision")

	assert.ErrorIs(t, f.Fence(ctx, 3), ErrUnknownNode)
}
