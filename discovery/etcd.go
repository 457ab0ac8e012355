// Package discovery registers cluster nodes in etcd. Each node key lives
// under a keepalive lease; a node whose lease lapses, or is revoked by a
// fence, is considered down.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/pkg/group"
)

// ErrUnknownNode is returned when fencing a node that is not registered.
var ErrUnknownNode = errors.New("discovery: node not registered")

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// NodeKey is the registration key of nodeID under prefix.
func NodeKey(prefix string, nodeID uint32) string {
	return fmt.Sprintf("%s/nodes/%d", prefix, nodeID)
}

// RegisterNode writes the node key with a lease of ttl seconds and keeps the
// lease alive until cancel is called.
func RegisterNode(cli *clientv3.Client, prefix string, nodeID uint32, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(context.TODO(), ttl)
	if err != nil {
		return 0, nil, err
	}
	if _, err = cli.Put(context.TODO(), NodeKey(prefix, nodeID), addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	ka, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ka {
		}
	}()

	return lease.ID, cancel, nil
}

// NodeAlive reports whether nodeID was registered at revision rev, or at
// the latest revision when rev is 0. A compacted rev falls back to the
// latest revision.
func NodeAlive(ctx context.Context, cli *clientv3.Client, prefix string, nodeID uint32, rev int64) (bool, error) {
	opts := []clientv3.OpOption{clientv3.WithCountOnly()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev))
	}
	resp, err := cli.Get(ctx, NodeKey(prefix, nodeID), opts...)
	if errors.Is(err, rpctypes.ErrCompacted) {
		resp, err = cli.Get(ctx, NodeKey(prefix, nodeID), clientv3.WithCountOnly())
	}
	if err != nil {
		return false, err
	}
	return resp.Count > 0, nil
}

// Fencer forces a node down by revoking its registration lease. Channel
// keys bound to that lease go in the same revision, so peers see the
// removal as a node failure.
type Fencer struct {
	Client *clientv3.Client
	Prefix string
	Log    *zap.Logger
}

func (f *Fencer) Fence(ctx context.Context, nodeID group.NodeID) error {
	resp, err := f.Client.Get(ctx, NodeKey(f.Prefix, uint32(nodeID)))
	if err != nil {
		return err
	}
	if len(resp.Kvs) == 0 || resp.Kvs[0].Lease == 0 {
		return fmt.Errorf("%w: %d", ErrUnknownNode, nodeID)
	}
	lease := clientv3.LeaseID(resp.Kvs[0].Lease)
	if _, err := f.Client.Revoke(ctx, lease); err != nil {
		return err
	}
	if f.Log != nil {
		f.Log.Warn("fenced node", zap.Uint32("node", uint32(nodeID)), zap.Int64("lease", int64(lease)))
	}
	return nil
}
