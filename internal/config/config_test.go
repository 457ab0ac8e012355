package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := FromLookup(env(map[string]string{"GROUPD_NODE_ID": "3"}))
	require.NoError(t, err)

	assert.Equal(t, uint32(3), cfg.NodeID)
	assert.Equal(t, []string{"http://etcd:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.DataPath)
	assert.Equal(t, "/groupd", cfg.Prefix)
	assert.Equal(t, int64(10), cfg.LeaseTTL)
	assert.True(t, cfg.RegisterNode)
	assert.Equal(t, time.Second, cfg.JoinRetryDelay)
	assert.Equal(t, time.Millisecond, cfg.SendRetryDelay)
	assert.Equal(t, 64, cfg.MaxOutstanding)
	assert.Zero(t, cfg.DebugVerbose)
}

func TestOverrides(t *testing.T) {
	cfg, err := FromLookup(env(map[string]string{
		"GROUPD_NODE_ID":          "12",
		"GROUPD_ETCD_ENDPOINTS":   "http://a:2379, http://b:2379,",
		"GROUPD_LISTEN_ADDR":      ":9000",
		"GROUPD_ADVERTISE_ADDR":   "node12",
		"GROUPD_PREFIX":           "/test/",
		"GROUPD_LEASE_TTL":        "3",
		"GROUPD_REGISTER_NODE":    "false",
		"GROUPD_JOIN_RETRY_DELAY": "250ms",
		"GROUPD_SEND_RETRY_DELAY": "2ms",
		"GROUPD_MAX_OUTSTANDING":  "8",
		"GROUPD_DEBUG_VERBOSE":    "2",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"http://a:2379", "http://b:2379"}, cfg.EtcdEndpoints)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "node12", cfg.AdvertiseAddr)
	assert.Equal(t, "/test", cfg.Prefix)
	assert.Equal(t, int64(3), cfg.LeaseTTL)
	assert.False(t, cfg.RegisterNode)
	assert.Equal(t, 250*time.Millisecond, cfg.JoinRetryDelay)
	assert.Equal(t, 2*time.Millisecond, cfg.SendRetryDelay)
	assert.Equal(t, 8, cfg.MaxOutstanding)
	assert.Equal(t, 2, cfg.DebugVerbose)
}

func TestBadValuesFallBack(t *testing.T) {
	cfg, err := FromLookup(env(map[string]string{
		"GROUPD_NODE_ID":         "1",
		"GROUPD_LEASE_TTL":       "soon",
		"GROUPD_MAX_OUTSTANDING": "-4",
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(10), cfg.LeaseTTL)
	assert.Equal(t, 64, cfg.MaxOutstanding)
}

func TestNodeIDRequired(t *testing.T) {
	for _, v := range []string{"", "0", "x", "4294967296"} {
		_, err := FromLookup(env(map[string]string{"GROUPD_NODE_ID": v}))
		assert.ErrorIs(t, err, ErrNodeID, v)
	}
}
