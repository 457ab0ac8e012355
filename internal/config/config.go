// Package config reads daemon settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

var ErrNodeID = errors.New("config: GROUPD_NODE_ID must be a non-zero uint32")

type Config struct {
	NodeID         uint32
	EtcdEndpoints  []string
	ListenAddr     string
	AdvertiseAddr  string
	LogLevel       string
	DataPath       string
	Prefix         string
	LeaseTTL       int64
	RegisterNode   bool
	JoinRetryDelay time.Duration
	SendRetryDelay time.Duration
	MaxOutstanding int
	DebugVerbose   int
}

// Load builds a Config from the process environment.
func Load() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from lookup. Unparsable optional values fall
// back to their defaults.
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && v != "" {
			return v
		}
		return def
	}

	host, _ := os.Hostname()
	cfg := Config{
		EtcdEndpoints:  splitList(get("GROUPD_ETCD_ENDPOINTS", "http://etcd:2379")),
		ListenAddr:     get("GROUPD_LISTEN_ADDR", ":8080"),
		AdvertiseAddr:  get("GROUPD_ADVERTISE_ADDR", host),
		LogLevel:       get("LOG_LEVEL", "info"),
		DataPath:       get("GROUPD_DATA_PATH", "./data"),
		Prefix:         strings.TrimSuffix(get("GROUPD_PREFIX", "/groupd"), "/"),
		LeaseTTL:       10,
		RegisterNode:   true,
		JoinRetryDelay: time.Second,
		SendRetryDelay: time.Millisecond,
		MaxOutstanding: 64,
	}

	id, err := strconv.ParseUint(get("GROUPD_NODE_ID", ""), 10, 32)
	if err != nil || id == 0 {
		return Config{}, ErrNodeID
	}
	cfg.NodeID = uint32(id)

	if v, err := strconv.ParseInt(get("GROUPD_LEASE_TTL", ""), 10, 64); err == nil && v > 0 {
		cfg.LeaseTTL = v
	}
	if v, err := strconv.ParseBool(get("GROUPD_REGISTER_NODE", "")); err == nil {
		cfg.RegisterNode = v
	}
	if v, err := time.ParseDuration(get("GROUPD_JOIN_RETRY_DELAY", "")); err == nil && v > 0 {
		cfg.JoinRetryDelay = v
	}
	if v, err := time.ParseDuration(get("GROUPD_SEND_RETRY_DELAY", "")); err == nil && v > 0 {
		cfg.SendRetryDelay = v
	}
	if v, err := strconv.Atoi(get("GROUPD_MAX_OUTSTANDING", "")); err == nil && v > 0 {
		cfg.MaxOutstanding = v
	}
	if v, err := strconv.Atoi(get("GROUPD_DEBUG_VERBOSE", "")); err == nil {
		cfg.DebugVerbose = v
	}
	if len(cfg.EtcdEndpoints) == 0 {
		return Config{}, fmt.Errorf("config: no etcd endpoints")
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
