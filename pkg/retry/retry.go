// Package retry repeats transport operations that fail with a transient
// "try again" condition. There is no attempt limit: an operation is retried
// until it succeeds, fails with a non-transient error, or its context ends.
// Stalls stay observable through a periodic log line.
package retry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/pkg/cpg"
)

// Clock sleeps between attempts.
type Clock interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Policy is a fixed-delay retry configuration.
type Policy struct {
	Delay    time.Duration // sleep between attempts
	LogEvery int           // log at error level every LogEvery-th retry; 0 disables
	Clock    Clock         // nil means wall clock
	Log      *zap.Logger
	OnRetry  func(op string) // optional hook, e.g. a metrics counter
}

// JoinPolicy is used for join and leave: one second between attempts,
// logged every 10th retry.
func JoinPolicy(log *zap.Logger) Policy {
	return Policy{Delay: time.Second, LogEvery: 10, Log: log}
}

// SendPolicy is used for multicast: one millisecond between attempts,
// logged every 100th retry.
func SendPolicy(log *zap.Logger) Policy {
	return Policy{Delay: time.Millisecond, LogEvery: 100, Log: log}
}

// Do calls try until it returns nil or an error other than cpg.ErrTryAgain.
// It returns the number of retries performed.
func (p Policy) Do(ctx context.Context, op string, try func() error) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	clock := p.Clock
	if clock == nil {
		clock = realClock{}
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	retries := 0
	for {
		err := try()
		if err == nil || !cpg.IsTryAgain(err) {
			return retries, err
		}
		retries++
		if p.OnRetry != nil {
			p.OnRetry(op)
		}
		log.Debug("retry", zap.String("op", op), zap.Int("attempt", retries))
		if p.LogEvery > 0 && retries%p.LogEvery == 0 {
			log.Error("still retrying", zap.String("op", op), zap.Int("retries", retries))
		}
		if err := clock.Sleep(ctx, p.Delay); err != nil {
			return retries, err
		}
	}
}

// FakeClock records requested sleeps and returns immediately.
type FakeClock struct {
	mu     sync.Mutex
	sleeps []time.Duration
}

func (c *FakeClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.mu.Unlock()
	return ctx.Err()
}

// Sleeps returns a copy of the recorded sleep durations.
func (c *FakeClock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}
