package daemon

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/cpg"
	"github.com/ryandielhenn/groupd/pkg/group"
	"github.com/ryandielhenn/groupd/pkg/recovery"
	"github.com/ryandielhenn/groupd/pkg/retry"
)

const (
	unknownChannelCache = 128
	fenceTimeout        = 5 * time.Second
)

// App is the recovery consumer that drains group event queues.
type App interface {
	Process(g *group.Group, tracker *recovery.Tracker)
}

// Fencer forces a node out of the cluster.
type Fencer interface {
	Fence(ctx context.Context, nodeID group.NodeID) error
}

// IDAllocator hands out the per-node counter used to build group ids.
type IDAllocator interface {
	Next(ctx context.Context) (uint32, error)
}

// CounterAllocator is an in-memory IDAllocator.
type CounterAllocator struct{ n uint32 }

func (a *CounterAllocator) Next(context.Context) (uint32, error) {
	a.n++
	return a.n, nil
}

// Config is the static configuration of a Coordinator.
type Config struct {
	NodeID uint32
	PID    uint32

	JoinRetry retry.Policy
	SendRetry retry.Policy

	// DebugVerbose > 1 traces every message sent and received.
	DebugVerbose int
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option       { return func(c *Coordinator) { c.log = l } }
func WithApp(a App) Option                  { return func(c *Coordinator) { c.app = a } }
func WithFencer(f Fencer) Option            { return func(c *Coordinator) { c.fencer = f } }
func WithIDAllocator(a IDAllocator) Option  { return func(c *Coordinator) { c.ids = a } }
func WithRegistry(r *group.Registry) Option { return func(c *Coordinator) { c.registry = r } }

type controlGroup struct {
	handle  cpg.Handle
	members []cpg.Address
	joined  bool
}

// Coordinator is the process-wide membership state machine.
type Coordinator struct {
	cfg      Config
	log      *zap.Logger
	tr       cpg.Transport
	registry *group.Registry
	tracker  *recovery.Tracker
	app      App
	fencer   Fencer
	ids      IDAllocator
	unknown  *lru.Cache[string, struct{}]
	cmds     chan func()

	control       controlGroup
	eventSeq      uint32
	flowControlOn bool

	// saved holds the confchg captured by the callback during Dispatch.
	saved *cpg.Confchg
}

func New(cfg Config, tr cpg.Transport, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:  cfg,
		tr:   tr,
		cmds: make(chan func()),
	}
	for _, o := range opts {
		o(c)
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.registry == nil {
		c.registry = group.NewRegistry()
	}
	if c.app == nil {
		c.app = nopApp{}
	}
	if c.ids == nil {
		c.ids = &CounterAllocator{}
	}
	c.tracker = recovery.NewTracker(c.log.Named("recovery"))
	c.unknown, _ = lru.New[string, struct{}](unknownChannelCache)

	c.cfg.JoinRetry = c.withRetryDefaults(c.cfg.JoinRetry, retry.JoinPolicy(c.log))
	c.cfg.SendRetry = c.withRetryDefaults(c.cfg.SendRetry, retry.SendPolicy(c.log))
	return c
}

func (c *Coordinator) withRetryDefaults(p, def retry.Policy) retry.Policy {
	if p.Delay == 0 {
		p.Delay = def.Delay
	}
	if p.LogEvery == 0 {
		p.LogEvery = def.LogEvery
	}
	if p.Log == nil {
		p.Log = c.log
	}
	if p.OnRetry == nil {
		p.OnRetry = func(op string) { telemetry.TransportRetries.WithLabelValues(op).Inc() }
	}
	return p
}

type nopApp struct{}

func (nopApp) Process(*group.Group, *recovery.Tracker) {}

// Registry returns the group registry. Loop goroutine only.
func (c *Coordinator) Registry() *group.Registry { return c.registry }

// Tracker returns the recovery set tracker. Loop goroutine only.
func (c *Coordinator) Tracker() *recovery.Tracker { return c.tracker }

func (c *Coordinator) self() group.NodeID { return group.NodeID(c.cfg.NodeID) }

func (c *Coordinator) glog(g *group.Group) *zap.Logger {
	return c.log.With(zap.Stringer("group", g.Key()))
}

func (c *Coordinator) callbacks() cpg.Callbacks {
	return cpg.Callbacks{
		Deliver: c.HandleDeliver,
		Confchg: c.saveConfchg,
	}
}

func (c *Coordinator) nextEventID() uint64 {
	c.eventSeq++
	return uint64(c.cfg.NodeID)<<32 | uint64(c.eventSeq)
}

// Setup initializes the control channel and joins it, retrying while the
// transport is busy.
func (c *Coordinator) Setup(ctx context.Context) error {
	h, err := c.tr.Initialize(c.callbacks())
	if err != nil {
		c.log.Error("cpg initialize", zap.Error(err))
		return err
	}
	c.control.handle = h

	_, err = c.cfg.JoinRetry.Do(ctx, "join", func() error {
		return c.tr.Join(ctx, h, group.ControlChannel)
	})
	if err != nil {
		c.log.Error("control channel join", zap.Error(err))
		_ = c.tr.Finalize(h)
		c.control.handle = 0
		return err
	}
	c.log.Debug("setup control channel", zap.Uint64("handle", uint64(h)))
	return nil
}

// Close finalizes every transport handle without leaving gracefully.
func (c *Coordinator) Close() {
	for _, g := range c.registry.All() {
		_ = c.tr.Finalize(g.Handle)
		c.registry.Remove(g.Key())
	}
	if c.control.handle != 0 {
		_ = c.tr.Finalize(c.control.handle)
		c.control.handle = 0
	}
	telemetry.Groups.Set(0)
}

// Run is the dispatch loop. It returns when ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case h := <-c.tr.Ready():
			c.ProcessChannel(h)
		case fn := <-c.cmds:
			fn()
		}
		c.processApps()
	}
}

// Do runs fn on the loop goroutine and waits for it to finish.
func (c *Coordinator) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) processApps() {
	for _, g := range c.registry.All() {
		if g.EventCount() > 0 || g.Current != nil || g.MessageCount() > 0 {
			c.app.Process(g, c.tracker)
		}
	}
	telemetry.RecoverySets.Set(float64(c.tracker.Len()))
}

// ProcessChannel dispatches one pending transport event for h and applies
// a configuration change if the dispatch produced one.
func (c *Coordinator) ProcessChannel(h cpg.Handle) {
	var g *group.Group
	if h != c.control.handle {
		var ok bool
		if g, ok = c.registry.FindByHandle(h); !ok {
			c.log.Info("process channel: no group for handle", zap.Uint64("handle", uint64(h)))
			return
		}
	}

	c.saved = nil
	if _, err := c.tr.Dispatch(h); err != nil {
		c.log.Warn("cpg dispatch", zap.Uint64("handle", uint64(h)), zap.Error(err))
		return
	}
	c.checkFlowControl(h, g)

	if rec := c.saved; rec != nil {
		c.saved = nil
		c.processConfchg(*rec)
	}
}

func (c *Coordinator) checkFlowControl(h cpg.Handle, g *group.Group) {
	state, err := c.tr.FlowControlState(h)
	if err != nil {
		log := c.log
		if g != nil {
			log = c.glog(g)
		}
		log.Error("flow control state", zap.Error(err))
		return
	}
	if state == cpg.FlowControlEnabled {
		if !c.flowControlOn {
			c.log.Info("flow control on")
		} else {
			c.log.Debug("flow control still on", zap.Uint64("handle", uint64(h)))
		}
		c.flowControlOn = true
		telemetry.FlowControl.Set(1)
		return
	}
	if c.flowControlOn {
		c.log.Info("flow control off")
	}
	c.flowControlOn = false
	telemetry.FlowControl.Set(0)
}

// FlowControlOn reports the last observed flow control state.
func (c *Coordinator) FlowControlOn() bool { return c.flowControlOn }
