package daemon

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/cpg"
	"github.com/ryandielhenn/groupd/pkg/group"
)

func hex32(v uint32) string { return fmt.Sprintf("%x", v) }

// JoinGroup creates the group and joins its transport channel. The group is
// registered before the join so the resulting confchg finds it. Busy
// transport conditions are retried without limit.
func (c *Coordinator) JoinGroup(ctx context.Context, name string, level int) (*group.Group, error) {
	name, clamped := group.ClampName(name)
	if clamped {
		c.log.Warn("group name truncated", zap.String("name", name), zap.Int("max", group.MaxNameLen))
		telemetry.ListsClamped.WithLabelValues("name").Inc()
	}
	if _, ok := c.registry.Find(name, level); ok {
		return nil, fmt.Errorf("%w: %d:%s", group.ErrExists, level, name)
	}

	g := group.New(name, level)
	log := c.glog(g)

	h, err := c.tr.Initialize(c.callbacks())
	if err != nil {
		log.Error("cpg initialize", zap.Error(err))
		return nil, err
	}
	g.Handle = h
	if err := c.registry.Add(g); err != nil {
		_ = c.tr.Finalize(h)
		return nil, err
	}

	channel := g.Key().ChannelName()
	log.Debug("cpg join", zap.String("channel", channel), zap.Uint64("handle", uint64(h)))

	_, err = c.cfg.JoinRetry.Do(ctx, "join", func() error {
		return c.tr.Join(ctx, h, channel)
	})
	if err != nil {
		log.Error("cpg join", zap.Error(err))
		c.registry.Remove(g.Key())
		_ = c.tr.Finalize(h)
		return nil, err
	}
	telemetry.Groups.Set(float64(c.registry.Len()))
	log.Info("cpg join ok")
	return g, nil
}

// LeaveGroup leaves the group's channel. The group is torn down when the
// confchg reporting our own departure is processed.
func (c *Coordinator) LeaveGroup(ctx context.Context, name string, level int) error {
	name, _ = group.ClampName(name)
	g, ok := c.registry.Find(name, level)
	if !ok {
		return fmt.Errorf("%w: %d:%s", group.ErrUnknownGroup, level, name)
	}
	log := c.glog(g)
	g.Leaving = true

	_, err := c.cfg.JoinRetry.Do(ctx, "leave", func() error {
		return c.tr.Leave(ctx, g.Handle, g.Key().ChannelName())
	})
	if err != nil {
		log.Error("cpg leave", zap.Error(err))
		g.Leaving = false
		return err
	}
	log.Info("cpg leave ok")
	return nil
}

// Send multicasts payload on the group's own channel. It blocks, retrying,
// while the transport is congested.
func (c *Coordinator) Send(ctx context.Context, g *group.Group, payload []byte) error {
	return c.send(ctx, g.Handle, g, payload)
}

// SendControl multicasts payload on the control channel on behalf of g.
func (c *Coordinator) SendControl(ctx context.Context, g *group.Group, payload []byte) error {
	if c.cfg.DebugVerbose > 1 {
		typ := "unknown"
		if hdr, err := group.ParseHeader(payload); err == nil {
			typ = hdr.Type.String()
		}
		c.glog(g).Info("SEND", zap.Int("len", len(payload)), zap.String("type", typ))
	}
	return c.send(ctx, c.control.handle, g, payload)
}

func (c *Coordinator) send(ctx context.Context, h cpg.Handle, g *group.Group, payload []byte) error {
	log := c.glog(g)
	retries, err := c.cfg.SendRetry.Do(ctx, "mcast", func() error {
		return c.tr.Mcast(ctx, h, payload)
	})
	if err != nil {
		log.Error("cpg mcast", zap.Uint64("handle", uint64(h)), zap.Error(err))
		return err
	}
	if retries > 0 {
		log.Info("cpg mcast retried", zap.Int("retries", retries))
	}
	return nil
}

// GroupInfo is a point-in-time view of one group.
type GroupInfo struct {
	Name     string   `json:"name"`
	Level    int      `json:"level"`
	GlobalID string   `json:"global_id"`
	Members  []uint32 `json:"members"`
	Current  string   `json:"current,omitempty"`
	Events   []string `json:"events,omitempty"`
	Messages int      `json:"messages"`
	Joined   bool     `json:"joined"`
	Leaving  bool     `json:"leaving"`
}

// Dump describes every group. The control channel is reported at level -1.
// Loop goroutine only.
func (c *Coordinator) Dump() []GroupInfo {
	out := []GroupInfo{{
		Name:    group.ControlChannel,
		Level:   -1,
		Members: c.ControlMembers(),
		Joined:  c.control.joined,
	}}
	for _, g := range c.registry.All() {
		info := GroupInfo{
			Name:     g.Name,
			Level:    g.Level,
			GlobalID: hex32(g.GlobalID),
			Messages: g.MessageCount(),
			Joined:   g.Joined,
			Leaving:  g.Leaving,
		}
		for _, m := range g.Members() {
			info.Members = append(info.Members, uint32(m))
		}
		if g.Current != nil {
			info.Current = g.Current.String()
		}
		for _, ev := range g.Events() {
			info.Events = append(info.Events, ev.String())
		}
		out = append(out, info)
	}
	return out
}
