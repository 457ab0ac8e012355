package daemon

import (
	"context"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/cpg"
	"github.com/ryandielhenn/groupd/pkg/group"
)

// HandleConfchg clamps and applies a configuration change immediately. The
// dispatch loop uses the same path through the transport callback.
func (c *Coordinator) HandleConfchg(rec cpg.Confchg) {
	c.saveConfchg(rec)
	if saved := c.saved; saved != nil {
		c.saved = nil
		c.processConfchg(*saved)
	}
}

// saveConfchg is the confchg callback. Lists longer than MaxGroupMembers are
// truncated; the rest of the change is still applied.
func (c *Coordinator) saveConfchg(rec cpg.Confchg) {
	rec.Left = c.clamp("left", rec.Left)
	rec.Joined = c.clamp("joined", rec.Joined)
	rec.Members = c.clamp("member", rec.Members)
	c.saved = &rec
}

func (c *Coordinator) clamp(list string, addrs []cpg.Address) []cpg.Address {
	if len(addrs) <= group.MaxGroupMembers {
		return append([]cpg.Address(nil), addrs...)
	}
	c.log.Warn("confchg list truncated",
		zap.String("list", list),
		zap.Int("entries", len(addrs)),
		zap.Int("max", group.MaxGroupMembers))
	telemetry.ListsClamped.WithLabelValues(list).Inc()
	return append([]cpg.Address(nil), addrs[:group.MaxGroupMembers]...)
}

func (c *Coordinator) processConfchg(rec cpg.Confchg) {
	if c.control.handle != 0 && rec.Handle == c.control.handle {
		telemetry.ConfchgTotal.WithLabelValues("control").Inc()
		c.processControlConfchg(rec)
		return
	}

	g, ok := c.registry.FindByHandle(rec.Handle)
	if !ok {
		telemetry.ConfchgTotal.WithLabelValues("unknown").Inc()
		c.log.Debug("confchg: no group for handle",
			zap.Uint64("handle", uint64(rec.Handle)),
			zap.String("channel", rec.Channel))
		return
	}
	telemetry.ConfchgTotal.WithLabelValues("group").Inc()

	log := c.glog(g)
	log.Debug("confchg",
		zap.Int("left", len(rec.Left)),
		zap.Int("joined", len(rec.Joined)),
		zap.Int("total", len(rec.Members)))

	for _, a := range rec.Joined {
		c.processNodeJoin(g, group.NodeID(a.NodeID), rec.Members)
	}

	for _, a := range rec.Left {
		id := group.NodeID(a.NodeID)
		log.Debug("confchg removed node", zap.Uint32("node", a.NodeID), zap.Stringer("reason", a.Reason))

		switch a.Reason {
		case cpg.ReasonLeave:
			if id == c.self() {
				c.teardown(g)
				return
			}
			c.processNodeLeave(g, id)
		case cpg.ReasonNodeDown, cpg.ReasonProcDown:
			c.processNodeDown(g, id)
		default:
			log.Error("unknown leave reason", zap.Uint32("node", a.NodeID), zap.Stringer("reason", a.Reason))
		}
	}
}

func (c *Coordinator) queueEvent(g *group.Group, state group.EventState, id group.NodeID) *group.Event {
	ev := &group.Event{ID: c.nextEventID(), State: state, NodeID: id}
	if state == group.RecoverBegin {
		// Recovery is originated locally on behalf of the failed nodes.
		ev.NodeID = c.self()
		ev.Nodes = []group.NodeID{id}
	}
	g.QueueEvent(ev)
	telemetry.EventsQueued.WithLabelValues(state.String()).Inc()
	c.glog(g).Debug("queue event", zap.Stringer("event", ev))
	return ev
}

func (c *Coordinator) processNodeJoin(g *group.Group, id group.NodeID, members []cpg.Address) {
	log := c.glog(g)
	log.Debug("process node join", zap.Uint32("node", uint32(id)))

	if id == c.self() {
		// Our own join: the whole member list becomes the membership.
		g.ReleaseMembers()
		for _, m := range members {
			if g.AddMember(group.NodeID(m.NodeID)) {
				log.Debug("cpg add node", zap.Uint32("node", m.NodeID), zap.Int("total", g.MemberCount()))
			}
		}
		if len(members) == 1 && g.GlobalID == 0 {
			c.assignGlobalID(g)
		}
		g.Joined = true
	} else if !g.AddMember(id) {
		if g.IsMember(id) {
			log.Debug("joined node already a member", zap.Uint32("node", uint32(id)))
		} else {
			log.Error("membership full", zap.Uint32("node", uint32(id)), zap.Int("total", g.MemberCount()))
		}
	} else {
		log.Debug("cpg add node", zap.Uint32("node", uint32(id)), zap.Int("total", g.MemberCount()))
	}

	ev := c.queueEvent(g, group.JoinBegin, id)

	// The local join is made current at once; other code expects a joined
	// group to have a current event.
	if id == c.self() {
		ev.Immediate = true
		c.app.Process(g, c.tracker)
	}
}

func (c *Coordinator) assignGlobalID(g *group.Group) {
	n, err := c.ids.Next(context.Background())
	if err != nil {
		c.glog(g).Error("allocate group id", zap.Error(err))
		return
	}
	if n > 0xFFFF {
		c.glog(g).Warn("group id counter exceeds 16 bits, global ids repeat",
			zap.Uint32("counter", n))
	}
	g.GlobalID = n<<16 | (c.cfg.NodeID & 0x0000FFFF)
	c.glog(g).Info("create group id",
		zap.String("global_id", hex32(g.GlobalID)),
		zap.Uint32("our_nodeid", c.cfg.NodeID))
}

func (c *Coordinator) processNodeLeave(g *group.Group, id group.NodeID) {
	log := c.glog(g)
	log.Debug("process node leave", zap.Uint32("node", uint32(id)))

	if !g.RemoveMember(id) {
		log.Error("process node leave: no member", zap.Uint32("node", uint32(id)))
		return
	}
	log.Debug("cpg del node", zap.Uint32("node", uint32(id)), zap.Int("total", g.MemberCount()))
	c.queueEvent(g, group.LeaveBegin, id)
}

func (c *Coordinator) processNodeDown(g *group.Group, id group.NodeID) {
	log := c.glog(g)
	log.Debug("process node down", zap.Uint32("node", uint32(id)))

	if !g.RemoveMember(id) {
		log.Error("process node down: no member", zap.Uint32("node", uint32(id)))
		return
	}
	log.Debug("cpg del node - down", zap.Uint32("node", uint32(id)), zap.Int("total", g.MemberCount()))

	noRecover := false
	for _, ev := range g.PurgeBegin(id) {
		if ev.State == group.JoinBegin {
			noRecover = true
		}
		telemetry.EventsPurged.Inc()
		log.Debug("purge event", zap.Stringer("event", ev))
	}

	// The node never got into the app, so there is nothing to recover.
	if noRecover {
		c.tracker.Forget(id, g.Key())
		return
	}

	if ev, ok := g.QueuedRecover(); ok {
		ev.Extend(id)
		log.Debug("extend recover event", zap.Stringer("event", ev), zap.Uint32("node", uint32(id)))
	} else {
		c.queueEvent(g, group.RecoverBegin, id)
	}
	c.tracker.Report(id, g.Key())
}

// teardown releases a group after the local leave completed: queued events
// and messages are discarded and the membership released before the
// transport handle is finalized.
func (c *Coordinator) teardown(g *group.Group) {
	log := c.glog(g)
	events := g.DrainEvents()
	msgs := g.DrainMessages()
	g.FinishCurrent()
	g.ReleaseMembers()

	if err := c.tr.Finalize(g.Handle); err != nil {
		log.Warn("cpg finalize", zap.Error(err))
	}
	c.registry.Remove(g.Key())
	telemetry.Groups.Set(float64(c.registry.Len()))
	log.Info("left group", zap.Int("discarded_events", len(events)), zap.Int("discarded_messages", len(msgs)))
}

func (c *Coordinator) processControlConfchg(rec cpg.Confchg) {
	c.log.Debug("groupd confchg",
		zap.Int("total", len(rec.Members)),
		zap.Int("left", len(rec.Left)),
		zap.Int("joined", len(rec.Joined)))

	c.control.members = append([]cpg.Address(nil), rec.Members...)

	found := false
	for _, m := range rec.Members {
		if m.NodeID == c.cfg.NodeID && m.PID == c.cfg.PID {
			found = true
			break
		}
	}
	if found {
		c.control.joined = true
	} else {
		c.log.Info("we are not in groupd confchg",
			zap.Uint32("our_nodeid", c.cfg.NodeID),
			zap.Uint32("pid", c.cfg.PID))
	}

	for _, a := range rec.Left {
		id := group.NodeID(a.NodeID)
		switch a.Reason {
		case cpg.ReasonLeave:
			continue
		case cpg.ReasonNodeDown:
			c.tracker.NodeDown(id, false, c.registry.NodeGroups(id))
		case cpg.ReasonProcDown:
			// The daemon died but the node is up. If it was in any
			// group, kill the node so it becomes a real nodedown.
			if _, fence := c.tracker.NodeDown(id, true, c.registry.NodeGroups(id)); fence {
				c.log.Warn("kill node - groupd PROCDOWN", zap.Uint32("node", a.NodeID))
				c.fence(id)
			}
		default:
			c.log.Error("unknown control leave reason", zap.Uint32("node", a.NodeID), zap.Stringer("reason", a.Reason))
		}
	}
	telemetry.RecoverySets.Set(float64(c.tracker.Len()))
}

func (c *Coordinator) fence(id group.NodeID) {
	telemetry.Fences.Inc()
	if c.fencer == nil {
		c.log.Warn("no fencer configured", zap.Uint32("node", uint32(id)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), fenceTimeout)
	defer cancel()
	if err := c.fencer.Fence(ctx, id); err != nil {
		c.log.Error("fence node", zap.Uint32("node", uint32(id)), zap.Error(err))
	}
}

// ControlJoined reports whether the local daemon is in the control channel.
func (c *Coordinator) ControlJoined() bool { return c.control.joined }

// ControlMembers returns the node ids of the control channel membership.
func (c *Coordinator) ControlMembers() []uint32 {
	out := make([]uint32, len(c.control.members))
	for i, m := range c.control.members {
		out[i] = m.NodeID
	}
	return out
}

// InControlGroup reports whether nodeID is a control channel member.
func (c *Coordinator) InControlGroup(nodeID uint32) bool {
	for _, m := range c.control.members {
		if m.NodeID == nodeID {
			return true
		}
	}
	return false
}
