package daemon

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/cpg"
	"github.com/ryandielhenn/groupd/pkg/group"
)

// HandleDeliver is the deliver callback. Control channel messages are
// routed by the (name, level) in their header, group channel messages by
// handle. Messages for unknown groups are logged and dropped.
func (c *Coordinator) HandleDeliver(h cpg.Handle, channel string, nodeID, pid uint32, data []byte) {
	hdr, herr := group.ParseHeader(data)

	var g *group.Group
	var ok bool
	if c.control.handle != 0 && h == c.control.handle {
		if herr != nil {
			c.log.Warn("control message without header",
				zap.Uint32("from", nodeID), zap.Int("len", len(data)), zap.Error(herr))
			telemetry.MessagesDiscarded.WithLabelValues("malformed").Inc()
			return
		}
		if g, ok = c.registry.Find(hdr.Name, int(hdr.Level)); !ok {
			if c.cfg.DebugVerbose > 1 {
				c.log.Info("RECV, no group",
					zap.String("group", group.Key{Name: hdr.Name, Level: int(hdr.Level)}.String()),
					zap.Int("len", len(data)),
					zap.Stringer("type", hdr.Type),
					zap.Uint32("from", nodeID))
			}
			telemetry.MessagesDiscarded.WithLabelValues("unknown_group").Inc()
			return
		}
	} else if g, ok = c.registry.FindByHandle(h); !ok {
		name, _ := group.ClampName(channel)
		c.logUnknownChannel(h, name)
		telemetry.MessagesDiscarded.WithLabelValues("unknown_group").Inc()
		return
	}

	if c.cfg.DebugVerbose > 1 {
		c.glog(g).Info("RECV", zap.Int("len", len(data)), zap.Stringer("type", hdr.Type), zap.Uint32("from", nodeID))
	}

	// The transport owns data only for the duration of the callback.
	buf := make([]byte, len(data))
	copy(buf, data)
	msg := &group.SavedMessage{
		NodeID: group.NodeID(nodeID),
		Len:    len(data),
		Header: hdr,
		Data:   buf,
	}

	if herr == nil && g.GlobalID == 0 && hdr.GlobalID != 0 {
		g.GlobalID = hdr.GlobalID
		c.glog(g).Debug("learned group id", zap.String("global_id", hex32(g.GlobalID)), zap.Uint32("from", nodeID))
	}

	g.QueueMessage(msg)
	telemetry.MessagesDelivered.Inc()
}

// logUnknownChannel warns once per channel name; repeats go to debug.
func (c *Coordinator) logUnknownChannel(h cpg.Handle, name string) {
	if seen, _ := c.unknown.ContainsOrAdd(name, struct{}{}); seen {
		c.log.Debug("deliver: no group", zap.Uint64("handle", uint64(h)), zap.String("name", name))
		return
	}
	c.log.Warn("deliver: no group", zap.Uint64("handle", uint64(h)), zap.String("name", name))
}
