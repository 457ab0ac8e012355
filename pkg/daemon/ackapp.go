package daemon

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/pkg/group"
	"github.com/ryandielhenn/groupd/pkg/recovery"
)

// AckApp is the App used when no application is attached to the daemon:
// every event is acknowledged as soon as it becomes current, delivered
// messages are dropped, and recovery sets are retired once they are ready.
type AckApp struct {
	Log *zap.Logger
}

func (a AckApp) Process(g *group.Group, tracker *recovery.Tracker) {
	log := a.Log
	if log == nil {
		log = zap.NewNop()
	}
	if g.Current != nil {
		log.Debug("ack event", zap.Stringer("group", g.Key()), zap.Stringer("event", g.FinishCurrent()))
	}
	for {
		ev, ok := g.BeginNext()
		if !ok {
			break
		}
		log.Debug("ack event", zap.Stringer("group", g.Key()), zap.Stringer("event", ev))
		g.FinishCurrent()
	}
	if msgs := g.DrainMessages(); len(msgs) > 0 {
		log.Debug("drop messages", zap.Stringer("group", g.Key()), zap.Int("count", len(msgs)))
	}
	for _, s := range tracker.Sets() {
		if s.State == recovery.StateReady {
			if err := tracker.Consume(s.NodeID); err == nil {
				log.Info("recovery set done", zap.Uint32("node", uint32(s.NodeID)))
			}
		}
	}
}
