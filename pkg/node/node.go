// Package node exposes a running daemon over HTTP: health, process info,
// the group dump, and group join/leave/send for operators and tests.
package node

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/internal/telemetry"
	"github.com/ryandielhenn/groupd/pkg/daemon"
)

type Node struct {
	id    uint32
	addr  string
	coord *daemon.Coordinator
	log   *zap.Logger
	start time.Time
}

func NewNode(id uint32, addr string, coord *daemon.Coordinator, log *zap.Logger) *Node {
	if log == nil {
		log = zap.NewNop()
	}
	return &Node{
		id:    id,
		addr:  addr,
		coord: coord,
		log:   log.Named("http"),
		start: time.Now(),
	}
}

func (n *Node) Addr() string {
	return n.addr
}

// Routes registers every endpoint on mux.
func (n *Node) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", n.Healthz)
	mux.HandleFunc("GET /info", n.Info)
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
	mux.Handle("GET /groups", telemetry.Instrument("dump", http.HandlerFunc(n.Groups)))
	mux.Handle("PUT /groups/{level}/{name}", telemetry.Instrument("join", http.HandlerFunc(n.Join)))
	mux.Handle("DELETE /groups/{level}/{name}", telemetry.Instrument("leave", http.HandlerFunc(n.Leave)))
	mux.Handle("POST /groups/{level}/{name}/messages", telemetry.Instrument("send", http.HandlerFunc(n.Send)))
}
