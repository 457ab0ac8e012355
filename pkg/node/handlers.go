package node

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/groupd/pkg/daemon"
	"github.com/ryandielhenn/groupd/pkg/group"
)

const maxSendBody = 1 << 20

// Healthz returns 200 once the control channel is joined, 503 before.
func (n *Node) Healthz(w http.ResponseWriter, r *http.Request) {
	var joined bool
	if err := n.coord.Do(r.Context(), func() { joined = n.coord.ControlJoined() }); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if !joined {
		http.Error(w, "control channel not joined", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes the process id, node id, uptime and group counts.
func (n *Node) Info(w http.ResponseWriter, r *http.Request) {
	type resp struct {
		PID            int       `json:"pid"`
		NodeID         uint32    `json:"node_id"`
		Addr           string    `json:"addr"`
		Now            time.Time `json:"now"`
		Uptime         string    `json:"uptime"`
		Groups         int       `json:"groups"`
		ControlMembers []uint32  `json:"control_members"`
		RecoverySets   int       `json:"recovery_sets"`
		FlowControl    bool      `json:"flow_control"`
	}
	out := resp{PID: os.Getpid(), NodeID: n.id, Addr: n.addr, Now: time.Now()}
	out.Uptime = time.Since(n.start).Round(time.Second).String()
	err := n.coord.Do(r.Context(), func() {
		out.Groups = n.coord.Registry().Len()
		out.ControlMembers = n.coord.ControlMembers()
		out.RecoverySets = n.coord.Tracker().Len()
		out.FlowControl = n.coord.FlowControlOn()
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// Groups writes the group dump.
func (n *Node) Groups(w http.ResponseWriter, r *http.Request) {
	var dump []daemon.GroupInfo
	if err := n.coord.Do(r.Context(), func() { dump = n.coord.Dump() }); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, dump)
}

// Join creates a group and joins its channel.
func (n *Node) Join(w http.ResponseWriter, r *http.Request) {
	name, level, ok := groupParams(w, r)
	if !ok {
		return
	}
	var (
		g   *group.Group
		err error
	)
	if derr := n.coord.Do(r.Context(), func() { g, err = n.coord.JoinGroup(r.Context(), name, level) }); derr != nil {
		err = derr
	}
	if err != nil {
		n.fail(w, "join", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"name": g.Name, "level": g.Level})
}

// Leave leaves a group. The group disappears once the leave is delivered.
func (n *Node) Leave(w http.ResponseWriter, r *http.Request) {
	name, level, ok := groupParams(w, r)
	if !ok {
		return
	}
	var err error
	if derr := n.coord.Do(r.Context(), func() { err = n.coord.LeaveGroup(r.Context(), name, level) }); derr != nil {
		err = derr
	}
	if err != nil {
		n.fail(w, "leave", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// Send multicasts the request body to the group behind an internal
// message header.
func (n *Node) Send(w http.ResponseWriter, r *http.Request) {
	name, level, ok := groupParams(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSendBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	derr := n.coord.Do(r.Context(), func() {
		name, _ = group.ClampName(name)
		g, found := n.coord.Registry().Find(name, level)
		if !found {
			err = group.ErrUnknownGroup
			return
		}
		hdr := group.Header{Type: group.MsgAppInternal, Level: int32(g.Level), GlobalID: g.GlobalID, Name: g.Name}
		err = n.coord.Send(r.Context(), g, hdr.Marshal(body))
	})
	if derr != nil {
		err = derr
	}
	if err != nil {
		n.fail(w, "send", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (n *Node) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, group.ErrExists):
		status = http.StatusConflict
	case errors.Is(err, group.ErrUnknownGroup):
		status = http.StatusNotFound
	}
	n.log.Warn("request failed", zap.String("op", op), zap.Int("status", status), zap.Error(err))
	http.Error(w, err.Error(), status)
}

func groupParams(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	level, err := strconv.Atoi(r.PathValue("level"))
	if err != nil || level < 0 {
		http.Error(w, "invalid level", http.StatusBadRequest)
		return "", 0, false
	}
	name := r.PathValue("name")
	if name == "" {
		http.Error(w, "missing group name", http.StatusBadRequest)
		return "", 0, false
	}
	return name, level, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}
