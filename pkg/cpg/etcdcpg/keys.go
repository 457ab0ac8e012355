package etcdcpg

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ryandielhenn/groupd/pkg/cpg"
)

// Channel layout under <prefix>/channels/<channel>/:
//
//	members/<nodeid>            member record, bound to the process lease
//	leaves/<nodeid>             written with the member delete on a clean leave
//	msgs/<nodeid>/<pid>/<seq>   one multicast message
type keyspace struct {
	prefix string
}

func (k keyspace) channel(ch string) string {
	return k.prefix + "/channels/" + ch + "/"
}

func (k keyspace) member(ch string, nodeID uint32) string {
	return fmt.Sprintf("%smembers/%d", k.channel(ch), nodeID)
}

func (k keyspace) leave(ch string, nodeID uint32) string {
	return fmt.Sprintf("%sleaves/%d", k.channel(ch), nodeID)
}

func (k keyspace) msg(ch string, nodeID, pid uint32, seq uint64) string {
	return fmt.Sprintf("%smsgs/%d/%d/%020d", k.channel(ch), nodeID, pid, seq)
}

// ownMsgs is the prefix of every message sent by one process.
func (k keyspace) ownMsgs(ch string, nodeID, pid uint32) string {
	return fmt.Sprintf("%smsgs/%d/%d/", k.channel(ch), nodeID, pid)
}

type keyKind uint8

const (
	keyOther keyKind = iota
	keyMember
	keyLeave
	keyMsg
)

// parsedKey is a channel-relative key broken into its parts.
type parsedKey struct {
	kind   keyKind
	nodeID uint32
	pid    uint32
	seq    uint64
}

func parseKey(rel string) parsedKey {
	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 2 && parts[0] == "members":
		if id, ok := parseUint32(parts[1]); ok {
			return parsedKey{kind: keyMember, nodeID: id}
		}
	case len(parts) == 2 && parts[0] == "leaves":
		if id, ok := parseUint32(parts[1]); ok {
			return parsedKey{kind: keyLeave, nodeID: id}
		}
	case len(parts) == 4 && parts[0] == "msgs":
		id, ok1 := parseUint32(parts[1])
		pid, ok2 := parseUint32(parts[2])
		seq, err := strconv.ParseUint(parts[3], 10, 64)
		if ok1 && ok2 && err == nil {
			return parsedKey{kind: keyMsg, nodeID: id, pid: pid, seq: seq}
		}
	}
	return parsedKey{kind: keyOther}
}

func parseUint32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

type memberRecord struct {
	NodeID uint32 `json:"nodeid"`
	PID    uint32 `json:"pid"`
}

func encodeMember(nodeID, pid uint32) string {
	b, _ := json.Marshal(memberRecord{NodeID: nodeID, PID: pid})
	return string(b)
}

func decodeMember(v []byte) (cpg.Address, error) {
	var r memberRecord
	if err := json.Unmarshal(v, &r); err != nil {
		return cpg.Address{}, err
	}
	return cpg.Address{NodeID: r.NodeID, PID: r.PID}, nil
}
