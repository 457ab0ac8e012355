package etcdcpg

import (
	"github.com/ryandielhenn/groupd/pkg/cpg"
)

// change is one watched key event, already relative to its channel.
type change struct {
	key    string
	parsed parsedKey
	put    bool
	create bool
	value  []byte
}

type message struct {
	key    string
	nodeID uint32
	pid    uint32
	data   []byte
}

type batch struct {
	members []cpg.Address
	joined  []cpg.Address
	left    []cpg.Address
	msgs    []message
}

func (b *batch) membershipChanged() bool {
	return len(b.joined) > 0 || len(b.left) > 0
}

// applyBatch folds the changes of one store revision into view. A member
// delete that shares its revision with a leave marker is a clean leave;
// any other delete is resolved through down.
func applyBatch(view []cpg.Address, changes []change, down func(nodeID uint32) cpg.Reason) batch {
	leaving := make(map[uint32]bool)
	for _, c := range changes {
		if c.put && c.parsed.kind == keyLeave {
			leaving[c.parsed.nodeID] = true
		}
	}

	var b batch
	for _, c := range changes {
		switch c.parsed.kind {
		case keyMember:
			if c.put {
				if !c.create {
					continue
				}
				addr, err := decodeMember(c.value)
				if err != nil || indexOf(view, addr.NodeID) >= 0 {
					continue
				}
				view = append(view, addr)
				addr.Reason = cpg.ReasonJoin
				b.joined = append(b.joined, addr)
				continue
			}
			i := indexOf(view, c.parsed.nodeID)
			if i < 0 {
				continue
			}
			addr := view[i]
			view = append(view[:i:i], view[i+1:]...)
			if leaving[addr.NodeID] {
				addr.Reason = cpg.ReasonLeave
			} else {
				addr.Reason = down(addr.NodeID)
			}
			b.left = append(b.left, addr)
		case keyMsg:
			if !c.put {
				continue
			}
			b.msgs = append(b.msgs, message{
				key:    c.key,
				nodeID: c.parsed.nodeID,
				pid:    c.parsed.pid,
				data:   c.value,
			})
		}
	}
	b.members = view
	return b
}

func indexOf(view []cpg.Address, nodeID uint32) int {
	for i, a := range view {
		if a.NodeID == nodeID {
			return i
		}
	}
	return -1
}
