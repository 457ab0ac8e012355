package group

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortHeader is returned when a payload is smaller than HeaderSize.
var ErrShortHeader = errors.New("group: message shorter than header")

// MsgType is the kind of a daemon-to-daemon message.
type MsgType uint16

const (
	MsgAppStopped MsgType = iota + 1
	MsgAppStarted
	MsgAppRecover
	MsgAppInternal
	MsgGlobalID
)

func (t MsgType) String() string {
	switch t {
	case MsgAppStopped:
		return "stopped"
	case MsgAppStarted:
		return "started"
	case MsgAppRecover:
		return "recover"
	case MsgAppInternal:
		return "internal"
	case MsgGlobalID:
		return "global_id"
	default:
		return fmt.Sprintf("msg(%d)", uint16(t))
	}
}

// HeaderSize is the encoded size of Header.
const HeaderSize = 2 + 2 + 4 + 4 + 4 + 8 + MaxNameLen

// HeaderVersion is written into every encoded header.
const HeaderVersion = 1

// Header is the fixed prefix of every message. Fields are big-endian on the
// wire.
type Header struct {
	Version  uint16
	Type     MsgType
	Level    int32
	Length   uint32 // length of the body following the header
	GlobalID uint32
	EventID  uint64
	Name     string
}

type wireHeader struct {
	Version  uint16
	Type     uint16
	Level    int32
	Length   uint32
	GlobalID uint32
	EventID  uint64
	Name     [MaxNameLen]byte
}

// Marshal encodes h followed by body.
func (h Header) Marshal(body []byte) []byte {
	w := wireHeader{
		Version:  h.Version,
		Type:     uint16(h.Type),
		Level:    h.Level,
		Length:   uint32(len(body)),
		GlobalID: h.GlobalID,
		EventID:  h.EventID,
	}
	if w.Version == 0 {
		w.Version = HeaderVersion
	}
	copy(w.Name[:], h.Name)

	var buf bytes.Buffer
	buf.Grow(HeaderSize + len(body))
	_ = binary.Write(&buf, binary.BigEndian, &w)
	buf.Write(body)
	return buf.Bytes()
}

// ParseHeader decodes the header at the start of data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(data))
	}
	var w wireHeader
	if err := binary.Read(bytes.NewReader(data[:HeaderSize]), binary.BigEndian, &w); err != nil {
		return Header{}, err
	}
	name := w.Name[:]
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	return Header{
		Version:  w.Version,
		Type:     MsgType(w.Type),
		Level:    w.Level,
		Length:   w.Length,
		GlobalID: w.GlobalID,
		EventID:  w.EventID,
		Name:     string(name),
	}, nil
}

// SavedMessage is a delivered message owned by the group's message queue.
type SavedMessage struct {
	NodeID NodeID
	Len    int
	Header Header
	// Data is the complete payload, header included.
	Data []byte
}

// Body returns the payload past the header.
func (m *SavedMessage) Body() []byte {
	if len(m.Data) <= HeaderSize {
		return nil
	}
	return m.Data[HeaderSize:]
}

// QueueMessage appends m to the message queue.
func (g *Group) QueueMessage(m *SavedMessage) {
	g.messages = append(g.messages, m)
}

// MessageCount returns the number of queued messages.
func (g *Group) MessageCount() int { return len(g.messages) }

// DrainMessages removes and returns all queued messages.
func (g *Group) DrainMessages() []*SavedMessage {
	msgs := g.messages
	g.messages = nil
	return msgs
}
