package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncoding(t *testing.T) {
	h := Header{Type: MsgAppStarted, Level: 1, GlobalID: 0x10005, EventID: 42, Name: "lockspace"}
	data := h.Marshal([]byte("body"))
	require.Len(t, data, HeaderSize+4)

	got, err := ParseHeader(data)
	require.NoError(t, err)
	assert.Equal(t, uint16(HeaderVersion), got.Version)
	assert.Equal(t, MsgAppStarted, got.Type)
	assert.Equal(t, int32(1), got.Level)
	assert.Equal(t, uint32(4), got.Length)
	assert.Equal(t, uint32(0x10005), got.GlobalID)
	assert.Equal(t, "lockspace", got.Name)

	// level is big-endian right after version and type
	assert.Equal(t, []byte{0, 0, 0, 1}, data[4:8])
}

func TestParseHeaderShort(t *testing.T) {
	_, err := ParseHeader(make([]byte, HeaderSize-1))
	assert.ErrorIs(t, err, ErrShortHeader)
}

func TestSavedMessageBody(t *testing.T) {
	data := Header{Name: "x"}.Marshal([]byte("payload"))
	m := &SavedMessage{Data: data, Len: len(data)}
	assert.Equal(t, []byte("payload"), m.Body())

	g := New("x", 0)
	g.QueueMessage(m)
	assert.Equal(t, 1, g.MessageCount())
	assert.Len(t, g.DrainMessages(), 1)
	assert.Zero(t, g.MessageCount())
}
