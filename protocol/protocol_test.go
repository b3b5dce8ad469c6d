package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpcerr"
)

func TestEncodeDecode(t *testing.T) {
	for _, size := range []int{0, 1, 65000} {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i % 256)
		}

		original := message.NewReply(message.TypeRpcResponse, "request-1")
		original.RequireReply = true
		original.Payload = payload

		frame, err := Encode(original, codec.Default)
		require.NoError(t, err)

		decoded, err := Decode(frame, codec.Default)
		require.NoError(t, err)

		assert.Equal(t, original.ID(), decoded.ID(), "size %d", size)
		assert.Equal(t, original.Type, decoded.Type)
		assert.Equal(t, original.ReplyID, decoded.ReplyID)
		assert.Equal(t, original.RequireReply, decoded.RequireReply)
		assert.True(t, bytes.Equal(original.Payload, decoded.Payload), "payload mismatch for size %d", size)
	}
}

func TestEncodeDecodeWithoutReply(t *testing.T) {
	original := message.NewPublish("weather", []byte("sunny"))

	frame, err := Encode(original, codec.Default)
	require.NoError(t, err)
	decoded, err := Decode(frame, codec.Default)
	require.NoError(t, err)

	assert.Empty(t, decoded.ReplyID)
	assert.False(t, decoded.RequireReply)
	assert.Equal(t, "weather", decoded.Topic())
	assert.Equal(t, "sunny", string(decoded.Payload))
}

// headerPadded returns a message whose serialized header block is exactly size bytes.
func headerPadded(t *testing.T, size int) *message.Message {
	t.Helper()
	m := message.New(message.TypeText)
	m.SetHeader("pad", "")
	base, err := codec.Default.Encode(m.HeaderMap())
	require.NoError(t, err)
	m.SetHeader("pad", strings.Repeat("a", size-len(base)))
	return m
}

func TestHeaderSizeLimit(t *testing.T) {
	atLimit := headerPadded(t, MaxHeaderSize)
	frame, err := Encode(atLimit, codec.Default)
	require.NoError(t, err)
	assert.Equal(t, uint16(MaxHeaderSize), binary.BigEndian.Uint16(frame[:HeaderLenSize]))

	decoded, err := Decode(frame, codec.Default)
	require.NoError(t, err)
	assert.Equal(t, atLimit.ID(), decoded.ID())

	_, err = Encode(headerPadded(t, MaxHeaderSize+1), codec.Default)
	assert.ErrorIs(t, err, rpcerr.ErrHeaderTooLarge)
	assert.ErrorIs(t, err, rpcerr.ErrFrame)
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"empty":             {},
		"short prefix":      {0x00},
		"length overflow":   {0x00, 0x10, '{', '}'},
		"bad header":        append([]byte{0x00, 0x03}, []byte("{{{")...),
		"missing id header": append([]byte{0x00, 0x02}, []byte("{}")...),
	}
	for name, frame := range cases {
		_, err := Decode(frame, codec.Default)
		assert.ErrorIs(t, err, rpcerr.ErrFrame, name)
	}
}
