// Package protocol implements the binary frame format exchanged over a wsrpc connection.
//
// The transport already delimits messages, so a frame only has to separate the
// header block from the payload:
//
//	0      2                 2+N
//	┌──────┬─────────────────┬────────────────────┐
//	│  N   │  header block   │    payload ...     │
//	│ u16  │  N bytes, text  │  remaining bytes   │
//	└──────┴─────────────────┴────────────────────┘
//
// The header block is the serialized header map of the message (msg-id, msg-type,
// msg-reply-id, require-reply, topic, ...). The payload may be empty.
package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"wsrpc/codec"
	"wsrpc/message"
	"wsrpc/rpcerr"
)

const (
	HeaderLenSize = 2     // Big-endian uint16 header length prefix
	MaxHeaderSize = 65535 // Largest header block the length prefix can express
)

// Encode serializes m into a single frame.
func Encode(m *message.Message, c codec.Codec) ([]byte, error) {
	header, err := c.Encode(m.HeaderMap())
	if err != nil {
		return nil, errors.WithMessage(err, "encode frame header")
	}
	if len(header) > MaxHeaderSize {
		return nil, errors.Wrapf(rpcerr.ErrHeaderTooLarge, "header is %d bytes", len(header))
	}

	buf := make([]byte, HeaderLenSize+len(header)+len(m.Payload))
	binary.BigEndian.PutUint16(buf[0:HeaderLenSize], uint16(len(header)))
	copy(buf[HeaderLenSize:], header)
	copy(buf[HeaderLenSize+len(header):], m.Payload)
	return buf, nil
}

// Decode parses one frame. Any failure wraps rpcerr.ErrFrame; the caller drops the
// frame and keeps the connection.
func Decode(data []byte, c codec.Codec) (*message.Message, error) {
	if len(data) < HeaderLenSize {
		return nil, errors.Wrapf(rpcerr.ErrFrame, "frame is %d bytes, shorter than the length prefix", len(data))
	}
	headerLen := int(binary.BigEndian.Uint16(data[0:HeaderLenSize]))
	if headerLen > len(data)-HeaderLenSize {
		return nil, errors.Wrapf(rpcerr.ErrFrame, "declared header length %d exceeds %d available bytes", headerLen, len(data)-HeaderLenSize)
	}

	headers := make(map[string]any)
	if err := c.Decode(data[HeaderLenSize:HeaderLenSize+headerLen], &headers); err != nil {
		return nil, errors.Wrapf(rpcerr.ErrFrame, "header block: %v", err)
	}

	var payload []byte
	if rest := data[HeaderLenSize+headerLen:]; len(rest) > 0 {
		payload = make([]byte, len(rest))
		copy(payload, rest)
	}
	return message.Restore(headers, payload)
}
