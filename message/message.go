// Package message defines the envelope exchanged between two wsrpc peers.
//
// A Message is a header map plus an opaque payload. The header carries the
// message id, the type discriminator, the id of the message being replied to and
// whether the sender is waiting for a reply. The payload is interpreted per Type:
//
//   - Text:        UTF-8 text
//   - Ack:         empty
//   - Error:       serialized ErrorInfo
//   - Publish:     raw bytes, the topic travels in the "topic" header
//   - RpcRequest:  serialized RpcRequest
//   - RpcResponse: serialized RpcResponse
package message

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"wsrpc/rpcerr"
)

// Header keys recognized on the wire.
const (
	HeaderMsgID        = "msg-id"
	HeaderMsgType      = "msg-type"
	HeaderMsgReplyID   = "msg-reply-id"
	HeaderRequireReply = "require-reply"
	HeaderTopic        = "topic"
)

// Message kinds.
const (
	TypeText        = "Text"
	TypeAck         = "Ack"
	TypeError       = "Error"
	TypePublish     = "Publish"
	TypeRpcRequest  = "RpcRequest"
	TypeRpcResponse = "RpcResponse"
)

// Message is one unit exchanged over a connection.
//
//   - On request:  ReplyID is empty, RequireReply is set when the sender waits for an answer.
//   - On response: ReplyID equals the ID of the request being answered.
type Message struct {
	id           string
	Type         string
	ReplyID      string
	RequireReply bool
	Headers      map[string]any // Extra headers, e.g. "topic" on Publish messages
	Payload      []byte
}

// New creates a message of the given type with a fresh id.
func New(typ string) *Message {
	return &Message{
		id:   uuid.NewString(),
		Type: typ,
	}
}

// NewReply creates a message of the given type answering replyID.
func NewReply(typ, replyID string) *Message {
	m := New(typ)
	m.ReplyID = replyID
	return m
}

// ID returns the message id. It never changes after construction.
func (m *Message) ID() string {
	return m.id
}

// Header returns an extra header value.
func (m *Message) Header(key string) (any, bool) {
	v, ok := m.Headers[key]
	return v, ok
}

// SetHeader sets an extra header value. Reserved keys are owned by the message
// fields and are overwritten when the header map is built.
func (m *Message) SetHeader(key string, value any) {
	if m.Headers == nil {
		m.Headers = make(map[string]any)
	}
	m.Headers[key] = value
}

// IsReply reports whether m answers an earlier message.
func (m *Message) IsReply() bool {
	return m.ReplyID != ""
}

// HeaderMap builds the header block written on the wire.
func (m *Message) HeaderMap() map[string]any {
	headers := make(map[string]any, len(m.Headers)+4)
	for k, v := range m.Headers {
		headers[k] = v
	}
	headers[HeaderMsgID] = m.id
	headers[HeaderMsgType] = m.Type
	if m.ReplyID != "" {
		headers[HeaderMsgReplyID] = m.ReplyID
	} else {
		delete(headers, HeaderMsgReplyID)
	}
	if m.RequireReply {
		headers[HeaderRequireReply] = true
	} else {
		delete(headers, HeaderRequireReply)
	}
	return headers
}

// Restore rebuilds a message from a decoded header block and its payload.
func Restore(headers map[string]any, payload []byte) (*Message, error) {
	id, ok := headers[HeaderMsgID].(string)
	if !ok || id == "" {
		return nil, errors.Wrap(rpcerr.ErrFrame, "missing msg-id header")
	}
	typ, ok := headers[HeaderMsgType].(string)
	if !ok || typ == "" {
		return nil, errors.Wrap(rpcerr.ErrFrame, "missing msg-type header")
	}

	m := &Message{id: id, Type: typ, Payload: payload}
	if v, present := headers[HeaderMsgReplyID]; present && v != nil {
		replyID, ok := v.(string)
		if !ok {
			return nil, errors.Wrapf(rpcerr.ErrFrame, "msg-reply-id header is %T", v)
		}
		m.ReplyID = replyID
	}
	if v, present := headers[HeaderRequireReply]; present && v != nil {
		requireReply, ok := v.(bool)
		if !ok {
			return nil, errors.Wrapf(rpcerr.ErrFrame, "require-reply header is %T", v)
		}
		m.RequireReply = requireReply
	}

	for k, v := range headers {
		switch k {
		case HeaderMsgID, HeaderMsgType, HeaderMsgReplyID, HeaderRequireReply:
			continue
		}
		m.SetHeader(k, v)
	}
	return m, nil
}
