package message

import (
	"github.com/pkg/errors"

	"wsrpc/codec"
	"wsrpc/rpcerr"
)

// VoidType is the RpcResponse type of methods with no return value.
const VoidType = "void"

// Parameter is one argument of an RpcRequest. Value holds the raw value for
// primitive types and the serializer text for everything else.
type Parameter struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// RpcRequest is the payload of an RpcRequest message.
type RpcRequest struct {
	Contract   string      `json:"contract"`
	Method     string      `json:"method"`
	Parameters []Parameter `json:"parameters"`
}

// Signature returns the declared parameter types in order.
func (r *RpcRequest) Signature() []string {
	sig := make([]string, len(r.Parameters))
	for i, p := range r.Parameters {
		sig[i] = p.Type
	}
	return sig
}

// RpcResponse is the payload of an RpcResponse message.
type RpcResponse struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

// IsVoid reports whether the response carries no value.
func (r *RpcResponse) IsVoid() bool {
	return r.Type == VoidType
}

// ErrorInfo is the payload of an Error message.
type ErrorInfo struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// NewText creates a Text message.
func NewText(text string) *Message {
	m := New(TypeText)
	m.Payload = []byte(text)
	return m
}

// Text returns the payload of a Text message.
func (m *Message) Text() string {
	return string(m.Payload)
}

// NewAck creates an Ack answering replyID.
func NewAck(replyID string) *Message {
	return NewReply(TypeAck, replyID)
}

// NewPublish creates a Publish message for topic.
func NewPublish(topic string, data []byte) *Message {
	m := New(TypePublish)
	m.SetHeader(HeaderTopic, topic)
	m.Payload = data
	return m
}

// Topic returns the topic header of a Publish message.
func (m *Message) Topic() string {
	topic, _ := m.Headers[HeaderTopic].(string)
	return topic
}

// NewError creates an Error message answering replyID.
func NewError(replyID string, info ErrorInfo, c codec.Codec) (*Message, error) {
	m := NewReply(TypeError, replyID)
	if err := encodeInto(m, info, c); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeError reads the payload of an Error message.
func DecodeError(m *Message, c codec.Codec) (*ErrorInfo, error) {
	var info ErrorInfo
	if err := decodeFrom(m, TypeError, &info, c); err != nil {
		return nil, err
	}
	return &info, nil
}

// AsRemoteError converts an Error message into the error it reports.
func AsRemoteError(m *Message, c codec.Codec) error {
	info, err := DecodeError(m, c)
	if err != nil {
		return err
	}
	return &rpcerr.RemoteOperationError{Message: info.Message, Code: info.Code}
}

// NewRpcRequest creates an RpcRequest message.
func NewRpcRequest(req *RpcRequest, c codec.Codec) (*Message, error) {
	m := New(TypeRpcRequest)
	if err := encodeInto(m, req, c); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeRpcRequest reads the payload of an RpcRequest message.
func DecodeRpcRequest(m *Message, c codec.Codec) (*RpcRequest, error) {
	var req RpcRequest
	if err := decodeFrom(m, TypeRpcRequest, &req, c); err != nil {
		return nil, err
	}
	return &req, nil
}

// NewRpcResponse creates an RpcResponse answering replyID.
func NewRpcResponse(replyID string, resp *RpcResponse, c codec.Codec) (*Message, error) {
	m := NewReply(TypeRpcResponse, replyID)
	if err := encodeInto(m, resp, c); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeRpcResponse reads the payload of an RpcResponse message.
func DecodeRpcResponse(m *Message, c codec.Codec) (*RpcResponse, error) {
	var resp RpcResponse
	if err := decodeFrom(m, TypeRpcResponse, &resp, c); err != nil {
		return nil, err
	}
	return &resp, nil
}

func encodeInto(m *Message, v any, c codec.Codec) error {
	data, err := c.Encode(v)
	if err != nil {
		return errors.WithMessagef(err, "encode %s payload", m.Type)
	}
	m.Payload = data
	return nil
}

func decodeFrom(m *Message, typ string, v any, c codec.Codec) error {
	if m.Type != typ {
		return rpcerr.Serializationf("message %s is %s, not %s", m.ID(), m.Type, typ)
	}
	if len(m.Payload) == 0 {
		return rpcerr.Serializationf("message %s has an empty %s payload", m.ID(), typ)
	}
	if err := c.Decode(m.Payload, v); err != nil {
		return errors.WithMessagef(err, "decode %s payload", typ)
	}
	return nil
}
