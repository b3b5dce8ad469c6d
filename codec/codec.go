// Package codec provides the serializer injected into a wsrpc peer. It encodes
// frame headers and structured payloads (RPC records, error records, and
// non-primitive RPC parameters) as UTF-8 text.
package codec

type CodecType byte

const (
	CodecTypeJSON CodecType = 0
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType. Unknown types fall back to JSON.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	}
	return &JSONCodec{}
}

// Default is the codec used when none is configured.
var Default Codec = &JSONCodec{}
