package codec

import (
	"bytes"
	"encoding/json"

	"wsrpc/rpcerr"
)

// JSONCodec uses encoding/json. Numbers decoded into untyped targets stay
// json.Number so 64-bit integers are not rounded through float64.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, rpcerr.Serializationf("json encode %T: %v", v, err)
	}
	return data, nil
}

func (c *JSONCodec) Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return rpcerr.Serializationf("json decode into %T: %v", v, err)
	}
	return nil
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
