package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wsrpc/rpcerr"
)

type userInfo struct {
	Username string `json:"username"`
	Age      int    `json:"age"`
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := GetCodec(CodecTypeJSON)

	original := userInfo{Username: "ada", Age: 36}
	data, err := jsonCodec.Encode(original)
	require.NoError(t, err)

	var decoded userInfo
	require.NoError(t, jsonCodec.Decode(data, &decoded))
	assert.Equal(t, original, decoded)
	assert.Equal(t, CodecTypeJSON, jsonCodec.Type())
}

func TestJSONCodecKeepsLargeIntegers(t *testing.T) {
	var v any
	require.NoError(t, Default.Decode([]byte(`9007199254740993`), &v))

	n, ok := v.(json.Number)
	require.True(t, ok, "expected json.Number, got %T", v)
	i, err := n.Int64()
	require.NoError(t, err)
	assert.Equal(t, int64(9007199254740993), i)
}

func TestJSONCodecErrorsAreSerializationErrors(t *testing.T) {
	var decoded userInfo
	err := Default.Decode([]byte(`{"username":`), &decoded)
	assert.ErrorIs(t, err, rpcerr.ErrSerialization)

	_, err = Default.Encode(make(chan int))
	assert.ErrorIs(t, err, rpcerr.ErrSerialization)
}
