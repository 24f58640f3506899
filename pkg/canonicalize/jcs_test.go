package canonicalize

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCSKeyOrderIndependent(t *testing.T) {
	var a, b map[string]any
	require.NoError(t, json.Unmarshal([]byte(`{"z":1,"a":{"y":2,"b":3}}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"a":{"b":3,"y":2},"z":1}`), &b))

	ca, err := JCS(a)
	require.NoError(t, err)
	cb, err := JCS(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestHashStable(t *testing.T) {
	v := map[string]any{"version": "1", "groups": []string{"a", "b"}}
	h1, err := Hash(v)
	require.NoError(t, err)
	h2, err := Hash(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestHashDistinguishesContent(t *testing.T) {
	h1, err := Hash(map[string]int{"a": 1})
	require.NoError(t, err)
	h2, err := Hash(map[string]int{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestHashBytes(t *testing.T) {
	// sha256("") is a fixed vector.
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
}
