package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/gamecache"
)

func TestParseKeys(t *testing.T) {
	t.Parallel()

	data := []byte(`[
		{"archive": 5, "group": 1234, "name_hash": -1153472937, "key": [-1, 2, 3, 4]},
		{"group": 7, "key": [0, 0, 0, 1]}
	]`)
	keys, err := parseKeys(data)
	require.NoError(t, err)

	k, ok := keys.Key(5, 1234)
	require.True(t, ok)
	assert.Equal(t, gamecache.Key{0xFFFFFFFF, 2, 3, 4}, k)

	k, ok = keys.Key(5, 7)
	require.True(t, ok)
	assert.Equal(t, gamecache.Key{0, 0, 0, 1}, k)

	_, ok = keys.Key(5, 8)
	assert.False(t, ok)
}

func TestParseKeysRejectsMalformed(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"not json":    `[{`,
		"object":      `{"group": 1}`,
		"no group":    `[{"key": [1, 2, 3, 4]}]`,
		"short key":   `[{"group": 1, "key": [1, 2, 3]}]`,
		"missing key": `[{"group": 1}]`,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := parseKeys([]byte(in))
			require.Error(t, err)
		})
	}
}
