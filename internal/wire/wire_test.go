package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeUnescapeRoundTrip(t *testing.T) {
	cases := []struct {
		s     string
		avoid string
	}{
		{"plain", ""},
		{"a b c", " "},
		{"a&b&c", "&"},
		{`back\slash`, ""},
		{"mixed &\\ chars", "& "},
		{"", "& "},
	}

	for _, c := range cases {
		escaped := EscapeChars(c.s, c.avoid)
		assert.Equal(t, c.s, UnescapeChars(escaped))
	}
}

func TestFindNextUnescaped(t *testing.T) {
	assert.Equal(t, 1, FindNextUnescaped("a-b-c", '-'))
	assert.Equal(t, -1, FindNextUnescaped(`a\-b`, '-'))
	assert.Equal(t, 3, FindNextUnescaped(`a\\-b`, '-'))
}

func TestDataVersionRoundTrip(t *testing.T) {
	encoded := EncodeDataVersion("PhysicalTime:01/02/06:00:00:00 a:1;2", "hello")
	clock, value, err := DecodeDataVersion(encoded)
	require.NoError(t, err)
	assert.Equal(t, "PhysicalTime:01/02/06:00:00:00 a:1;2", clock)
	assert.Equal(t, "hello", value)
}

func TestDataVersionWithSchemeRoundTrip(t *testing.T) {
	encoded := EncodeDataVersionWithScheme(7, "clockstr", "value|with|pipes")
	version, clock, value, err := DecodeDataVersionWithScheme(encoded)
	require.NoError(t, err)
	assert.Equal(t, 7, version)
	assert.Equal(t, "clockstr", clock)
	assert.Equal(t, "value|with|pipes", value)
}

func TestMoveRoundTrip(t *testing.T) {
	encoded := EncodeMove(3, "key&with&amps", "dv&with&amps")
	version, key, dv, err := DecodeMove(encoded)
	require.NoError(t, err)
	assert.Equal(t, 3, version)
	assert.Equal(t, "key&with&amps", key)
	assert.Equal(t, "dv&with&amps", dv)
}

func TestMoveRejectsMalformed(t *testing.T) {
	_, _, _, err := DecodeMove("not-a-move-body")
	assert.Error(t, err)
}

func TestGossipBlobRoundTrip(t *testing.T) {
	blob := EncodeGossipEntry("k1", "clockA", "v1") + EncodeGossipEntry("k2", "clockB", "v2")

	entries, err := DecodeGossipBlob(blob)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, GossipEntry{Key: "k1", Clock: "clockA", Value: "v1"}, entries[0])
	assert.Equal(t, GossipEntry{Key: "k2", Clock: "clockB", Value: "v2"}, entries[1])
}

func TestDecodeGossipBlobEmpty(t *testing.T) {
	entries, err := DecodeGossipBlob("")
	require.NoError(t, err)
	assert.Nil(t, entries)
}
