package shardscheme

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addrs(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = string(rune('a' + i))
	}
	return out
}

func TestInitialCoversWholeRing(t *testing.T) {
	s, err := Initial(4, addrs(8))
	require.NoError(t, err)

	assert.Equal(t, 0, s.Version())
	assert.Equal(t, 4, s.NumShards())
	assert.Equal(t, 8, s.NumNodes())

	// Last shard's hash is hashBase*numShards, which can fall just short
	// of the top of the ring; keys at or above it wrap to shard 0, so
	// every key still hashes to some shard (V5: totality).
	assert.Equal(t, uint64(0xffffffffffffffff)/4*4, s.Shard(3).Hash)
}

func TestInitialRejectsNonPositiveShardCount(t *testing.T) {
	_, err := Initial(0, nil)
	assert.Error(t, err)
}

func TestResponsibleShardIDWrapsToZero(t *testing.T) {
	s, err := Initial(3, addrs(3))
	require.NoError(t, err)

	last := s.Shard(2).Hash
	// The exact boundary value and anything above it belong to no
	// shard's strict ">" test, so ownership wraps to shard 0.
	assert.Equal(t, 0, s.ResponsibleShardID(last))
	assert.Equal(t, 0, s.ResponsibleShardID(last+1))
	// One below the boundary is still inside the last shard's segment.
	assert.Equal(t, 2, s.ResponsibleShardID(last-1))
}

func TestAddNodeGrowsSmallestShard(t *testing.T) {
	s, err := Initial(2, []string{"x"})
	require.NoError(t, err)

	before0, before1 := len(s.Shard(0).Nodes), len(s.Shard(1).Nodes)

	next := AddNode(s, "y")
	assert.Equal(t, s.Version()+1, next.Version())
	assert.Equal(t, s.NumNodes()+1, next.NumNodes())

	grew0 := len(next.Shard(0).Nodes) > before0
	grew1 := len(next.Shard(1).Nodes) > before1
	assert.True(t, grew0 != grew1, "exactly one shard should have grown")
}

func TestDelNodeRemovesAddress(t *testing.T) {
	s, err := Initial(2, addrs(4))
	require.NoError(t, err)

	shardID, ok := s.ShardIDForAddress("a")
	require.True(t, ok)
	_ = shardID

	next := DelNode(s, "a")
	assert.Equal(t, s.Version()+1, next.Version())
	assert.Equal(t, s.NumNodes()-1, next.NumNodes())

	_, stillThere := next.ShardIDForAddress("a")
	assert.False(t, stillThere)
}

func TestDelNodeUnknownAddressIsNoOp(t *testing.T) {
	s, err := Initial(2, addrs(4))
	require.NoError(t, err)

	next := DelNode(s, "not-a-member")

	assert.Equal(t, s.Version(), next.Version())
	assert.Equal(t, s.NumNodes(), next.NumNodes())
}

func TestReshardRedistributesAllNodes(t *testing.T) {
	s, err := Initial(2, addrs(6))
	require.NoError(t, err)

	next, err := Reshard(s, 3)
	require.NoError(t, err)

	assert.Equal(t, s.Version()+1, next.Version())
	assert.Equal(t, 3, next.NumShards())
	assert.Equal(t, 6, next.NumNodes())
}

func TestReshardRejectsNonPositiveShardCount(t *testing.T) {
	s, err := Initial(1, addrs(2))
	require.NoError(t, err)

	_, err = Reshard(s, 0)
	assert.Error(t, err)
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	s, err := Initial(3, addrs(5))
	require.NoError(t, err)

	encoded := Serialize(s, "|&")
	decoded, err := Deserialize(encoded, "|&")
	require.NoError(t, err)

	assert.Equal(t, s.Version(), decoded.Version())
	assert.Equal(t, s.NumShards(), decoded.NumShards())
	assert.Equal(t, s.NumNodes(), decoded.NumNodes())
	for id := 0; id < s.NumShards(); id++ {
		assert.Equal(t, s.Shard(id).Hash, decoded.Shard(id).Hash)
		assert.Equal(t, s.Shard(id).NodeList(), decoded.Shard(id).NodeList())
	}
}

func TestDeserializeRejectsTruncatedInput(t *testing.T) {
	_, err := Deserialize("3", "")
	assert.Error(t, err)
}

func TestHashKeyDeterministic(t *testing.T) {
	assert.Equal(t, HashKey("same-key"), HashKey("same-key"))
}
