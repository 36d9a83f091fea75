package node

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvmesh/internal/shardscheme"
	"github.com/dreamware/kvmesh/internal/vectorclock"
	"github.com/dreamware/kvmesh/internal/wire"
)

func singleShardScheme(t *testing.T, addrs ...string) shardscheme.Scheme {
	t.Helper()
	s, err := shardscheme.Initial(1, addrs)
	require.NoError(t, err)
	return s
}

func TestPutCreatesThenUpdates(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)

	res, err := n.Put("k", "v1", vectorclock.New())
	require.NoError(t, err)
	assert.Equal(t, PutCreated, res.Status)

	res, err = n.Put("k", "v2", res.Clock)
	require.NoError(t, err)
	assert.Equal(t, PutUpdated, res.Status)
}

func TestPutRejectsEmptyKey(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)

	_, err := n.Put("", "v", vectorclock.New())
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, KeyNotValid, coreErr.Kind)
}

func TestDeleteTombstonesExistingKey(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	put, err := n.Put("k", "v", vectorclock.New())
	require.NoError(t, err)

	del, err := n.Delete("k", put.Clock)
	require.NoError(t, err)
	assert.True(t, del.Deleted)

	has, err := n.Has("k", del.Clock)
	require.NoError(t, err)
	assert.False(t, has.Exists)
}

func TestDeleteAbsentKeyIsNoOp(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	del, err := n.Delete("nope", vectorclock.New())
	require.NoError(t, err)
	assert.False(t, del.Deleted)
}

func TestCountExcludesTombstones(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	put, err := n.Put("live", "v", vectorclock.New())
	require.NoError(t, err)
	_, err = n.Put("dead", "v", put.Clock)
	require.NoError(t, err)
	del, err := n.Delete("dead", put.Clock)
	require.NoError(t, err)

	assert.Equal(t, 1, n.Count())
	_ = del
}

func TestGetLocalFastPathSkipsFanout(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	put, err := n.Put("k", "v", vectorclock.New())
	require.NoError(t, err)

	res, err := n.Get(context.Background(), "k", put.Clock)
	require.NoError(t, err)
	assert.Equal(t, "v", res.Value)
	assert.True(t, res.Found)
}

func TestGetNotFoundOnEmptyStore(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	res, err := n.Get(context.Background(), "missing", vectorclock.New())
	require.NoError(t, err)
	assert.False(t, res.Found)
}

// TestGetFansOutToReplicaAndReconciles stands up a fake peer over
// HTTP implementing the directGet surface, and checks that a node
// with a stale/absent local value retrieves and adopts the peer's
// version.
func TestGetFansOutToReplicaAndReconciles(t *testing.T) {
	peerClock := vectorclock.Add(vectorclock.New(), "peer:1", 5)
	encoded := wire.EncodeDataVersionWithScheme(0, peerClock.String(), "from-peer")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/directGet" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		key := r.URL.Query().Get("key")
		if key != "k" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fmt.Fprint(w, encoded)
	}))
	defer srv.Close()

	peerAddr := srv.Listener.Addr().String()
	n := New("self", singleShardScheme(t, "self", peerAddr), nil)

	res, err := n.Get(context.Background(), "k", vectorclock.New())
	require.NoError(t, err)
	assert.Equal(t, "from-peer", res.Value)
	assert.True(t, res.Found)

	local, ok := n.currentStore().Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-peer", local.Value)
}

func TestGetReturnsWrongSchemeVersionWhenPeerIsAhead(t *testing.T) {
	encoded := wire.EncodeDataVersionWithScheme(9, vectorclock.New().String(), "v")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, encoded)
	}))
	defer srv.Close()

	peerAddr := srv.Listener.Addr().String()
	n := New("self", singleShardScheme(t, "self", peerAddr), nil)

	_, err := n.Get(context.Background(), "k", vectorclock.New())
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, WrongSchemeVersion, coreErr.Kind)
	assert.Equal(t, 9, coreErr.SchemeVersion)
}

func TestGetToleratesQuicklyRefusedPeerAndReportsNotFound(t *testing.T) {
	// Port 1 on loopback refuses the connection immediately rather than
	// hanging: the peer "answers" (with an error) well inside
	// FanoutTimeout, so this is the "absent from reconciliation" case,
	// not the "fan-out deadline elapsed" case below.
	n := New("self", singleShardScheme(t, "self", "127.0.0.1:1"), nil)

	res, err := n.Get(context.Background(), "k", vectorclock.New())
	require.NoError(t, err)
	assert.False(t, res.Found)
}

// TestGetFailsBadRequestWhenPeerNeverAnswers stands up a peer that
// accepts the connection but never writes a response, so the fan-out
// deadline elapses before every shard peer has answered. spec.md
// §4.4/§7: this must fail the whole read with BadRequest rather than
// reconcile over a partial set, since the silent peer might be holding
// a causally consistent version we can't safely ignore.
func TestGetFailsBadRequestWhenPeerNeverAnswers(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	peerAddr := srv.Listener.Addr().String()
	n := New("self", singleShardScheme(t, "self", peerAddr), nil)

	_, err := n.Get(context.Background(), "k", vectorclock.New())
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, BadRequest, coreErr.Kind)
}

func TestKeyToNodeServesLocallyWhenResponsible(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	addr, local := n.KeyToNode("anything")
	assert.True(t, local)
	assert.Empty(t, addr)
}

func TestKeyToNodeForwardsWhenNotResponsible(t *testing.T) {
	s, err := shardscheme.Initial(2, []string{"a", "b"})
	require.NoError(t, err)

	n := New("a", s, nil)
	shardID, ok := n.View().MyShardID()
	require.True(t, ok)

	otherShard := 1 - shardID
	// Find a key whose hash lands in the other shard.
	var key string
	for i := 0; i < 10000; i++ {
		candidate := fmt.Sprintf("key-%d", i)
		if s.ResponsibleShardID(shardscheme.HashKey(candidate)) == otherShard {
			key = candidate
			break
		}
	}
	require.NotEmpty(t, key)

	addr, local := n.KeyToNode(key)
	assert.False(t, local)
	assert.Equal(t, s.Shard(otherShard).NodeList()[0], addr)
}

func TestReshardPrepareRefusedWhileSwitchingPermitHeld(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	require.True(t, n.switchingPermit.TryDown())
	defer n.switchingPermit.Increment()

	next := shardscheme.AddNode(singleShardScheme(t, "a"), "b")
	err := n.ReshardPrepare(next)
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, PrepareRefused, coreErr.Kind)
}

func TestReshardSwitchNoOpWhenAlreadyAtVersion(t *testing.T) {
	scheme := singleShardScheme(t, "a")
	n := New("a", scheme, nil)

	err := n.ReshardSwitch(context.Background(), scheme.Version())
	require.NoError(t, err)
}

func TestReshardSwitchRefusedWithoutMatchingPrepare(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	err := n.ReshardSwitch(context.Background(), 99)
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, SwitchRefused, coreErr.Kind)
}

func TestReshardSwitchMovesLocalKeysWhenStillOwned(t *testing.T) {
	old := singleShardScheme(t, "a")
	n := New("a", old, nil)

	_, err := n.Put("k1", "v1", vectorclock.New())
	require.NoError(t, err)

	next := shardscheme.AddNode(old, "b")
	require.NoError(t, n.ReshardPrepare(next))
	require.NoError(t, n.ReshardSwitch(context.Background(), next.Version()))

	assert.Equal(t, next.Version(), n.View().Scheme().Version())
	dv, ok := n.currentStore().Get("k1")
	require.True(t, ok)
	assert.Equal(t, "v1", dv.Value)
}

func TestReshardMoveAcceptsCurrentVersion(t *testing.T) {
	scheme := singleShardScheme(t, "a")
	n := New("a", scheme, nil)

	body := wire.EncodeDataVersion(vectorclock.New().String(), "moved-in")
	require.NoError(t, n.ReshardMove(scheme.Version(), "k", body))

	dv, ok := n.currentStore().Get("k")
	require.True(t, ok)
	assert.Equal(t, "moved-in", dv.Value)
}

func TestReshardMoveAcceptsPreparedVersion(t *testing.T) {
	old := singleShardScheme(t, "a")
	n := New("a", old, nil)
	next := shardscheme.AddNode(old, "b")
	require.NoError(t, n.ReshardPrepare(next))

	body := wire.EncodeDataVersion(vectorclock.New().String(), "moved-in")
	require.NoError(t, n.ReshardMove(next.Version(), "k", body))

	_, preparedStore := n.loadPrepared()
	dv, ok := preparedStore.Get("k")
	require.True(t, ok)
	assert.Equal(t, "moved-in", dv.Value)
}

func TestReshardMoveRejectsUnknownVersion(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	body := wire.EncodeDataVersion(vectorclock.New().String(), "v")
	err := n.ReshardMove(777, "k", body)
	require.Error(t, err)

	var coreErr *CoreError
	require.ErrorAs(t, err, &coreErr)
	assert.Equal(t, MoveRejected, coreErr.Kind)
}

func TestDirectGetReturnsSchemeVersion(t *testing.T) {
	n := New("a", singleShardScheme(t, "a"), nil)
	_, err := n.Put("k", "v", vectorclock.New())
	require.NoError(t, err)

	dv, schemeVersion, ok := n.DirectGet("k")
	require.True(t, ok)
	assert.Equal(t, "v", dv.Value)
	assert.Equal(t, 0, schemeVersion)
}
