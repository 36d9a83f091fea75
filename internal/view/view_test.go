package view

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvmesh/internal/shardscheme"
)

func schemeOf(t *testing.T, numShards int, addrs ...string) shardscheme.Scheme {
	t.Helper()
	s, err := shardscheme.Initial(numShards, addrs)
	require.NoError(t, err)
	return s
}

func TestIsResponsibleForOwnShard(t *testing.T) {
	s := schemeOf(t, 1, "a", "b")
	v := New("a", s)

	assert.True(t, v.IsResponsibleFor(shardscheme.HashKey("any-key")))
}

func TestIsResponsibleForFalseWhenNotInShard(t *testing.T) {
	s := schemeOf(t, 1, "a", "b")
	v := New("ghost", s)

	assert.False(t, v.IsResponsibleFor(shardscheme.HashKey("any-key")))
}

func TestGetAddressesInShardDegenerateSingleton(t *testing.T) {
	s := schemeOf(t, 1, "a", "b")
	v := New("ghost", s)

	assert.Equal(t, []string{"ghost"}, v.GetAddressesInShard())
}

func TestGetAddressesInShardMembers(t *testing.T) {
	s := schemeOf(t, 1, "a", "b")
	v := New("a", s)

	assert.ElementsMatch(t, []string{"a", "b"}, v.GetAddressesInShard())
}

func TestHandleReadersDoNotBlockEachOther(t *testing.T) {
	h := NewHandle(New("a", schemeOf(t, 1, "a")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.AcquireRead()
			defer h.ReleaseRead()
			_ = h.Load()
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("concurrent readers blocked on each other")
	}
}

func TestHandleSwapWaitsForReaders(t *testing.T) {
	h := NewHandle(New("a", schemeOf(t, 1, "a")))
	h.AcquireRead()

	swapped := make(chan struct{})
	go func() {
		h.Swap(New("b", schemeOf(t, 1, "b")))
		close(swapped)
	}()

	select {
	case <-swapped:
		t.Fatal("swap completed while a reader still held the permit")
	case <-time.After(50 * time.Millisecond):
	}

	h.ReleaseRead()

	select {
	case <-swapped:
	case <-time.After(time.Second):
		t.Fatal("swap never completed after reader released")
	}

	assert.Equal(t, "b", h.Load().MyAddr())
}

func TestRandomPeerInShardIsAlwaysAMember(t *testing.T) {
	s := schemeOf(t, 1, "a", "b", "c")
	v := New("a", s)

	for i := 0; i < 20; i++ {
		peer := v.RandomPeerInShard()
		assert.Contains(t, []string{"a", "b", "c"}, peer)
	}
}
