package keydex

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeCacheGetPut(t *testing.T) {
	t.Parallel()

	cache, err := NewNodeCache(64)
	require.NoError(t, err)

	tree := uuid.New()
	n := &node{id: 1, leaf: true, keys: newTestKeys(t, EncodingTrie)}

	_, ok := cache.get(tree, 1, 1)
	assert.False(t, ok)

	cache.put(tree, 1, 1, n)
	got, ok := cache.get(tree, 1, 1)
	assert.True(t, ok)
	assert.Same(t, n, got)

	// Entries are keyed by generation and by tree identity.
	_, ok = cache.get(tree, 1, 2)
	assert.False(t, ok)
	_, ok = cache.get(uuid.New(), 1, 1)
	assert.False(t, ok)

	hits, misses := cache.Stats()
	assert.Equal(t, uint64(1), hits)
	assert.Equal(t, uint64(3), misses)
}

func TestNodeCacheBounded(t *testing.T) {
	t.Parallel()

	cache, err := NewNodeCache(MinCacheSize)
	require.NoError(t, err)

	tree := uuid.New()
	for i := 0; i < 10*MinCacheSize; i++ {
		cache.put(tree, NodeID(i), 1, &node{id: NodeID(i), leaf: true})
	}
	assert.LessOrEqual(t, cache.Len(), MinCacheSize)
}

func TestNodeCacheSizeFloor(t *testing.T) {
	t.Parallel()

	cache, err := NewNodeCache(1)
	require.NoError(t, err)
	tree := uuid.New()
	for i := 0; i < MinCacheSize; i++ {
		cache.put(tree, NodeID(i), 1, &node{id: NodeID(i), leaf: true})
	}
	assert.Positive(t, cache.Len())
}

// A cache hit must not serve a node mutated by a later generation:
// superseded nodes get fresh IDs, so old entries stay valid forever and
// new generations miss once, then refill.
func TestNodeCacheAcrossGenerations(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := NewMem()
	cache, err := NewNodeCache(256)
	require.NoError(t, err)

	tx := db.Begin(true)
	b, err := Open(ctx, tx, []byte("idx"), WithMinimumDegree(2), WithCache(cache))
	require.NoError(t, err)
	for i := 0; i < 60; i++ {
		_, _, err := b.Insert(ctx, tx, []byte(fmt.Sprintf("key%03d", i)), uint64(i))
		require.NoError(t, err)
	}
	require.NoError(t, b.Save(ctx, tx))
	require.NoError(t, tx.Commit(ctx))

	tx2 := db.Begin(true)
	b2, err := Open(ctx, tx2, []byte("idx"), WithCache(cache))
	require.NoError(t, err)
	_, _, err = b2.Insert(ctx, tx2, []byte("key000"), 999)
	require.NoError(t, err)
	require.NoError(t, b2.Save(ctx, tx2))
	require.NoError(t, tx2.Commit(ctx))

	tx3 := db.Begin(false)
	b3, err := Open(ctx, tx3, []byte("idx"), WithCache(cache))
	require.NoError(t, err)
	got, err := b3.Search(ctx, tx3, []byte("key000"))
	require.NoError(t, err)
	assert.Equal(t, uint64(999), got)

	got, err = b3.Search(ctx, tx3, []byte("key059"))
	require.NoError(t, err)
	assert.Equal(t, uint64(59), got)
}

func TestTinyCacheStillCorrect(t *testing.T) {
	t.Parallel()

	// A cache far smaller than the tree forces constant eviction and
	// re-reads; results must not change.
	ctx, tx, b := openTestTree(t, WithMinimumDegree(2), WithCacheSize(MinCacheSize))
	for i := 0; i < 50; i++ {
		_, _, err := b.Insert(ctx, tx, []byte(fmt.Sprintf("key%03d", i)), uint64(i))
		require.NoError(t, err)
	}
	require.NoError(t, b.Save(ctx, tx))
	for i := 0; i < 50; i++ {
		got, err := b.Search(ctx, tx, []byte(fmt.Sprintf("key%03d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i), got)
	}
}
