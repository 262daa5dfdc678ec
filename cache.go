package keydex

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/google/uuid"
)

const (
	// DefaultCacheSize is the default bound on cached node versions.
	DefaultCacheSize = 4096
	// MinCacheSize keeps room for one root-to-leaf path plus siblings.
	MinCacheSize = 16
)

// cacheKey identifies one immutable node version. The tree's durable
// ID namespaces entries so a single shared cache can serve many trees.
type cacheKey struct {
	tree uuid.UUID
	id   NodeID
	gen  uint64
}

func hashCacheKey(k cacheKey) uint32 {
	var b [32]byte
	copy(b[:16], k.tree[:])
	binary.BigEndian.PutUint64(b[16:24], uint64(k.id))
	binary.BigEndian.PutUint64(b[24:32], k.gen)
	return uint32(xxhash.Sum64(b[:]))
}

// NodeCache is a bounded read-through cache of deserialized nodes,
// keyed by (tree, node, generation). Cached nodes are immutable once
// inserted; mutators copy before writing, so entries are safe to share
// across operations and across trees. A miss costs one storage read
// plus a decode.
type NodeCache struct {
	lru *freelru.SyncedLRU[cacheKey, *node]

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewNodeCache creates a cache bounded to size node versions.
func NewNodeCache(size int) (*NodeCache, error) {
	if size < MinCacheSize {
		size = MinCacheSize
	}
	lru, err := freelru.NewSynced[cacheKey, *node](uint32(size), hashCacheKey)
	if err != nil {
		return nil, err
	}
	return &NodeCache{lru: lru}, nil
}

func (c *NodeCache) get(tree uuid.UUID, id NodeID, gen uint64) (*node, bool) {
	n, ok := c.lru.Get(cacheKey{tree: tree, id: id, gen: gen})
	if ok {
		c.hits.Add(1)
		return n, true
	}
	c.misses.Add(1)
	return nil, false
}

func (c *NodeCache) put(tree uuid.UUID, id NodeID, gen uint64, n *node) {
	c.lru.Add(cacheKey{tree: tree, id: id, gen: gen}, n)
}

// Stats returns the cumulative hit and miss counts.
func (c *NodeCache) Stats() (hits, misses uint64) {
	return c.hits.Load(), c.misses.Load()
}

// Len returns the number of cached node versions.
func (c *NodeCache) Len() int {
	return c.lru.Len()
}
