package keydex

import (
	"context"
	"fmt"

	"keydex/internal/bkeys"
)

// nodeStore mediates every node read and write of one tree handle. It
// keeps the transaction-private write set (nodes copied under fresh
// IDs and not yet flushed) and the list of persisted IDs those copies
// superseded, which Save hands off to the compaction worker.
//
// Reads go dirty set, then shared cache, then storage. A node fetched
// from cache or storage is immutable; writable returns a private copy
// before any mutation.
type nodeStore struct {
	prefix []byte
	state  *BState
	cache  *NodeCache
	log    Logger

	dirty map[NodeID]*node
	freed []NodeID
}

func newNodeStore(prefix []byte, state *BState, cache *NodeCache, log Logger) *nodeStore {
	return &nodeStore{
		prefix: prefix,
		state:  state,
		cache:  cache,
		log:    log,
		dirty:  make(map[NodeID]*node),
	}
}

func (s *nodeStore) alloc() NodeID {
	id := s.state.NextNode
	s.state.NextNode++
	return id
}

// create allocates a fresh node in the write set.
func (s *nodeStore) create(leaf bool) (*node, error) {
	keys, err := bkeys.New(s.state.Encoding)
	if err != nil {
		return nil, err
	}
	n := &node{id: s.alloc(), leaf: leaf, keys: keys}
	s.dirty[n.id] = n
	return n, nil
}

// adopt assigns a fresh ID to a node built in memory, such as the
// right half of a split, and registers it in the write set.
func (s *nodeStore) adopt(n *node) *node {
	n.id = s.alloc()
	s.dirty[n.id] = n
	return n
}

// load fetches a node by ID: write set first, then the shared cache
// under the tree's current generation, then storage.
func (s *nodeStore) load(ctx context.Context, tx Tx, id NodeID) (*node, error) {
	if n, ok := s.dirty[id]; ok {
		return n, nil
	}
	if n, ok := s.cache.get(s.state.TreeID, id, s.state.Generation); ok {
		return n, nil
	}

	data, err := tx.Get(ctx, nodeKey(s.prefix, id))
	if err != nil {
		return nil, fmt.Errorf("load node %d: %w", id, err)
	}
	n, err := decodeNode(data, id)
	if err != nil {
		s.log.Error("node decode failed", "node", id, "error", err)
		return nil, err
	}
	if n.keys.Len() > int(2*s.state.MinimumDegree-1) {
		return nil, fmt.Errorf("%w: node %d holds %d keys, maximum is %d",
			ErrStructure, id, n.keys.Len(), 2*s.state.MinimumDegree-1)
	}
	s.cache.put(s.state.TreeID, id, s.state.Generation, n)
	return n, nil
}

// writable returns a copy of n that may be mutated: n itself when it
// is already part of the write set, otherwise a clone under a fresh ID
// with the persisted original marked for compaction.
func (s *nodeStore) writable(n *node) *node {
	if _, ok := s.dirty[n.id]; ok {
		return n
	}
	c := n.clone(s.alloc())
	s.dirty[c.id] = c
	s.freed = append(s.freed, n.id)
	return c
}

// release drops a node that is no longer referenced. A node still in
// the write set was never persisted and simply disappears; a persisted
// node is handed to the compaction worker instead, because readers on
// earlier generations may still reach it.
func (s *nodeStore) release(id NodeID) {
	if _, ok := s.dirty[id]; ok {
		delete(s.dirty, id)
		return
	}
	s.freed = append(s.freed, id)
}

// flush writes every node in the write set and primes the cache under
// the generation those nodes will belong to. Returns the total encoded
// size written.
func (s *nodeStore) flush(ctx context.Context, tx Tx, gen uint64) (int, error) {
	written := 0
	for id, n := range s.dirty {
		data, err := n.encode()
		if err != nil {
			return 0, err
		}
		if err := tx.Set(ctx, nodeKey(s.prefix, id), data); err != nil {
			return 0, fmt.Errorf("flush node %d: %w", id, err)
		}
		s.cache.put(s.state.TreeID, id, gen, n)
		written += len(data)
	}
	return written, nil
}

func (s *nodeStore) reset() {
	s.dirty = make(map[NodeID]*node)
	s.freed = nil
}
