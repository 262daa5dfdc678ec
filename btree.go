package keydex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"keydex/internal/bkeys"
)

// BTree is one ordered index mapping byte-string keys to 64-bit
// payloads, stored as copy-on-write nodes in an external transactional
// key-value store. A handle is single-threaded: at most one operation
// runs at a time, and every operation runs against the caller's Tx.
// Mutations accumulate in a private write set until Save flushes them
// and advances the generation; readers holding an earlier state never
// observe them.
type BTree struct {
	prefix  []byte
	state   BState
	store   *nodeStore
	log     Logger
	dropped bool
}

// Statistics summarizes a full tree traversal.
type Statistics struct {
	KeysCount  uint64
	NodesCount uint64
	MaxDepth   uint32
	TotalSize  uint64
}

// Open loads the tree persisted under prefix, or prepares a fresh one
// if none exists yet. Degree and encoding options apply only to a
// fresh tree; a persisted BState wins over both. A fresh tree is not
// durable until the first Save.
func Open(ctx context.Context, tx Tx, prefix []byte, opts ...Option) (*BTree, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.minimumDegree < 2 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDegree, o.minimumDegree)
	}
	if !o.encoding.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidEncoding, uint8(o.encoding))
	}
	cache := o.cache
	if cache == nil {
		var err error
		cache, err = NewNodeCache(o.cacheSize)
		if err != nil {
			return nil, err
		}
	}

	var state *BState
	data, err := tx.Get(ctx, stateKey(prefix))
	switch {
	case err == nil:
		state, err = decodeState(data)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, ErrKeyNotFound):
		state = &BState{
			MinimumDegree: o.minimumDegree,
			NextNode:      1,
			Encoding:      o.encoding,
			TreeID:        uuid.New(),
		}
	default:
		return nil, fmt.Errorf("load state: %w", err)
	}

	b := &BTree{
		prefix: bytes.Clone(prefix),
		state:  *state,
		log:    o.logger,
	}
	b.store = newNodeStore(b.prefix, &b.state, cache, o.logger)
	b.log.Info("index opened",
		"generation", b.state.Generation,
		"degree", b.state.MinimumDegree,
		"encoding", b.state.Encoding.String())
	return b, nil
}

// Generation returns the tree's current committed generation.
func (b *BTree) Generation() uint64 {
	return b.state.Generation
}

// MinimumDegree returns the tree's degree bound t.
func (b *BTree) MinimumDegree() uint32 {
	return b.state.MinimumDegree
}

func (b *BTree) usable() error {
	if b.dropped {
		return ErrTreeDropped
	}
	return nil
}

// Search returns the payload stored under key, or ErrKeyNotFound.
func (b *BTree) Search(ctx context.Context, tx Tx, key []byte) (uint64, error) {
	if err := b.usable(); err != nil {
		return 0, err
	}
	if b.state.Root == nil {
		return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	id := *b.state.Root
	for {
		n, err := b.store.load(ctx, tx, id)
		if err != nil {
			return 0, err
		}
		if payload, ok := n.keys.Get(key); ok {
			return payload, nil
		}
		if n.leaf {
			return 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		i, err := n.keys.ChildIndex(key)
		if err != nil {
			return 0, err
		}
		id = n.children[i]
	}
}

// Insert stores payload under key and returns the previous payload
// when the key already existed. The tree splits full nodes on the way
// down, so no node ever exceeds 2t-1 keys.
func (b *BTree) Insert(ctx context.Context, tx Tx, key []byte, payload uint64) (uint64, bool, error) {
	if err := b.usable(); err != nil {
		return 0, false, err
	}
	if len(key) == 0 {
		return 0, false, ErrKeyEmpty
	}

	if b.state.Root == nil {
		root, err := b.store.create(true)
		if err != nil {
			return 0, false, err
		}
		root.keys.Insert(key, payload)
		b.setRoot(root.id)
		return 0, false, nil
	}

	root, err := b.store.load(ctx, tx, *b.state.Root)
	if err != nil {
		return 0, false, err
	}
	if root.full(b.state.MinimumDegree) {
		// Grow the tree by one level: the old root becomes the only
		// child of a fresh root and is split immediately.
		newRoot, err := b.store.create(false)
		if err != nil {
			return 0, false, err
		}
		newRoot.children = []NodeID{root.id}
		if err := b.splitChild(ctx, tx, newRoot, 0); err != nil {
			return 0, false, err
		}
		root = newRoot
	}

	n, prev, replaced, err := b.insertNonFull(ctx, tx, root, key, payload)
	if err != nil {
		return 0, false, err
	}
	b.setRoot(n.id)
	return prev, replaced, nil
}

func (b *BTree) setRoot(id NodeID) {
	root := id
	b.state.Root = &root
}

// splitChild splits the full child at position i of parent around its
// median entry. The median moves up into parent; the child keeps the
// strictly smaller half and a fresh right sibling takes the strictly
// greater half. parent must already be in the write set.
func (b *BTree) splitChild(ctx context.Context, tx Tx, parent *node, i int) error {
	child, err := b.store.load(ctx, tx, parent.children[i])
	if err != nil {
		return err
	}
	child = b.store.writable(child)

	sk, err := child.keys.Split()
	if err != nil {
		return err
	}
	child.keys = sk.Left
	right := b.store.adopt(&node{leaf: child.leaf, keys: sk.Right})
	if !child.leaf {
		right.children = slices.Clone(child.children[sk.MedianIdx+1:])
		child.children = child.children[:sk.MedianIdx+1]
	}

	parent.keys.Insert(sk.MedianKey, sk.MedianPayload)
	parent.children = slices.Insert(parent.children, i+1, right.id)
	parent.children[i] = child.id
	return nil
}

// insertNonFull descends from a non-full node to the target position,
// splitting any full child before entering it. Returns the write-set
// copy of n so the caller can rebind its child pointer.
func (b *BTree) insertNonFull(ctx context.Context, tx Tx, n *node, key []byte, payload uint64) (*node, uint64, bool, error) {
	n = b.store.writable(n)

	if n.leaf {
		prev, replaced := n.keys.Insert(key, payload)
		return n, prev, replaced, nil
	}
	if prev, ok := n.keys.Get(key); ok {
		n.keys.Insert(key, payload)
		return n, prev, true, nil
	}

	i, err := n.keys.ChildIndex(key)
	if err != nil {
		return nil, 0, false, err
	}
	child, err := b.store.load(ctx, tx, n.children[i])
	if err != nil {
		return nil, 0, false, err
	}
	if child.full(b.state.MinimumDegree) {
		if err := b.splitChild(ctx, tx, n, i); err != nil {
			return nil, 0, false, err
		}
		// The promoted median may be the key itself; otherwise pick
		// which of the two halves to enter.
		if prev, ok := n.keys.Get(key); ok {
			n.keys.Insert(key, payload)
			return n, prev, true, nil
		}
		if i, err = n.keys.ChildIndex(key); err != nil {
			return nil, 0, false, err
		}
		if child, err = b.store.load(ctx, tx, n.children[i]); err != nil {
			return nil, 0, false, err
		}
	}

	nc, prev, replaced, err := b.insertNonFull(ctx, tx, child, key, payload)
	if err != nil {
		return nil, 0, false, err
	}
	n.children[i] = nc.id
	return n, prev, replaced, nil
}

// Delete removes key and returns the payload it held, or
// ErrKeyNotFound. Children one key away from underflow are refilled
// on the way down, so the recursion never operates on a node below
// t-1 keys.
func (b *BTree) Delete(ctx context.Context, tx Tx, key []byte) (uint64, error) {
	if err := b.usable(); err != nil {
		return 0, err
	}
	// Probe first so a miss leaves the write set untouched.
	if _, err := b.Search(ctx, tx, key); err != nil {
		return 0, err
	}

	root, err := b.store.load(ctx, tx, *b.state.Root)
	if err != nil {
		return 0, err
	}
	n, prev, err := b.deleteFrom(ctx, tx, root, key)
	if err != nil {
		return 0, err
	}

	switch {
	case !n.leaf && n.keys.Len() == 0:
		// The root lost its last separator in a merge; its single
		// surviving child becomes the root and the tree shrinks by
		// one level.
		child := n.children[0]
		b.store.release(n.id)
		b.setRoot(child)
	case n.leaf && n.keys.Len() == 0:
		b.store.release(n.id)
		b.state.Root = nil
	default:
		b.setRoot(n.id)
	}
	return prev, nil
}

func (b *BTree) deleteFrom(ctx context.Context, tx Tx, n *node, key []byte) (*node, uint64, error) {
	if n.leaf {
		n = b.store.writable(n)
		prev, ok := n.keys.Remove(key)
		if !ok {
			return nil, 0, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
		}
		return n, prev, nil
	}

	if prev, ok := n.keys.Get(key); ok {
		n = b.store.writable(n)
		idx, err := n.keys.ChildIndex(key)
		if err != nil {
			return nil, 0, err
		}

		left, err := b.store.load(ctx, tx, n.children[idx])
		if err != nil {
			return nil, 0, err
		}
		if left.keys.Len() >= int(b.state.MinimumDegree) {
			// Replace the key with its in-order predecessor, then
			// delete the predecessor from the left subtree.
			pk, pv, err := b.findPredecessor(ctx, tx, left)
			if err != nil {
				return nil, 0, err
			}
			n.keys.Remove(key)
			n.keys.Insert(pk, pv)
			nl, _, err := b.deleteFrom(ctx, tx, left, pk)
			if err != nil {
				return nil, 0, err
			}
			n.children[idx] = nl.id
			return n, prev, nil
		}

		right, err := b.store.load(ctx, tx, n.children[idx+1])
		if err != nil {
			return nil, 0, err
		}
		if right.keys.Len() >= int(b.state.MinimumDegree) {
			sk, sv, err := b.findSuccessor(ctx, tx, right)
			if err != nil {
				return nil, 0, err
			}
			n.keys.Remove(key)
			n.keys.Insert(sk, sv)
			nr, _, err := b.deleteFrom(ctx, tx, right, sk)
			if err != nil {
				return nil, 0, err
			}
			n.children[idx+1] = nr.id
			return n, prev, nil
		}

		// Both children sit at t-1: merge them around the key, then
		// delete the key from the merged node.
		merged, err := b.mergeChildren(ctx, tx, n, idx)
		if err != nil {
			return nil, 0, err
		}
		nm, _, err := b.deleteFrom(ctx, tx, merged, key)
		if err != nil {
			return nil, 0, err
		}
		n.children[idx] = nm.id
		return n, prev, nil
	}

	i, err := n.keys.ChildIndex(key)
	if err != nil {
		return nil, 0, err
	}
	child, err := b.store.load(ctx, tx, n.children[i])
	if err != nil {
		return nil, 0, err
	}
	n = b.store.writable(n)
	if child.minimal(b.state.MinimumDegree) {
		child, i, err = b.fillChild(ctx, tx, n, i, child)
		if err != nil {
			return nil, 0, err
		}
	}
	nc, prev, err := b.deleteFrom(ctx, tx, child, key)
	if err != nil {
		return nil, 0, err
	}
	n.children[i] = nc.id
	return n, prev, nil
}

// fillChild brings the child at position i up to at least t keys
// before the deletion descends into it, by rotating an entry from a
// sibling with keys to spare or merging with a sibling at t-1. Returns
// the node to descend into and its position, which shifts left when
// the child merges into its left sibling.
func (b *BTree) fillChild(ctx context.Context, tx Tx, n *node, i int, child *node) (*node, int, error) {
	t := int(b.state.MinimumDegree)

	if i > 0 {
		left, err := b.store.load(ctx, tx, n.children[i-1])
		if err != nil {
			return nil, 0, err
		}
		if left.keys.Len() >= t {
			child = b.store.writable(child)
			if err := b.borrowFromLeft(ctx, tx, n, i, child, left); err != nil {
				return nil, 0, err
			}
			return child, i, nil
		}
	}
	if i < len(n.children)-1 {
		right, err := b.store.load(ctx, tx, n.children[i+1])
		if err != nil {
			return nil, 0, err
		}
		if right.keys.Len() >= t {
			child = b.store.writable(child)
			if err := b.borrowFromRight(ctx, tx, n, i, child, right); err != nil {
				return nil, 0, err
			}
			return child, i, nil
		}
	}

	if i > 0 {
		merged, err := b.mergeChildren(ctx, tx, n, i-1)
		if err != nil {
			return nil, 0, err
		}
		return merged, i - 1, nil
	}
	merged, err := b.mergeChildren(ctx, tx, n, i)
	if err != nil {
		return nil, 0, err
	}
	return merged, i, nil
}

// separatorAt returns the separator entry at position idx of n.
func (b *BTree) separatorAt(n *node, idx int) ([]byte, uint64, error) {
	key, err := n.keys.KeyAt(idx)
	if err != nil {
		return nil, 0, err
	}
	if key == nil {
		return nil, 0, fmt.Errorf("%w: node %d has no separator at %d", ErrStructure, n.id, idx)
	}
	payload, ok := n.keys.Get(key)
	if !ok {
		return nil, 0, fmt.Errorf("%w: node %d separator %q has no payload", ErrStructure, n.id, key)
	}
	return key, payload, nil
}

// borrowFromLeft rotates the left sibling's largest entry through the
// parent separator into child. n and child must be in the write set.
func (b *BTree) borrowFromLeft(ctx context.Context, tx Tx, n *node, i int, child, left *node) error {
	left = b.store.writable(left)
	sepKey, sepPayload, err := b.separatorAt(n, i-1)
	if err != nil {
		return err
	}
	lk, lv, err := left.keys.LastEntry()
	if err != nil {
		return err
	}
	if lk == nil {
		return fmt.Errorf("%w: node %d is empty", ErrStructure, left.id)
	}

	left.keys.Remove(lk)
	child.keys.Insert(sepKey, sepPayload)
	n.keys.Remove(sepKey)
	n.keys.Insert(lk, lv)
	if !child.leaf {
		last := len(left.children) - 1
		child.children = slices.Insert(child.children, 0, left.children[last])
		left.children = left.children[:last]
	}

	n.children[i-1] = left.id
	n.children[i] = child.id
	return nil
}

// borrowFromRight rotates the right sibling's smallest entry through
// the parent separator into child. n and child must be in the write
// set.
func (b *BTree) borrowFromRight(ctx context.Context, tx Tx, n *node, i int, child, right *node) error {
	right = b.store.writable(right)
	sepKey, sepPayload, err := b.separatorAt(n, i)
	if err != nil {
		return err
	}
	rk, rv, err := right.keys.FirstEntry()
	if err != nil {
		return err
	}
	if rk == nil {
		return fmt.Errorf("%w: node %d is empty", ErrStructure, right.id)
	}

	right.keys.Remove(rk)
	child.keys.Insert(sepKey, sepPayload)
	n.keys.Remove(sepKey)
	n.keys.Insert(rk, rv)
	if !child.leaf {
		child.children = append(child.children, right.children[0])
		right.children = slices.Delete(right.children, 0, 1)
	}

	n.children[i] = child.id
	n.children[i+1] = right.id
	return nil
}

// mergeChildren folds the separator at idx and the child at idx+1 into
// the child at idx, shrinking n by one key and one child. n must be in
// the write set. Returns the merged node.
func (b *BTree) mergeChildren(ctx context.Context, tx Tx, n *node, idx int) (*node, error) {
	left, err := b.store.load(ctx, tx, n.children[idx])
	if err != nil {
		return nil, err
	}
	right, err := b.store.load(ctx, tx, n.children[idx+1])
	if err != nil {
		return nil, err
	}
	if left.leaf != right.leaf {
		return nil, fmt.Errorf("%w: merging leaf node %d with internal node %d", ErrStructure, left.id, right.id)
	}
	left = b.store.writable(left)

	sepKey, sepPayload, err := b.separatorAt(n, idx)
	if err != nil {
		return nil, err
	}
	left.keys.Insert(sepKey, sepPayload)
	entries, err := right.keys.Entries()
	if err != nil {
		return nil, err
	}
	if err := left.keys.Append(entries); err != nil {
		return nil, err
	}
	if !left.leaf {
		left.children = append(left.children, right.children...)
	}
	b.store.release(right.id)

	n.keys.Remove(sepKey)
	n.children = slices.Delete(n.children, idx+1, idx+2)
	n.children[idx] = left.id
	return left, nil
}

// findPredecessor returns the largest entry in the subtree rooted at n.
func (b *BTree) findPredecessor(ctx context.Context, tx Tx, n *node) ([]byte, uint64, error) {
	for !n.leaf {
		var err error
		n, err = b.store.load(ctx, tx, n.children[len(n.children)-1])
		if err != nil {
			return nil, 0, err
		}
	}
	key, payload, err := n.keys.LastEntry()
	if err != nil {
		return nil, 0, err
	}
	if key == nil {
		return nil, 0, fmt.Errorf("%w: node %d is empty", ErrStructure, n.id)
	}
	return key, payload, nil
}

// findSuccessor returns the smallest entry in the subtree rooted at n.
func (b *BTree) findSuccessor(ctx context.Context, tx Tx, n *node) ([]byte, uint64, error) {
	for !n.leaf {
		var err error
		n, err = b.store.load(ctx, tx, n.children[0])
		if err != nil {
			return nil, 0, err
		}
	}
	key, payload, err := n.keys.FirstEntry()
	if err != nil {
		return nil, 0, err
	}
	if key == nil {
		return nil, 0, fmt.Errorf("%w: node %d is empty", ErrStructure, n.id)
	}
	return key, payload, nil
}

// Statistics traverses the whole tree. Diagnostics only; cost is one
// visit per node.
func (b *BTree) Statistics(ctx context.Context, tx Tx) (Statistics, error) {
	if err := b.usable(); err != nil {
		return Statistics{}, err
	}
	var st Statistics
	if b.state.Root == nil {
		return st, nil
	}
	if err := b.collectStatistics(ctx, tx, *b.state.Root, 1, &st); err != nil {
		return Statistics{}, err
	}
	return st, nil
}

func (b *BTree) collectStatistics(ctx context.Context, tx Tx, id NodeID, depth uint32, st *Statistics) error {
	n, err := b.store.load(ctx, tx, id)
	if err != nil {
		return err
	}
	st.NodesCount++
	st.KeysCount += uint64(n.keys.Len())
	if depth > st.MaxDepth {
		st.MaxDepth = depth
	}
	data, err := n.encode()
	if err != nil {
		return err
	}
	st.TotalSize += uint64(len(data))
	for _, child := range n.children {
		if err := b.collectStatistics(ctx, tx, child, depth+1, st); err != nil {
			return err
		}
	}
	return nil
}

// Save flushes the write set, records superseded nodes for the
// compaction worker, and advances the persisted state to the next
// generation. Nothing is durable until the caller commits the Tx; the
// state record is written last so a torn transaction can never publish
// a root with missing nodes.
func (b *BTree) Save(ctx context.Context, tx Tx) error {
	if err := b.usable(); err != nil {
		return err
	}
	if len(b.store.dirty) == 0 && len(b.store.freed) == 0 && b.state.Generation > 0 {
		return nil
	}

	nextGen := b.state.Generation + 1
	flushed := len(b.store.dirty)
	written, err := b.store.flush(ctx, tx, nextGen)
	if err != nil {
		return err
	}
	if len(b.store.freed) > 0 {
		rec := &CompactionRecord{Generation: nextGen, Freed: slices.Clone(b.store.freed)}
		slices.Sort(rec.Freed)
		data, err := rec.Encode()
		if err != nil {
			return err
		}
		if err := tx.Set(ctx, CompactionRecordKey(b.prefix, nextGen), data); err != nil {
			return fmt.Errorf("write compaction record: %w", err)
		}
	}

	b.state.Generation = nextGen
	data, err := encodeState(&b.state)
	if err != nil {
		return err
	}
	if err := tx.Set(ctx, stateKey(b.prefix), data); err != nil {
		return fmt.Errorf("write state: %w", err)
	}

	b.log.Info("index saved",
		"generation", nextGen,
		"nodes", flushed,
		"freed", len(b.store.freed),
		"bytes", written)
	b.store.reset()
	return nil
}

// Drop deletes everything the tree persisted under its prefix,
// including pending compaction records. The handle is unusable
// afterwards.
func (b *BTree) Drop(ctx context.Context, tx Tx) error {
	if err := b.usable(); err != nil {
		return err
	}
	begin := append(append([]byte{}, b.prefix...), '!')
	var keys [][]byte
	err := tx.Scan(ctx, begin, bkeys.PrefixSuccessor(begin), func(key, _ []byte) error {
		keys = append(keys, bytes.Clone(key))
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := tx.Del(ctx, key); err != nil {
			return err
		}
	}
	b.dropped = true
	b.store.reset()
	b.log.Info("index dropped", "keys", len(keys))
	return nil
}
