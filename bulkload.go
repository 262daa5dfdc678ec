package keydex

import (
	"bytes"
	"context"
	"fmt"
	"slices"

	"keydex/internal/bkeys"
)

// BulkLoader builds a tree bottom-up from a sorted key stream, writing
// each node exactly once instead of descending and splitting per key.
// Keys must arrive in strictly ascending order and the tree must be
// empty. Finish persists the result as a single generation.
type BulkLoader struct {
	b  *BTree
	tx Tx

	// levels[0] accumulates leaves; higher levels accumulate the
	// internal nodes built from promoted separators.
	levels  []*loadLevel
	lastKey []byte
	count   int
	done    bool
}

// loadLevel is one level of the bottom-up build. current is the node
// being filled; pending is the previously closed node, held back until
// its right sibling closes so the tail of the level can still be
// redistributed.
type loadLevel struct {
	current    *node
	pending    *node
	pendingSep bkeys.Entry
}

// NewBulkLoader starts a bulk load into this tree. The tree must hold
// no keys and no unsaved changes.
func (b *BTree) NewBulkLoader(ctx context.Context, tx Tx) (*BulkLoader, error) {
	if err := b.usable(); err != nil {
		return nil, err
	}
	if b.state.Root != nil || len(b.store.dirty) > 0 {
		return nil, ErrTreeNotEmpty
	}
	return &BulkLoader{b: b, tx: tx}, nil
}

func (ld *BulkLoader) maxKeys() int {
	return int(2*ld.b.state.MinimumDegree - 1)
}

func (ld *BulkLoader) level(i int) *loadLevel {
	for len(ld.levels) <= i {
		ld.levels = append(ld.levels, &loadLevel{})
	}
	return ld.levels[i]
}

// Add appends one entry. Keys must be strictly ascending.
func (ld *BulkLoader) Add(key []byte, payload uint64) error {
	if ld.done {
		return ErrLoaderDone
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if ld.lastKey != nil && bytes.Compare(key, ld.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrKeysUnsorted, key, ld.lastKey)
	}

	entry := bkeys.Entry{Key: bytes.Clone(key), Payload: payload}
	l := ld.level(0)
	if l.current == nil {
		var err error
		if l.current, err = ld.b.store.create(true); err != nil {
			return err
		}
	}
	if l.current.keys.Len() == ld.maxKeys() {
		// The arriving entry becomes the separator above this leaf;
		// the next entry opens a fresh one.
		closed := l.current
		l.current = nil
		if err := ld.promote(0, closed, entry); err != nil {
			return err
		}
	} else {
		l.current.keys.Insert(entry.Key, entry.Payload)
	}

	ld.lastKey = entry.Key
	ld.count++
	return nil
}

// promote holds a closed node back as the level's pending tail,
// pushing the previous pending node and its separator up a level.
func (ld *BulkLoader) promote(level int, closed *node, sep bkeys.Entry) error {
	l := ld.level(level)
	if l.pending != nil {
		if err := ld.addToParent(level+1, l.pending, l.pendingSep); err != nil {
			return err
		}
	}
	l.pending = closed
	l.pendingSep = sep
	return nil
}

// addToParent feeds a finished child and its following separator into
// the internal node being built one level up.
func (ld *BulkLoader) addToParent(level int, child *node, sep bkeys.Entry) error {
	l := ld.level(level)
	if l.current == nil {
		var err error
		if l.current, err = ld.b.store.create(false); err != nil {
			return err
		}
	}
	l.current.children = append(l.current.children, child.id)
	if l.current.keys.Len() == ld.maxKeys() {
		closed := l.current
		l.current = nil
		return ld.promote(level, closed, sep)
	}
	l.current.keys.Insert(sep.Key, sep.Payload)
	return nil
}

// mergeTail redistributes a level's pending node, its separator and
// the deficient tail node: into one node when everything fits, or two
// halves around a fresh median otherwise. Returns the level's new tail.
func (ld *BulkLoader) mergeTail(l *loadLevel, cur *node) (*node, error) {
	p := l.pending
	p.keys.Insert(l.pendingSep.Key, l.pendingSep.Payload)
	entries, err := cur.keys.Entries()
	if err != nil {
		return nil, err
	}
	if err := p.keys.Append(entries); err != nil {
		return nil, err
	}
	if !p.leaf {
		p.children = append(p.children, cur.children...)
	}

	if p.keys.Len() <= ld.maxKeys() {
		ld.b.store.release(cur.id)
		l.pending = nil
		return p, nil
	}

	sk, err := p.keys.Split()
	if err != nil {
		return nil, err
	}
	p.keys = sk.Left
	cur.keys = sk.Right
	if !p.leaf {
		all := p.children
		p.children = slices.Clone(all[:sk.MedianIdx+1])
		cur.children = slices.Clone(all[sk.MedianIdx+1:])
	}
	l.pendingSep = bkeys.Entry{Key: sk.MedianKey, Payload: sk.MedianPayload}
	return cur, nil
}

// Finish assembles the remaining partial nodes into a tree and
// persists it through Save as one generation. The loader is unusable
// afterwards.
func (ld *BulkLoader) Finish(ctx context.Context) error {
	if ld.done {
		return ErrLoaderDone
	}
	ld.done = true
	if ld.count == 0 {
		return ld.b.Save(ctx, ld.tx)
	}

	minKeys := int(ld.b.state.MinimumDegree - 1)
	cur := ld.level(0).current
	if cur == nil {
		// The stream ended exactly at a leaf boundary; the separator
		// held in pending still needs a home, so start from an empty
		// tail and let the redistribution below place it.
		var err error
		if cur, err = ld.b.store.create(true); err != nil {
			return err
		}
	}

	for i := 0; ; i++ {
		l := ld.levels[i]
		if l.pending != nil && cur.keys.Len() < minKeys {
			var err error
			if cur, err = ld.mergeTail(l, cur); err != nil {
				return err
			}
		}
		if l.pending != nil {
			if err := ld.addToParent(i+1, l.pending, l.pendingSep); err != nil {
				return err
			}
			l.pending = nil
		}
		if i+1 >= len(ld.levels) {
			ld.b.setRoot(cur.id)
			break
		}
		up := ld.levels[i+1]
		if up.current == nil {
			var err error
			if up.current, err = ld.b.store.create(false); err != nil {
				return err
			}
		}
		up.current.children = append(up.current.children, cur.id)
		cur = up.current
	}

	ld.b.log.Info("bulk load finished", "keys", ld.count, "levels", len(ld.levels))
	return ld.b.Save(ctx, ld.tx)
}
