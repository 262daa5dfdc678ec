package keydex

import (
	"bytes"
	"context"
	"errors"

	"keydex/internal/bkeys"
)

// Walk visits every entry in ascending key order. Returning
// ErrStopWalk from fn ends the walk cleanly; any other error aborts
// the walk with that error.
func (b *BTree) Walk(ctx context.Context, tx Tx, fn func(key []byte, payload uint64) error) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.state.Root == nil {
		return nil
	}
	err := b.walkNode(ctx, tx, *b.state.Root, fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

func (b *BTree) walkNode(ctx context.Context, tx Tx, id NodeID, fn func(key []byte, payload uint64) error) error {
	n, err := b.store.load(ctx, tx, id)
	if err != nil {
		return err
	}
	entries, err := n.keys.Entries()
	if err != nil {
		return err
	}
	if n.leaf {
		for _, e := range entries {
			if err := fn(e.Key, e.Payload); err != nil {
				return err
			}
		}
		return nil
	}
	for i, e := range entries {
		if err := b.walkNode(ctx, tx, n.children[i], fn); err != nil {
			return err
		}
		if err := fn(e.Key, e.Payload); err != nil {
			return err
		}
	}
	return b.walkNode(ctx, tx, n.children[len(entries)], fn)
}

// WalkPrefix visits, in ascending order, every entry whose key starts
// with prefix. Subtrees whose separator bounds fall outside the prefix
// range are pruned without being read. ErrStopWalk from fn ends the
// walk cleanly.
func (b *BTree) WalkPrefix(ctx context.Context, tx Tx, prefix []byte, fn func(key []byte, payload uint64) error) error {
	if err := b.usable(); err != nil {
		return err
	}
	if b.state.Root == nil {
		return nil
	}
	err := b.walkNodePrefix(ctx, tx, *b.state.Root, prefix, bkeys.PrefixSuccessor(prefix), fn)
	if errors.Is(err, ErrStopWalk) {
		return nil
	}
	return err
}

// walkNodePrefix descends only into children whose open interval
// between the surrounding separators can intersect [prefix, end).
func (b *BTree) walkNodePrefix(ctx context.Context, tx Tx, id NodeID, prefix, end []byte, fn func(key []byte, payload uint64) error) error {
	n, err := b.store.load(ctx, tx, id)
	if err != nil {
		return err
	}
	if n.leaf {
		entries, err := n.keys.CollectWithPrefix(prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e.Key, e.Payload); err != nil {
				return err
			}
		}
		return nil
	}

	entries, err := n.keys.Entries()
	if err != nil {
		return err
	}
	for i := 0; i <= len(entries); i++ {
		// Child i holds keys strictly between entries[i-1] and
		// entries[i].
		below := i == len(entries) || bytes.Compare(entries[i].Key, prefix) > 0
		above := i == 0 || end == nil || bytes.Compare(entries[i-1].Key, end) < 0
		if below && above {
			if err := b.walkNodePrefix(ctx, tx, n.children[i], prefix, end, fn); err != nil {
				return err
			}
		}
		if i == len(entries) {
			break
		}
		if bytes.HasPrefix(entries[i].Key, prefix) {
			if err := fn(entries[i].Key, entries[i].Payload); err != nil {
				return err
			}
		}
		if end != nil && bytes.Compare(entries[i].Key, end) >= 0 {
			break
		}
	}
	return nil
}
