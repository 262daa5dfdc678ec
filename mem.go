package keydex

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/google/btree"
)

const memDegree = 16

type kvPair struct {
	key   []byte
	value []byte
}

func kvLess(a, b kvPair) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Mem is an in-memory implementation of the Tx collaborator: an
// ordered store with snapshot transactions and optimistic first
// committer wins conflict detection. It backs the test suite and small
// embedded uses; production deployments plug in their own Tx.
type Mem struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[kvPair]
	version uint64
	// written maps each key to the version that last committed it,
	// for conflict checks against a transaction's begin version.
	written map[string]uint64
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{
		tree:    btree.NewG[kvPair](memDegree, kvLess),
		written: make(map[string]uint64),
	}
}

// Begin starts a transaction against the current snapshot. The
// snapshot is an O(1) copy-on-write clone, so open readers never block
// writers and never observe later commits.
func (m *Mem) Begin(writable bool) *MemTx {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &MemTx{
		db:       m,
		work:     m.tree.Clone(),
		writable: writable,
		began:    m.version,
	}
}

// View runs fn in a read-only transaction.
func (m *Mem) View(ctx context.Context, fn func(tx Tx) error) error {
	tx := m.Begin(false)
	defer func() { _ = tx.Cancel() }()
	return fn(tx)
}

// Update runs fn in a writable transaction and commits it if fn
// succeeds. Any error rolls the transaction back.
func (m *Mem) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx := m.Begin(true)
	if err := fn(tx); err != nil {
		_ = tx.Cancel()
		return err
	}
	return tx.Commit(ctx)
}

// MemTx is a single transaction over a Mem snapshot. Reads and scans
// run against the private clone; mutations apply to the clone and are
// recorded for the conflict check at Commit.
type MemTx struct {
	db       *Mem
	work     *btree.BTreeG[kvPair]
	writable bool
	began    uint64
	done     bool

	writes  map[string][]byte
	deletes map[string]struct{}
}

func (tx *MemTx) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tx.done {
		return ErrTxDone
	}
	return nil
}

// Get returns the value stored under key in this snapshot.
func (tx *MemTx) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := tx.check(ctx); err != nil {
		return nil, err
	}
	item, ok := tx.work.Get(kvPair{key: key})
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, key)
	}
	return item.value, nil
}

// Set stores value under key.
func (tx *MemTx) Set(ctx context.Context, key, value []byte) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	pair := kvPair{key: bytes.Clone(key), value: bytes.Clone(value)}
	tx.work.ReplaceOrInsert(pair)
	if tx.writes == nil {
		tx.writes = make(map[string][]byte)
	}
	tx.writes[string(key)] = pair.value
	delete(tx.deletes, string(key))
	return nil
}

// Del removes key. Deleting an absent key is not an error.
func (tx *MemTx) Del(ctx context.Context, key []byte) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	tx.work.Delete(kvPair{key: key})
	if tx.deletes == nil {
		tx.deletes = make(map[string]struct{})
	}
	tx.deletes[string(key)] = struct{}{}
	delete(tx.writes, string(key))
	return nil
}

// Scan visits keys in [begin, end) in ascending order.
func (tx *MemTx) Scan(ctx context.Context, begin, end []byte, fn func(key, value []byte) error) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	var fnErr error
	iter := func(item kvPair) bool {
		if fnErr = fn(item.key, item.value); fnErr != nil {
			return false
		}
		return true
	}
	switch {
	case begin == nil && end == nil:
		tx.work.Ascend(iter)
	case end == nil:
		tx.work.AscendGreaterOrEqual(kvPair{key: begin}, iter)
	default:
		tx.work.AscendRange(kvPair{key: begin}, kvPair{key: end}, iter)
	}
	return fnErr
}

// Commit publishes the write set unless a conflicting transaction
// committed first, in which case it aborts with ErrTxConflict and the
// caller retries.
func (tx *MemTx) Commit(ctx context.Context) error {
	if err := tx.check(ctx); err != nil {
		return err
	}
	tx.done = true
	if !tx.writable || (len(tx.writes) == 0 && len(tx.deletes) == 0) {
		return nil
	}

	tx.db.mu.Lock()
	defer tx.db.mu.Unlock()

	for key := range tx.writes {
		if tx.db.written[key] > tx.began {
			return fmt.Errorf("%w: key %q", ErrTxConflict, key)
		}
	}
	for key := range tx.deletes {
		if tx.db.written[key] > tx.began {
			return fmt.Errorf("%w: key %q", ErrTxConflict, key)
		}
	}

	tx.db.version++
	for key, value := range tx.writes {
		tx.db.tree.ReplaceOrInsert(kvPair{key: []byte(key), value: value})
		tx.db.written[key] = tx.db.version
	}
	for key := range tx.deletes {
		tx.db.tree.Delete(kvPair{key: []byte(key)})
		tx.db.written[key] = tx.db.version
	}
	return nil
}

// Cancel discards the transaction.
func (tx *MemTx) Cancel() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	tx.work = nil
	return nil
}
