package keydex

import "context"

// Tx is the transactional key-value store the engine runs on top of.
// The engine performs no locking of its own: snapshot isolation,
// conflict detection and durability are all the transaction's job.
// Every node read and write of one engine operation goes through a
// single Tx, and the caller commits or cancels it.
//
// Get returns ErrKeyNotFound (possibly wrapped) when the key is
// absent. Scan visits keys in [begin, end) in ascending order; a nil
// end means unbounded, and an error returned by fn aborts the scan
// with that error. Commit must fail with ErrTxConflict when a
// conflicting transaction committed first.
type Tx interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Set(ctx context.Context, key, value []byte) error
	Del(ctx context.Context, key []byte) error
	Scan(ctx context.Context, begin, end []byte, fn func(key, value []byte) error) error
	Commit(ctx context.Context) error
	Cancel() error
}
