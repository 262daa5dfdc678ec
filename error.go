package keydex

import (
	"errors"

	"keydex/internal/bkeys"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyEmpty    = errors.New("key cannot be empty")
	ErrTreeDropped = errors.New("tree has been dropped")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxDone        = errors.New("transaction has been committed or rolled back")
	ErrTxConflict    = errors.New("transaction conflicts with a newer commit")

	ErrInvalidDegree   = errors.New("invalid minimum degree")
	ErrInvalidEncoding = errors.New("unknown key encoding")

	ErrTreeNotEmpty = errors.New("tree is not empty")
	ErrKeysUnsorted = errors.New("keys must be inserted in strictly ascending order")
	ErrLoaderDone   = errors.New("bulk loader already finished")

	// ErrStopWalk ends a Walk early without reporting an error.
	ErrStopWalk = errors.New("stop walk")

	ErrKeyEncoding   = bkeys.ErrKeyEncoding
	ErrSerialization = bkeys.ErrSerialization
	ErrStructure     = bkeys.ErrStructure
)
