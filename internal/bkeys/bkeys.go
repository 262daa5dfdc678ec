// Package bkeys provides the ordered key-to-payload containers stored
// inside B-tree nodes. Two backends implement the same contract: an
// immutable FST (finite-state transducer) that batches mutations until
// Compile, and a radix trie that mutates in place and compiles for free.
package bkeys

import (
	"bytes"
	"errors"
	"fmt"
)

// Encoding selects the container backend. The value is persisted in the
// node framing, so the constants are part of the storage format.
type Encoding uint8

const (
	// EncodingFst stores keys in a succinct finite-state transducer.
	// Lookups and prefix scans are automaton walks; mutations are
	// buffered until Compile rebuilds the automaton. Best for
	// read-heavy nodes.
	EncodingFst Encoding = 1

	// EncodingTrie stores keys in an immutable radix trie. Insert and
	// remove are O(key length) without a rebuild; Compile is a no-op.
	// Preferred for write-heavy nodes.
	EncodingTrie Encoding = 2
)

func (e Encoding) String() string {
	switch e {
	case EncodingFst:
		return "fst"
	case EncodingTrie:
		return "trie"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// Valid reports whether e names a known backend.
func (e Encoding) Valid() bool {
	return e == EncodingFst || e == EncodingTrie
}

var (
	// ErrKeyEncoding reports malformed bytes during container
	// construction or mutation.
	ErrKeyEncoding = errors.New("malformed key encoding")

	// ErrSerialization reports a corrupt persisted container or node.
	ErrSerialization = errors.New("serialization failed")

	// ErrStructure reports key or child counts that violate the tree
	// invariants. Never repaired in place.
	ErrStructure = errors.New("structural invariant violation")
)

// Entry is a single key/payload pair in ascending key order.
type Entry struct {
	Key     []byte
	Payload uint64
}

// SplitKeys is the result of splitting a container at its median index:
// Left holds the entries strictly below the median, Right the entries
// strictly above. The median itself belongs to neither side.
type SplitKeys struct {
	Left          BKeys
	Right         BKeys
	MedianKey     []byte
	MedianPayload uint64
	MedianIdx     int
}

// BKeys is an ordered byte-string-keyed map with uint64 payloads.
// Implementations are not safe for concurrent use; a container is owned
// by exactly one node copy at a time and shared copies are read-only.
type BKeys interface {
	// Encoding identifies the backend.
	Encoding() Encoding

	// Len returns the number of entries, pending mutations included.
	Len() int

	// Get returns the payload stored under key. Pending mutations are
	// visible before Compile.
	Get(key []byte) (uint64, bool)

	// Insert stores key with payload and returns the previous payload
	// if the key already existed.
	Insert(key []byte, payload uint64) (uint64, bool)

	// Remove deletes key and returns the payload it held.
	Remove(key []byte) (uint64, bool)

	// KeyAt returns the key at the given position in sorted order, or
	// nil when the index is out of range.
	KeyAt(index int) ([]byte, error)

	// FirstEntry returns the smallest entry, or a nil key when empty.
	FirstEntry() ([]byte, uint64, error)

	// LastEntry returns the largest entry, or a nil key when empty.
	LastEntry() ([]byte, uint64, error)

	// ChildIndex returns the number of keys strictly below key, which
	// is the descent position for an internal node.
	ChildIndex(key []byte) (int, error)

	// Entries returns every entry in ascending order.
	Entries() ([]Entry, error)

	// CollectWithPrefix returns the entries whose keys start with
	// prefix, in ascending order. A miss is (nil, nil).
	CollectWithPrefix(prefix []byte) ([]Entry, error)

	// Append inserts every entry. Used when merging sibling nodes.
	Append(entries []Entry) error

	// Compile finalizes the internal representation. Must be called
	// before Encode. No-op for the trie backend.
	Compile() error

	// Split partitions the container at index Len()/2. Both halves
	// keep at least t-1 entries when the container held 2t-1.
	Split() (SplitKeys, error)

	// Clone returns a copy that may be mutated without affecting the
	// receiver.
	Clone() BKeys

	// Encode returns the persisted form. The returned slice must not
	// be modified.
	Encode() ([]byte, error)
}

// New returns an empty container for the given encoding.
func New(enc Encoding) (BKeys, error) {
	switch enc {
	case EncodingFst:
		return newFstKeys()
	case EncodingTrie:
		return newTrieKeys(), nil
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrSerialization, uint8(enc))
	}
}

// Decode reconstructs a container from its persisted form.
func Decode(enc Encoding, data []byte) (BKeys, error) {
	switch enc {
	case EncodingFst:
		return decodeFstKeys(data)
	case EncodingTrie:
		return decodeTrieKeys(data)
	default:
		return nil, fmt.Errorf("%w: unknown encoding %d", ErrSerialization, uint8(enc))
	}
}

// PrefixSuccessor returns the smallest key that is greater than every
// key starting with prefix, for use as an exclusive range end. A nil
// result means the range is unbounded above.
func PrefixSuccessor(prefix []byte) []byte {
	for i := len(prefix) - 1; i >= 0; i-- {
		if prefix[i] != 0xFF {
			end := make([]byte, i+1)
			copy(end, prefix[:i+1])
			end[i]++
			return end
		}
	}
	return nil
}

func commonPrefixLen(a, b []byte) int {
	n := min(len(a), len(b))
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return i
}

func cloneKey(key []byte) []byte {
	return bytes.Clone(key)
}
