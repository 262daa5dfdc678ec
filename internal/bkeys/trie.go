package bkeys

import (
	"bytes"
	"encoding/binary"
	"fmt"

	iradix "github.com/hashicorp/go-immutable-radix/v2"
)

// trieCompactTag leads the current prefix-compressed trie encoding. The
// legacy flat-array encoding began with a big-endian u32 entry count,
// so its first byte is always zero for any realistic node; a nonzero
// tag keeps the two formats distinguishable.
const trieCompactTag = 0x01

// TrieKeys stores entries in an immutable radix tree. Mutations produce
// a new tree root and never touch shared structure, which makes Clone a
// pointer copy. Compile is a no-op; the trie is always queryable.
type TrieKeys struct {
	tree *iradix.Tree[uint64]
}

func newTrieKeys() *TrieKeys {
	return &TrieKeys{tree: iradix.New[uint64]()}
}

func decodeTrieKeys(data []byte) (*TrieKeys, error) {
	if len(data) == 0 {
		return newTrieKeys(), nil
	}
	switch data[0] {
	case trieCompactTag:
		return decodeTrieCompact(data)
	case 0x00:
		return decodeTrieLegacy(data)
	default:
		return nil, fmt.Errorf("%w: unknown trie encoding tag %#x", ErrSerialization, data[0])
	}
}

func decodeTrieCompact(data []byte) (*TrieKeys, error) {
	off := 1
	count, n := binary.Uvarint(data[off:])
	if n <= 0 {
		return nil, fmt.Errorf("%w: trie entry count", ErrSerialization)
	}
	off += n
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: trie entry count %d exceeds blob size", ErrSerialization, count)
	}

	txn := iradix.New[uint64]().Txn()
	var prev []byte
	for i := uint64(0); i < count; i++ {
		shared, n := binary.Uvarint(data[off:])
		if n <= 0 || shared > uint64(len(prev)) {
			return nil, fmt.Errorf("%w: trie entry %d shared prefix", ErrSerialization, i)
		}
		off += n
		suffixLen, n := binary.Uvarint(data[off:])
		if n <= 0 || suffixLen > uint64(len(data)-off-n) {
			return nil, fmt.Errorf("%w: trie entry %d suffix length", ErrSerialization, i)
		}
		off += n

		key := make([]byte, shared+suffixLen)
		copy(key, prev[:shared])
		copy(key[shared:], data[off:off+int(suffixLen)])
		off += int(suffixLen)

		payload, n := binary.Uvarint(data[off:])
		if n <= 0 {
			return nil, fmt.Errorf("%w: trie entry %d payload", ErrSerialization, i)
		}
		off += n

		txn.Insert(key, payload)
		prev = key
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after trie entries", ErrSerialization, len(data)-off)
	}
	return &TrieKeys{tree: txn.Commit()}, nil
}

// decodeTrieLegacy accepts the older flat-array encoding and migrates
// it into the trie transparently. Re-encoding emits the current format.
func decodeTrieLegacy(data []byte) (*TrieKeys, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: trie blob truncated", ErrSerialization)
	}
	count := binary.BigEndian.Uint32(data)
	off := 4

	txn := iradix.New[uint64]().Txn()
	for i := uint32(0); i < count; i++ {
		if off+2 > len(data) {
			return nil, fmt.Errorf("%w: trie entry %d truncated", ErrSerialization, i)
		}
		klen := int(binary.BigEndian.Uint16(data[off:]))
		off += 2
		if off+klen+8 > len(data) {
			return nil, fmt.Errorf("%w: trie entry %d truncated", ErrSerialization, i)
		}
		key := bytes.Clone(data[off : off+klen])
		off += klen
		payload := binary.BigEndian.Uint64(data[off:])
		off += 8
		txn.Insert(key, payload)
	}
	if off != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes after trie entries", ErrSerialization, len(data)-off)
	}
	return &TrieKeys{tree: txn.Commit()}, nil
}

// Encoding identifies the backend.
func (t *TrieKeys) Encoding() Encoding { return EncodingTrie }

// Len returns the number of entries.
func (t *TrieKeys) Len() int { return t.tree.Len() }

// Get returns the payload stored under key.
func (t *TrieKeys) Get(key []byte) (uint64, bool) {
	return t.tree.Get(key)
}

// Insert stores key with payload and returns the previous payload if
// the key already existed.
func (t *TrieKeys) Insert(key []byte, payload uint64) (uint64, bool) {
	tree, prev, existed := t.tree.Insert(cloneKey(key), payload)
	t.tree = tree
	return prev, existed
}

// Remove deletes key and returns the payload it held.
func (t *TrieKeys) Remove(key []byte) (uint64, bool) {
	tree, prev, existed := t.tree.Delete(key)
	t.tree = tree
	return prev, existed
}

// KeyAt returns the key at the given sorted position, or nil when the
// index is out of range.
func (t *TrieKeys) KeyAt(index int) ([]byte, error) {
	if index < 0 || index >= t.tree.Len() {
		return nil, nil
	}
	it := t.tree.Root().Iterator()
	for i := 0; ; i++ {
		k, _, ok := it.Next()
		if !ok {
			return nil, nil
		}
		if i == index {
			return cloneKey(k), nil
		}
	}
}

// FirstEntry returns the smallest entry, or a nil key when empty.
func (t *TrieKeys) FirstEntry() ([]byte, uint64, error) {
	k, v, ok := t.tree.Root().Minimum()
	if !ok {
		return nil, 0, nil
	}
	return cloneKey(k), v, nil
}

// LastEntry returns the largest entry, or a nil key when empty.
func (t *TrieKeys) LastEntry() ([]byte, uint64, error) {
	k, v, ok := t.tree.Root().Maximum()
	if !ok {
		return nil, 0, nil
	}
	return cloneKey(k), v, nil
}

// ChildIndex returns the number of keys strictly below key.
func (t *TrieKeys) ChildIndex(key []byte) (int, error) {
	n := 0
	it := t.tree.Root().Iterator()
	for k, _, ok := it.Next(); ok; k, _, ok = it.Next() {
		if bytes.Compare(k, key) >= 0 {
			break
		}
		n++
	}
	return n, nil
}

// Entries returns every entry in ascending order.
func (t *TrieKeys) Entries() ([]Entry, error) {
	if t.tree.Len() == 0 {
		return nil, nil
	}
	entries := make([]Entry, 0, t.tree.Len())
	it := t.tree.Root().Iterator()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		entries = append(entries, Entry{Key: cloneKey(k), Payload: v})
	}
	return entries, nil
}

// CollectWithPrefix returns the entries whose keys start with prefix.
func (t *TrieKeys) CollectWithPrefix(prefix []byte) ([]Entry, error) {
	it := t.tree.Root().Iterator()
	it.SeekPrefix(prefix)
	var entries []Entry
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		entries = append(entries, Entry{Key: cloneKey(k), Payload: v})
	}
	return entries, nil
}

// Append inserts every entry.
func (t *TrieKeys) Append(entries []Entry) error {
	for _, e := range entries {
		t.Insert(e.Key, e.Payload)
	}
	return nil
}

// Compile is a no-op; the trie is always in queryable form.
func (t *TrieKeys) Compile() error { return nil }

// Split partitions the container at its median index.
func (t *TrieKeys) Split() (SplitKeys, error) {
	entries, err := t.Entries()
	if err != nil {
		return SplitKeys{}, err
	}
	if len(entries) == 0 {
		return SplitKeys{}, fmt.Errorf("%w: split of empty key set", ErrStructure)
	}
	median := len(entries) / 2
	return SplitKeys{
		Left:          newTrieFromEntries(entries[:median]),
		Right:         newTrieFromEntries(entries[median+1:]),
		MedianKey:     entries[median].Key,
		MedianPayload: entries[median].Payload,
		MedianIdx:     median,
	}, nil
}

func newTrieFromEntries(entries []Entry) *TrieKeys {
	txn := iradix.New[uint64]().Txn()
	for _, e := range entries {
		txn.Insert(e.Key, e.Payload)
	}
	return &TrieKeys{tree: txn.Commit()}
}

// Clone returns an independently mutable copy. The underlying tree is
// persistent, so this is a pointer copy.
func (t *TrieKeys) Clone() BKeys {
	return &TrieKeys{tree: t.tree}
}

// Encode returns the prefix-compressed form: a tag byte, the entry
// count, then each entry as the shared-prefix length with its
// predecessor, the remaining suffix, and the payload, all varints.
func (t *TrieKeys) Encode() ([]byte, error) {
	buf := make([]byte, 0, 16+t.tree.Len()*8)
	buf = append(buf, trieCompactTag)
	buf = binary.AppendUvarint(buf, uint64(t.tree.Len()))
	var prev []byte
	it := t.tree.Root().Iterator()
	for k, v, ok := it.Next(); ok; k, v, ok = it.Next() {
		shared := commonPrefixLen(prev, k)
		buf = binary.AppendUvarint(buf, uint64(shared))
		buf = binary.AppendUvarint(buf, uint64(len(k)-shared))
		buf = append(buf, k[shared:]...)
		buf = binary.AppendUvarint(buf, v)
		prev = k
	}
	return buf, nil
}
