package bkeys

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var encodings = []Encoding{EncodingFst, EncodingTrie}

func newKeys(t *testing.T, enc Encoding) BKeys {
	t.Helper()
	k, err := New(enc)
	require.NoError(t, err)
	return k
}

func TestInsertGetRemove(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)

			prev, existed := k.Insert([]byte("apple"), 1)
			assert.False(t, existed)
			assert.Equal(t, uint64(0), prev)
			assert.Equal(t, 1, k.Len())

			got, ok := k.Get([]byte("apple"))
			assert.True(t, ok)
			assert.Equal(t, uint64(1), got)

			// Re-insert returns the previous payload.
			prev, existed = k.Insert([]byte("apple"), 2)
			assert.True(t, existed)
			assert.Equal(t, uint64(1), prev)
			assert.Equal(t, 1, k.Len())

			got, ok = k.Get([]byte("apple"))
			assert.True(t, ok)
			assert.Equal(t, uint64(2), got)

			prev, removed := k.Remove([]byte("apple"))
			assert.True(t, removed)
			assert.Equal(t, uint64(2), prev)
			assert.Equal(t, 0, k.Len())

			_, ok = k.Get([]byte("apple"))
			assert.False(t, ok)
			_, removed = k.Remove([]byte("apple"))
			assert.False(t, removed)
		})
	}
}

func TestSplitAtMedianIndex(t *testing.T) {
	t.Parallel()

	// A full node of 2t-1 keys for t=3 splits into halves of t-1 keys
	// around the element at index len/2.
	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			for i, key := range []string{"a", "b", "c", "d", "e"} {
				k.Insert([]byte(key), uint64(i+1))
			}

			sk, err := k.Split()
			require.NoError(t, err)
			assert.Equal(t, []byte("c"), sk.MedianKey)
			assert.Equal(t, uint64(3), sk.MedianPayload)
			assert.Equal(t, 2, sk.MedianIdx)

			left, err := sk.Left.Entries()
			require.NoError(t, err)
			right, err := sk.Right.Entries()
			require.NoError(t, err)
			assert.Equal(t, []string{"a", "b"}, entryKeys(left))
			assert.Equal(t, []string{"d", "e"}, entryKeys(right))
			assert.Equal(t, []uint64{1, 2}, entryPayloads(left))
			assert.Equal(t, []uint64{4, 5}, entryPayloads(right))
		})
	}
}

func TestSplitEmpty(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			_, err := newKeys(t, enc).Split()
			assert.ErrorIs(t, err, ErrStructure)
		})
	}
}

func TestCollectWithPrefix(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			k.Insert([]byte("apple"), 1)
			k.Insert([]byte("application"), 2)
			k.Insert([]byte("the"), 5)

			entries, err := k.CollectWithPrefix([]byte("appl"))
			require.NoError(t, err)
			assert.Equal(t, []string{"apple", "application"}, entryKeys(entries))
			assert.Equal(t, []uint64{1, 2}, entryPayloads(entries))

			entries, err = k.CollectWithPrefix([]byte("zz"))
			require.NoError(t, err)
			assert.Empty(t, entries)

			// Empty prefix matches everything.
			entries, err = k.CollectWithPrefix(nil)
			require.NoError(t, err)
			assert.Equal(t, []string{"apple", "application", "the"}, entryKeys(entries))
		})
	}
}

func TestPositionalAccess(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			// Insert out of order; positional access is sorted.
			for i, key := range []string{"delta", "alpha", "echo", "bravo", "charlie"} {
				k.Insert([]byte(key), uint64(i))
			}

			sorted := []string{"alpha", "bravo", "charlie", "delta", "echo"}
			for i, want := range sorted {
				got, err := k.KeyAt(i)
				require.NoError(t, err)
				assert.Equal(t, want, string(got))
			}
			out, err := k.KeyAt(5)
			require.NoError(t, err)
			assert.Nil(t, out)
			out, err = k.KeyAt(-1)
			require.NoError(t, err)
			assert.Nil(t, out)

			first, _, err := k.FirstEntry()
			require.NoError(t, err)
			assert.Equal(t, "alpha", string(first))
			last, _, err := k.LastEntry()
			require.NoError(t, err)
			assert.Equal(t, "echo", string(last))
		})
	}
}

func TestChildIndex(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			k.Insert([]byte("g"), 1)
			k.Insert([]byte("m"), 2)
			k.Insert([]byte("p"), 3)

			cases := []struct {
				key  string
				want int
			}{
				{"a", 0},
				{"g", 0},
				{"h", 1},
				{"m", 1},
				{"n", 2},
				{"p", 2},
				{"z", 3},
			}
			for _, tc := range cases {
				got, err := k.ChildIndex([]byte(tc.key))
				require.NoError(t, err)
				assert.Equal(t, tc.want, got, "key %q", tc.key)
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			for i := 0; i < 50; i++ {
				k.Insert([]byte(fmt.Sprintf("key%06d", i*7%50)), uint64(i))
			}

			data, err := k.Encode()
			require.NoError(t, err)
			decoded, err := Decode(enc, data)
			require.NoError(t, err)
			assert.Equal(t, k.Len(), decoded.Len())

			want, err := k.Entries()
			require.NoError(t, err)
			got, err := decoded.Entries()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Re-encoding is byte-exact.
			again, err := decoded.Encode()
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestCloneIsolation(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			k.Insert([]byte("a"), 1)
			k.Insert([]byte("b"), 2)

			c := k.Clone()
			c.Insert([]byte("c"), 3)
			c.Remove([]byte("a"))

			assert.Equal(t, 2, k.Len())
			assert.Equal(t, 2, c.Len())
			_, ok := k.Get([]byte("c"))
			assert.False(t, ok)
			_, ok = k.Get([]byte("a"))
			assert.True(t, ok)
			_, ok = c.Get([]byte("a"))
			assert.False(t, ok)
		})
	}
}

func TestFstPendingMutations(t *testing.T) {
	t.Parallel()

	k := newKeys(t, EncodingFst)
	k.Insert([]byte("apple"), 1)
	k.Insert([]byte("banana"), 2)
	require.NoError(t, k.Compile())

	// Mutations after compile are buffered but visible to Get.
	k.Insert([]byte("cherry"), 3)
	k.Remove([]byte("apple"))
	assert.Equal(t, 2, k.Len())

	got, ok := k.Get([]byte("cherry"))
	assert.True(t, ok)
	assert.Equal(t, uint64(3), got)
	_, ok = k.Get([]byte("apple"))
	assert.False(t, ok)

	// The range operations compile on demand and agree.
	entries, err := k.Entries()
	require.NoError(t, err)
	assert.Equal(t, []string{"banana", "cherry"}, entryKeys(entries))

	// Compile is idempotent.
	require.NoError(t, k.Compile())
	require.NoError(t, k.Compile())
	assert.Equal(t, 2, k.Len())
}

func TestTrieLegacyDecode(t *testing.T) {
	t.Parallel()

	// Older flat-array encoding: u32be count, then u16be key length,
	// key bytes and u64be payload per entry.
	entries := []Entry{
		{Key: []byte("apple"), Payload: 1},
		{Key: []byte("application"), Payload: 2},
		{Key: []byte("the"), Payload: 5},
	}
	var legacy []byte
	legacy = binary.BigEndian.AppendUint32(legacy, uint32(len(entries)))
	for _, e := range entries {
		legacy = binary.BigEndian.AppendUint16(legacy, uint16(len(e.Key)))
		legacy = append(legacy, e.Key...)
		legacy = binary.BigEndian.AppendUint64(legacy, e.Payload)
	}

	k, err := Decode(EncodingTrie, legacy)
	require.NoError(t, err)
	got, err := k.Entries()
	require.NoError(t, err)
	assert.Equal(t, entries, got)

	// Re-encoding upgrades to the current format.
	data, err := k.Encode()
	require.NoError(t, err)
	require.NotEmpty(t, data)
	assert.Equal(t, byte(trieCompactTag), data[0])

	again, err := Decode(EncodingTrie, data)
	require.NoError(t, err)
	gotAgain, err := again.Entries()
	require.NoError(t, err)
	assert.Equal(t, entries, gotAgain)
}

func TestTrieDecodeCorrupt(t *testing.T) {
	t.Parallel()

	// Unknown leading tag.
	_, err := Decode(EncodingTrie, []byte{0x7f, 0x01})
	assert.ErrorIs(t, err, ErrSerialization)

	// Truncated legacy blob: count says two entries, data holds none.
	legacy := binary.BigEndian.AppendUint32(nil, 2)
	_, err = Decode(EncodingTrie, legacy)
	assert.ErrorIs(t, err, ErrSerialization)

	// Compact blob with trailing garbage.
	k := newTrieKeys()
	k.Insert([]byte("a"), 1)
	data, err := k.Encode()
	require.NoError(t, err)
	_, err = Decode(EncodingTrie, append(data, 0x00))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestDecodeUnknownEncoding(t *testing.T) {
	t.Parallel()

	_, err := Decode(Encoding(99), nil)
	assert.ErrorIs(t, err, ErrSerialization)
	_, err = New(Encoding(99))
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestPrefixSuccessor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []byte("abd"), PrefixSuccessor([]byte("abc")))
	assert.Equal(t, []byte("b"), PrefixSuccessor([]byte("a\xff")))
	assert.Nil(t, PrefixSuccessor([]byte("\xff\xff")))
	assert.Nil(t, PrefixSuccessor(nil))
}

func entryKeys(entries []Entry) []string {
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, string(e.Key))
	}
	return keys
}

func entryPayloads(entries []Entry) []uint64 {
	payloads := make([]uint64, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, e.Payload)
	}
	return payloads
}

func TestLargeSet(t *testing.T) {
	t.Parallel()

	for _, enc := range encodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()
			k := newKeys(t, enc)
			const n = 1000
			for i := 0; i < n; i++ {
				k.Insert([]byte(fmt.Sprintf("key%06d", i)), uint64(i))
			}
			assert.Equal(t, n, k.Len())

			entries, err := k.Entries()
			require.NoError(t, err)
			require.Len(t, entries, n)
			for i := 1; i < n; i++ {
				assert.True(t, bytes.Compare(entries[i-1].Key, entries[i].Key) < 0)
			}

			for i := 0; i < n; i += 97 {
				got, ok := k.Get([]byte(fmt.Sprintf("key%06d", i)))
				require.True(t, ok)
				assert.Equal(t, uint64(i), got)
			}
		})
	}
}
