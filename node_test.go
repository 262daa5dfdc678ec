package keydex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keydex/internal/bkeys"
)

var testEncodings = []KeyEncoding{EncodingFst, EncodingTrie}

func newTestKeys(t *testing.T, enc KeyEncoding, entries ...bkeys.Entry) bkeys.BKeys {
	t.Helper()
	keys, err := bkeys.New(enc)
	require.NoError(t, err)
	for _, e := range entries {
		keys.Insert(e.Key, e.Payload)
	}
	return keys
}

func TestNodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, enc := range testEncodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()

			leaf := &node{
				id:   7,
				leaf: true,
				keys: newTestKeys(t, enc,
					bkeys.Entry{Key: []byte("alpha"), Payload: 1},
					bkeys.Entry{Key: []byte("bravo"), Payload: 2},
					bkeys.Entry{Key: []byte("charlie"), Payload: 3},
				),
			}
			data, err := leaf.encode()
			require.NoError(t, err)

			decoded, err := decodeNode(data, 7)
			require.NoError(t, err)
			assert.True(t, decoded.leaf)
			assert.Equal(t, NodeID(7), decoded.id)
			assert.Empty(t, decoded.children)

			want, err := leaf.keys.Entries()
			require.NoError(t, err)
			got, err := decoded.keys.Entries()
			require.NoError(t, err)
			assert.Equal(t, want, got)

			// Byte-exact: encoding the decoded node reproduces the blob.
			again, err := decoded.encode()
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestInternalNodeRoundTrip(t *testing.T) {
	t.Parallel()

	for _, enc := range testEncodings {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			t.Parallel()

			internal := &node{
				id: 12,
				keys: newTestKeys(t, enc,
					bkeys.Entry{Key: []byte("g"), Payload: 10},
					bkeys.Entry{Key: []byte("m"), Payload: 20},
				),
				children: []NodeID{3, 9, 5},
			}
			data, err := internal.encode()
			require.NoError(t, err)

			decoded, err := decodeNode(data, 12)
			require.NoError(t, err)
			assert.False(t, decoded.leaf)
			// Child order is part of the contract.
			assert.Equal(t, []NodeID{3, 9, 5}, decoded.children)

			again, err := decoded.encode()
			require.NoError(t, err)
			assert.Equal(t, data, again)
		})
	}
}

func TestNodeDecodeCorruption(t *testing.T) {
	t.Parallel()

	leaf := &node{
		id:   1,
		leaf: true,
		keys: newTestKeys(t, EncodingTrie, bkeys.Entry{Key: []byte("k"), Payload: 9}),
	}
	data, err := leaf.encode()
	require.NoError(t, err)

	// Flipped byte fails the checksum.
	corrupt := append([]byte{}, data...)
	corrupt[len(corrupt)/2] ^= 0xff
	_, err = decodeNode(corrupt, 1)
	assert.ErrorIs(t, err, ErrSerialization)

	// Blob read under the wrong node key.
	_, err = decodeNode(data, 2)
	assert.ErrorIs(t, err, ErrSerialization)

	// Truncation.
	_, err = decodeNode(data[:4], 1)
	assert.ErrorIs(t, err, ErrSerialization)
	_, err = decodeNode(nil, 1)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestNodeChildCountInvariant(t *testing.T) {
	t.Parallel()

	// An internal node must carry exactly len(keys)+1 children; the
	// violation is reported, never repaired.
	bad := &node{
		id: 4,
		keys: newTestKeys(t, EncodingTrie,
			bkeys.Entry{Key: []byte("g"), Payload: 1},
			bkeys.Entry{Key: []byte("m"), Payload: 2},
		),
		children: []NodeID{1, 2},
	}
	_, err := bad.encode()
	assert.ErrorIs(t, err, ErrStructure)

	badLeaf := &node{
		id:       5,
		leaf:     true,
		keys:     newTestKeys(t, EncodingTrie),
		children: []NodeID{1},
	}
	_, err = badLeaf.encode()
	assert.ErrorIs(t, err, ErrStructure)
}

func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	root := NodeID(42)
	st := &BState{
		MinimumDegree: 3,
		Root:          &root,
		NextNode:      99,
		Generation:    7,
		Encoding:      EncodingFst,
	}
	copy(st.TreeID[:], []byte("0123456789abcdef"))

	data, err := encodeState(st)
	require.NoError(t, err)
	decoded, err := decodeState(data)
	require.NoError(t, err)
	assert.Equal(t, st, decoded)

	// Absent root survives the trip as nil.
	st.Root = nil
	data, err = encodeState(st)
	require.NoError(t, err)
	decoded, err = decodeState(data)
	require.NoError(t, err)
	assert.Nil(t, decoded.Root)

	_, err = decodeState([]byte("not cbor"))
	assert.ErrorIs(t, err, ErrSerialization)
}
