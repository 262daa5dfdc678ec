// Package keydex is an embedded, transactional B-tree index engine. It
// maps ordered byte-string keys to 64-bit payloads on top of an external
// transactional key-value store, with copy-on-write node versioning for
// snapshot isolation.
package keydex

import (
	"encoding/binary"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"keydex/internal/bkeys"
)

// NodeID identifies a persisted tree node. IDs are allocated
// monotonically from BState.NextNode and are never reused within a
// tree; superseded IDs stay readable until the external compaction
// worker reclaims them.
type NodeID uint64

// Storage layout suffixes under the caller's prefix. The prefix is
// owned exclusively by one tree; Drop deletes the whole range.
const (
	stateSuffix      = "!bs"
	nodeSuffix       = "!bn"
	compactionSuffix = "!ic"
)

// BState is the persisted descriptor of one tree: degree, root, ID
// allocator, generation and backend selection. It is written once per
// Save, after every node blob, so a reader never observes a root that
// points at missing nodes.
type BState struct {
	MinimumDegree uint32         `cbor:"1,keyasint"`
	Root          *NodeID        `cbor:"2,keyasint,omitempty"`
	NextNode      NodeID         `cbor:"3,keyasint"`
	Generation    uint64         `cbor:"4,keyasint"`
	Encoding      bkeys.Encoding `cbor:"5,keyasint"`
	TreeID        uuid.UUID      `cbor:"6,keyasint"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	cborDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func encodeState(st *BState) ([]byte, error) {
	data, err := cborEnc.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("%w: state encode: %v", ErrSerialization, err)
	}
	return data, nil
}

func decodeState(data []byte) (*BState, error) {
	st := &BState{}
	if err := cborDec.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: state decode: %v", ErrSerialization, err)
	}
	if st.MinimumDegree < 2 {
		return nil, fmt.Errorf("%w: minimum degree %d", ErrStructure, st.MinimumDegree)
	}
	if !st.Encoding.Valid() {
		return nil, fmt.Errorf("%w: key encoding %d", ErrSerialization, uint8(st.Encoding))
	}
	return st, nil
}

func stateKey(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), stateSuffix...)
}

func nodeKey(prefix []byte, id NodeID) []byte {
	key := append(append([]byte{}, prefix...), nodeSuffix...)
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

// CompactionRecordKey returns the storage key of the compaction record
// written for generation. Exported for the external compaction worker.
func CompactionRecordKey(prefix []byte, generation uint64) []byte {
	key := append(append([]byte{}, prefix...), compactionSuffix...)
	return binary.BigEndian.AppendUint64(key, generation)
}
