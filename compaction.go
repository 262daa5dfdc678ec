package keydex

import "fmt"

// CompactionRecord is the hand-off written at Save for the external
// compaction worker: the generation that superseded the listed nodes.
// The engine only produces these records; it never consumes them and
// never deletes superseded nodes inline, because readers holding an
// earlier generation may still reach them. The worker owns reader
// watermarks and reclamation.
type CompactionRecord struct {
	Generation uint64   `cbor:"1,keyasint"`
	Freed      []NodeID `cbor:"2,keyasint"`
}

// Encode returns the persisted CBOR form of the record.
func (r *CompactionRecord) Encode() ([]byte, error) {
	data, err := cborEnc.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: compaction record encode: %v", ErrSerialization, err)
	}
	return data, nil
}

// DecodeCompactionRecord reconstructs a record written by Save.
// Exported for the external compaction worker.
func DecodeCompactionRecord(data []byte) (*CompactionRecord, error) {
	rec := &CompactionRecord{}
	if err := cborDec.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("%w: compaction record decode: %v", ErrSerialization, err)
	}
	return rec, nil
}
