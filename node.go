package keydex

import (
	"encoding/binary"
	"fmt"
	"slices"

	"github.com/cespare/xxhash/v2"

	"keydex/internal/bkeys"
)

// Node type tags in the persisted framing.
const (
	nodeTagLeaf     = 0x01
	nodeTagInternal = 0x02
)

// nodeHeaderSize is tag + encoding + id + keys blob length.
const nodeHeaderSize = 1 + 1 + 8 + 4

// node is one tree node: a leaf holding key/payload entries directly,
// or an internal node holding the same entries as separators plus
// len(keys)+1 ordered child IDs. Persisted nodes are immutable; all
// mutation goes through a copy under a fresh NodeID.
type node struct {
	id       NodeID
	leaf     bool
	keys     bkeys.BKeys
	children []NodeID
}

func (n *node) full(t uint32) bool {
	return n.keys.Len() >= int(2*t-1)
}

func (n *node) minimal(t uint32) bool {
	return n.keys.Len() <= int(t-1)
}

// checkChildren verifies the key/child count invariant. Violations are
// fatal but returned, never repaired in place.
func (n *node) checkChildren() error {
	if n.leaf {
		if len(n.children) != 0 {
			return fmt.Errorf("%w: leaf node %d has %d children", ErrStructure, n.id, len(n.children))
		}
		return nil
	}
	if len(n.children) != n.keys.Len()+1 {
		return fmt.Errorf("%w: internal node %d has %d keys and %d children",
			ErrStructure, n.id, n.keys.Len(), len(n.children))
	}
	return nil
}

// clone returns a deep-enough copy under a new ID for copy-on-write.
// The key container is cloned through its own persistent-structure
// Clone; the children slice is copied.
func (n *node) clone(id NodeID) *node {
	c := &node{
		id:   id,
		leaf: n.leaf,
		keys: n.keys.Clone(),
	}
	if len(n.children) > 0 {
		c.children = slices.Clone(n.children)
	}
	return c
}

// encode compiles the key container and frames the node as
// [tag][encoding][id][keys length][keys blob][children?][checksum].
// The xxhash64 checksum covers every prior byte.
func (n *node) encode() ([]byte, error) {
	if err := n.checkChildren(); err != nil {
		return nil, err
	}
	if err := n.keys.Compile(); err != nil {
		return nil, err
	}
	blob, err := n.keys.Encode()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, nodeHeaderSize+len(blob)+2+8*len(n.children)+8)
	tag := byte(nodeTagLeaf)
	if !n.leaf {
		tag = nodeTagInternal
	}
	buf = append(buf, tag, byte(n.keys.Encoding()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(n.id))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(blob)))
	buf = append(buf, blob...)
	if !n.leaf {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(n.children)))
		for _, child := range n.children {
			buf = binary.BigEndian.AppendUint64(buf, uint64(child))
		}
	}
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

// decodeNode reconstructs a node from its persisted form, verifying
// the checksum, the tag, the embedded ID against the storage key it
// was read under, and the key/child count invariant.
func decodeNode(data []byte, want NodeID) (*node, error) {
	if len(data) < nodeHeaderSize+8 {
		return nil, fmt.Errorf("%w: node %d blob truncated", ErrSerialization, want)
	}
	body := data[:len(data)-8]
	sum := binary.BigEndian.Uint64(data[len(data)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, fmt.Errorf("%w: node %d checksum mismatch", ErrSerialization, want)
	}

	tag := body[0]
	enc := bkeys.Encoding(body[1])
	id := NodeID(binary.BigEndian.Uint64(body[2:10]))
	if id != want {
		return nil, fmt.Errorf("%w: node %d stored under key for node %d", ErrSerialization, id, want)
	}
	blobLen := int(binary.BigEndian.Uint32(body[10:nodeHeaderSize]))
	if blobLen > len(body)-nodeHeaderSize {
		return nil, fmt.Errorf("%w: node %d keys blob truncated", ErrSerialization, id)
	}
	keys, err := bkeys.Decode(enc, body[nodeHeaderSize:nodeHeaderSize+blobLen])
	if err != nil {
		return nil, fmt.Errorf("node %d: %w", id, err)
	}
	rest := body[nodeHeaderSize+blobLen:]

	n := &node{id: id, keys: keys}
	switch tag {
	case nodeTagLeaf:
		n.leaf = true
		if len(rest) != 0 {
			return nil, fmt.Errorf("%w: %d trailing bytes after leaf node %d", ErrSerialization, len(rest), id)
		}
	case nodeTagInternal:
		if len(rest) < 2 {
			return nil, fmt.Errorf("%w: node %d children truncated", ErrSerialization, id)
		}
		count := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) != 8*count {
			return nil, fmt.Errorf("%w: node %d children truncated", ErrSerialization, id)
		}
		n.children = make([]NodeID, count)
		for i := range n.children {
			n.children[i] = NodeID(binary.BigEndian.Uint64(rest[8*i:]))
		}
	default:
		return nil, fmt.Errorf("%w: node %d has unknown tag %#x", ErrSerialization, id, tag)
	}
	if err := n.checkChildren(); err != nil {
		return nil, err
	}
	return n, nil
}
