// slab.go defines the label slab shared between the consumer and the
// producers. The slab itself is a plain byte array; safety comes from the
// index discipline enforced by the pipeline cursors: every index below the
// consumer cursor is immutable and may be read by anyone, the index at the
// cursor is the consumer's exclusive write region, and nothing above it is
// touched.
package labeling

import "github.com/sealcore/sealcore/crypto"

// Slab is a contiguous array of node labels.
type Slab []byte

// NewSlab allocates a slab for the given node count.
func NewSlab(nodes uint64) Slab {
	return make(Slab, nodes*crypto.NodeSize)
}

// Nodes returns the node capacity of the slab.
func (s Slab) Nodes() uint64 {
	return uint64(len(s) / crypto.NodeSize)
}

// Node returns the 32-byte label region of node i.
func (s Slab) Node(i uint64) []byte {
	off := i * crypto.NodeSize
	return s[off : off+crypto.NodeSize : off+crypto.NodeSize]
}
