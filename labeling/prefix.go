// Package labeling implements the label generation engine: the per-layer
// producer/consumer pipeline that walks the stacked graph, the ring buffer
// it communicates through, and the orchestrator that drives the layer
// passes and persists their output.
package labeling

import (
	"encoding/binary"

	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/graph"
)

// PrefixSize is the byte length of the fixed SHA-256 message prefix:
// a 32-byte node header followed by the 32-byte replica id.
const PrefixSize = 64

// slotSize is the ring-buffer slot footprint: prefix plus one block per
// parent.
const slotSize = PrefixSize + graph.Degree*crypto.NodeSize

// HashPrefix builds the 32-byte node header: big-endian layer index,
// big-endian absolute node index, zero padded.
func HashPrefix(layer uint32, node uint64) [32]byte {
	var prefix [32]byte
	binary.BigEndian.PutUint32(prefix[0:4], layer)
	binary.BigEndian.PutUint64(prefix[4:12], node)
	return prefix
}

// writePrefix fills buf[:PrefixSize] with the node header and replica id.
func writePrefix(buf []byte, layer uint32, node uint64, replicaID [32]byte) {
	prefix := HashPrefix(layer, node)
	copy(buf[:32], prefix[:])
	copy(buf[32:PrefixSize], replicaID[:])
}
