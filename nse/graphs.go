// graphs.go defines the two per-window parent structures: the expander
// graph, whose parent slots each name K candidate nodes to be batch
// hashed, and the butterfly graph, whose parents are XOR offsets that
// shrink layer by layer toward the encoding layer.
package nse

import (
	"encoding/binary"
	"math/bits"

	sha256simd "github.com/minio/sha256-simd"
)

// ExpanderGraph derives candidate parents for expander layers. The
// structure is static per config; nothing about it depends on the window
// index or replica id.
type ExpanderGraph struct {
	nodes  uint64
	degree int
	k      uint32
}

// Expander returns the expander graph of the config.
func (c *Config) Expander() ExpanderGraph {
	return ExpanderGraph{nodes: c.NumNodesWindow, degree: c.DegreeExpander, k: c.K}
}

// Degree returns the number of parent slots.
func (g ExpanderGraph) Degree() int { return g.degree }

// K returns the candidates per slot.
func (g ExpanderGraph) K() uint32 { return g.k }

// Parents fills out with the degree*K candidate indices of node, grouped
// by parent slot. Candidates are drawn from a SHA-256 stream keyed by
// (node, slot); eight candidates fall out of every digest.
func (g ExpanderGraph) Parents(node uint32, out []uint32) {
	_ = out[g.degree*int(g.k)-1]

	var msg [12]byte
	binary.BigEndian.PutUint32(msg[0:4], node)

	i := 0
	for slot := uint32(0); slot < uint32(g.degree); slot++ {
		binary.BigEndian.PutUint32(msg[4:8], slot)
		for c := uint32(0); c < g.k; c += 8 {
			binary.BigEndian.PutUint32(msg[8:12], c/8)
			sum := sha256simd.Sum256(msg[:])
			for w := 0; w < 8 && c+uint32(w) < g.k; w++ {
				out[i] = uint32(binary.LittleEndian.Uint32(sum[w*4:]) % uint32(g.nodes))
				i++
			}
		}
	}
}

// ButterflyGraph derives the XOR-structured parents of butterfly layers.
type ButterflyGraph struct {
	nodes  uint64
	degree int
}

// Butterfly returns the butterfly graph of the config.
func (c *Config) Butterfly() ButterflyGraph {
	return ButterflyGraph{nodes: c.NumNodesWindow, degree: c.DegreeButterfly}
}

// Degree returns the parent count.
func (g ButterflyGraph) Degree() int { return g.degree }

// Parents fills out with the degree parents of node at the given butterfly
// round (0-based within the butterfly stage). Parent j is the node with
// its round-specific bit group replaced: node XOR (j << shift), with the
// stride shrinking as rounds progress so the final rounds mix neighboring
// nodes.
func (g ButterflyGraph) Parents(node uint32, round int, out []uint32) {
	_ = out[g.degree-1]

	logNodes := bits.TrailingZeros64(g.nodes)
	logD := bits.TrailingZeros(uint(g.degree))
	shift := logNodes - logD*(round+1)
	if shift < 0 {
		shift = 0
	}
	mask := uint32(g.nodes - 1)
	for j := 0; j < g.degree; j++ {
		out[j] = (node ^ uint32(j<<shift)) & mask
	}
}
