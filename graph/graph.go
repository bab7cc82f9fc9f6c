// Package graph implements the depth-robust stacked bucket graph that
// drives labeling. The mapping node -> parents is deterministic and fixed
// once the graph is seeded: six base parents are drawn inside the layer by
// a bucket sampler biased toward nearby nodes, and eight expander parents
// are drawn across the full node range by a keyed Feistel bijection.
package graph

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/bits"

	"golang.org/x/crypto/blake2b"
)

// Degrees are fixed per release.
const (
	// BaseDegree is the number of in-layer parents. The last base position
	// always points at the immediately preceding node.
	BaseDegree = 6
	// ExpDegree is the number of cross-layer expander parents.
	ExpDegree = 8
	// Degree is the combined parent count per node.
	Degree = BaseDegree + ExpDegree
)

// SeedSize is the byte length of the depth-robust sampler seed.
const SeedSize = 28

// Graph construction errors.
var (
	ErrNotPowerOfTwo = errors.New("graph: node count must be a power of two")
	ErrTooFewNodes   = errors.New("graph: node count must exceed the degree")
	ErrTooManyNodes  = errors.New("graph: node count must fit in 32 bits")
)

// Domain-separation tags for deriving sampler state from a porep id.
var (
	drgSeedTag     = []byte("sealcore/drg-seed")
	feistelKeysTag = []byte("sealcore/feistel-keys")
)

// StackedBucketGraph is immutable after construction and safe for
// concurrent use.
type StackedBucketGraph struct {
	nodes       uint64
	logNodes    uint
	seed        [SeedSize]byte
	feistelKeys [4]uint64

	// feistelHalf is the bit width of one Feistel half; two halves cover
	// at least nodes*ExpDegree indices.
	feistelHalf uint

	id string
}

// New derives a graph for the given sector node count from a 32-byte porep
// id. The sampler seed and the Feistel keys are both bound to the porep id.
func New(nodes uint64, porepID [32]byte) (*StackedBucketGraph, error) {
	seedSum := blake2b.Sum256(append(porepID[:], drgSeedTag...))
	var seed [SeedSize]byte
	copy(seed[:], seedSum[:SeedSize])

	keySum := blake2b.Sum256(append(porepID[:], feistelKeysTag...))
	var keys [4]uint64
	for i := range keys {
		keys[i] = binary.LittleEndian.Uint64(keySum[i*8:])
	}
	return NewWithSeed(nodes, seed, keys)
}

// NewWithSeed builds a graph from explicit sampler state. Parameters are
// validated here; Parents never fails at runtime.
func NewWithSeed(nodes uint64, seed [SeedSize]byte, feistelKeys [4]uint64) (*StackedBucketGraph, error) {
	if nodes == 0 || nodes&(nodes-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotPowerOfTwo, nodes)
	}
	if nodes <= Degree {
		return nil, fmt.Errorf("%w: %d", ErrTooFewNodes, nodes)
	}
	if nodes > 1<<32 {
		return nil, fmt.Errorf("%w: %d", ErrTooManyNodes, nodes)
	}

	logNodes := uint(bits.TrailingZeros64(nodes))
	// The expander bijection runs over nodes*ExpDegree indices; round the
	// bit width up to an even split and cycle-walk back into range.
	totalBits := logNodes + 3
	half := (totalBits + 1) / 2

	g := &StackedBucketGraph{
		nodes:       nodes,
		logNodes:    logNodes,
		seed:        seed,
		feistelKeys: feistelKeys,
		feistelHalf: half,
	}
	g.id = g.fingerprint()
	return g, nil
}

// Size returns the node count N.
func (g *StackedBucketGraph) Size() uint64 { return g.nodes }

// ID returns a stable fingerprint of the graph parameters, used to key the
// on-disk parent cache.
func (g *StackedBucketGraph) ID() string { return g.id }

func (g *StackedBucketGraph) fingerprint() string {
	h, _ := blake2b.New256(nil)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], g.nodes)
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], uint64(BaseDegree)<<32|uint64(ExpDegree))
	h.Write(buf[:])
	h.Write(g.seed[:])
	for _, k := range g.feistelKeys {
		binary.BigEndian.PutUint64(buf[:], k)
		h.Write(buf[:])
	}
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Parents fills out with the combined parent list of node v: BaseDegree
// in-layer parents followed by ExpDegree expander parents. out must hold
// Degree entries. Node 0 has no predecessors; its parent list is all zero.
func (g *StackedBucketGraph) Parents(v uint64, out []uint32) {
	_ = out[Degree-1]
	if v == 0 {
		for i := range out[:Degree] {
			out[i] = 0
		}
		return
	}
	g.baseParents(v, out[:BaseDegree])
	g.ExpanderParents(v, out[BaseDegree:Degree])
}

// ExpanderParents fills out with the ExpDegree cross-layer parents of node
// v, each in [0, N).
func (g *StackedBucketGraph) ExpanderParents(v uint64, out []uint32) {
	_ = out[ExpDegree-1]
	for k := uint64(0); k < ExpDegree; k++ {
		out[k] = uint32(g.expanderParent(v, k))
	}
}

// baseParents samples BaseDegree-1 distinct predecessors of v and pins the
// final position to v-1.
func (g *StackedBucketGraph) baseParents(v uint64, out []uint32) {
	for pos := 0; pos < BaseDegree-1; pos++ {
		out[pos] = uint32(g.sampleBaseParent(v, uint32(pos), out[:pos]))
	}
	out[BaseDegree-1] = uint32(v - 1)
}

// sampleBaseParent draws one predecessor of v for the given position. A
// bucket over exponentially growing distances keeps the draw biased toward
// recent nodes, which the depth-robustness of the construction relies on.
// Collisions with earlier positions are resolved by re-hashing with an
// incremented salt; past maxSalt the collision is accepted (only reachable
// for tiny v, where distinct choices may not exist).
func (g *StackedBucketGraph) sampleBaseParent(v uint64, pos uint32, prior []uint32) uint64 {
	const maxSalt = 64

	for salt := uint32(0); ; salt++ {
		r1, r2 := g.sampleWords(v, pos, salt)

		// Bucket j covers distances [2^j, 2^(j+1)) clamped to [1, v].
		jmax := uint64(bits.Len64(v))
		j := r1 % jmax
		lo := uint64(1) << j
		hi := lo << 1
		if hi > v+1 {
			hi = v + 1
		}
		d := lo + r2%(hi-lo)
		parent := v - d

		if salt >= maxSalt || !containsU32(prior, uint32(parent)) {
			return parent
		}
	}
}

// sampleWords derives two pseudo-random words for (v, position, salt) from
// the graph seed.
func (g *StackedBucketGraph) sampleWords(v uint64, pos, salt uint32) (uint64, uint64) {
	var msg [SeedSize + 16]byte
	copy(msg[:], g.seed[:])
	binary.BigEndian.PutUint64(msg[SeedSize:], v)
	binary.BigEndian.PutUint32(msg[SeedSize+8:], pos)
	binary.BigEndian.PutUint32(msg[SeedSize+12:], salt)
	sum := blake2b.Sum256(msg[:])
	return binary.LittleEndian.Uint64(sum[0:8]), binary.LittleEndian.Uint64(sum[8:16])
}

func containsU32(xs []uint32, x uint32) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
