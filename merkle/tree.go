// tree.go implements the bottom-up tree builder. Leaves are validated as
// canonical field elements, hashed in arity-sized groups per level, and the
// level slices retained for proof generation. Trees may be persisted level
// by level into a DiskStore, optionally discarding the bottom rows of the
// replica tree.
package merkle

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/sealcore/sealcore/crypto"
	"golang.org/x/sync/errgroup"
)

// Tree errors.
var (
	ErrBadArity         = errors.New("merkle: arity must be at least 2")
	ErrNoLeaves         = errors.New("merkle: tree needs at least one leaf")
	ErrLeafCount        = errors.New("merkle: leaf count must be a power of the arity")
	ErrLeafNotCanonical = errors.New("merkle: leaf is not a canonical field element")
)

// Tree is an in-memory arity-N Merkle tree over validated domain elements.
// levels[0] holds the leaves; the last level holds the single root.
type Tree struct {
	arity  int
	levels [][]crypto.Domain
	hasher crypto.Hasher

	// cfg is set when the tree was persisted.
	cfg *StoreConfig
}

// ExpectedNodeCount returns the total node count of a tree with the given
// leaf count and arity. For a binary tree this is 2*leaves - 1.
func ExpectedNodeCount(leaves, arity int) int {
	total := 0
	for n := leaves; ; n = (n + arity - 1) / arity {
		total += n
		if n == 1 {
			break
		}
	}
	return total
}

// BuildFromSlice parses data as packed 32-byte leaves and builds a tree
// with the given arity. When cfg is non-nil the tree nodes are persisted
// under it, honoring cfg.RowsToDiscard.
func BuildFromSlice(data []byte, arity int, h crypto.Hasher, cfg *StoreConfig) (*Tree, error) {
	if arity < 2 {
		return nil, ErrBadArity
	}
	if len(data) == 0 {
		return nil, ErrNoLeaves
	}
	if len(data)%crypto.NodeSize != 0 {
		return nil, ErrUnalignedData
	}
	leafCount := len(data) / crypto.NodeSize
	if !isPowerOf(leafCount, arity) {
		return nil, fmt.Errorf("%w: %d leaves, arity %d", ErrLeafCount, leafCount, arity)
	}

	leaves, err := parseLeaves(data)
	if err != nil {
		return nil, err
	}

	t := &Tree{arity: arity, hasher: h}
	t.levels = append(t.levels, leaves)
	for level := leaves; len(level) > 1; {
		next := make([]crypto.Domain, len(level)/arity)
		for i := range next {
			next[i] = h.HashChildren(level[i*arity : (i+1)*arity])
		}
		t.levels = append(t.levels, next)
		level = next
	}

	if cfg != nil {
		if err := t.persist(*cfg); err != nil {
			return nil, err
		}
		t.cfg = cfg
	}
	return t, nil
}

// parseLeaves validates and converts the packed leaf bytes in parallel
// chunks.
func parseLeaves(data []byte) ([]crypto.Domain, error) {
	count := len(data) / crypto.NodeSize
	leaves := make([]crypto.Domain, count)

	workers := runtime.GOMAXPROCS(0)
	if workers > count {
		workers = count
	}
	chunk := (count + workers - 1) / workers

	var eg errgroup.Group
	for w := 0; w < workers; w++ {
		from := w * chunk
		to := from + chunk
		if to > count {
			to = count
		}
		if from >= to {
			break
		}
		eg.Go(func() error {
			for i := from; i < to; i++ {
				d, err := crypto.DomainFromBytes(data[i*crypto.NodeSize : (i+1)*crypto.NodeSize])
				if err != nil {
					return fmt.Errorf("%w: leaf %d", ErrLeafNotCanonical, i)
				}
				leaves[i] = d
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return leaves, nil
}

// Root returns the tree root.
func (t *Tree) Root() crypto.Domain {
	return t.levels[len(t.levels)-1][0]
}

// LeafCount returns the number of leaves.
func (t *Tree) LeafCount() int { return len(t.levels[0]) }

// NodeCount returns the total number of nodes across all levels.
func (t *Tree) NodeCount() int {
	total := 0
	for _, l := range t.levels {
		total += len(l)
	}
	return total
}

// Height returns the number of hashing levels above the leaves.
func (t *Tree) Height() int { return len(t.levels) - 1 }

// persist writes the tree nodes level by level into a DiskStore, skipping
// the leaves and the first cfg.RowsToDiscard hashing rows. Those rows are
// cheap to recompute from the leaf data during proving.
func (t *Tree) persist(cfg StoreConfig) error {
	first := 1 + cfg.RowsToDiscard
	if first >= len(t.levels) {
		first = len(t.levels) - 1
	}
	var buf []byte
	for _, level := range t.levels[first:] {
		for i := range level {
			buf = append(buf, level[i][:]...)
		}
	}
	ds, err := NewDiskStoreFromSlice(cfg, buf)
	if err != nil {
		return err
	}
	return ds.Close()
}

// ---------------------------------------------------------------------------
// Proofs
// ---------------------------------------------------------------------------

// Proof is an inclusion path from a leaf to the root. Each level carries
// the arity-1 sibling elements and the position of the proven child within
// its group.
type Proof struct {
	Leaf     crypto.Domain
	Root     crypto.Domain
	Arity    int
	Siblings [][]crypto.Domain
	Path     []int
}

// ProofAt builds the inclusion proof for leaf i.
func (t *Tree) ProofAt(i int) (*Proof, error) {
	if i < 0 || i >= t.LeafCount() {
		return nil, fmt.Errorf("%w: leaf %d of %d", ErrOutOfRange, i, t.LeafCount())
	}
	p := &Proof{
		Leaf:  t.levels[0][i],
		Root:  t.Root(),
		Arity: t.arity,
	}
	idx := i
	for level := 0; level < t.Height(); level++ {
		group := idx / t.arity
		pos := idx % t.arity
		sibs := make([]crypto.Domain, 0, t.arity-1)
		for k := 0; k < t.arity; k++ {
			if k != pos {
				sibs = append(sibs, t.levels[level][group*t.arity+k])
			}
		}
		p.Siblings = append(p.Siblings, sibs)
		p.Path = append(p.Path, pos)
		idx = group
	}
	return p, nil
}

// VerifyProof recomputes the root from the proof with the given hasher.
func VerifyProof(h crypto.Hasher, p *Proof) bool {
	if p == nil || len(p.Siblings) != len(p.Path) {
		return false
	}
	cur := p.Leaf
	group := make([]crypto.Domain, p.Arity)
	for level := range p.Siblings {
		pos := p.Path[level]
		if pos < 0 || pos >= p.Arity || len(p.Siblings[level]) != p.Arity-1 {
			return false
		}
		s := 0
		for k := 0; k < p.Arity; k++ {
			if k == pos {
				group[k] = cur
			} else {
				group[k] = p.Siblings[level][s]
				s++
			}
		}
		cur = h.HashChildren(group)
	}
	return cur == p.Root
}

func isPowerOf(n, base int) bool {
	if n < 1 {
		return false
	}
	for n > 1 {
		if n%base != 0 {
			return false
		}
		n /= base
	}
	return true
}
