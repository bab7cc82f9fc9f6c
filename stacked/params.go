// Package stacked wires the labeling engine, the parent cache and the tree
// builders into sector replication: data in, replica plus commitments out.
// The commitments follow the stacked-DRG scheme: comm_d over the original
// data, per-layer column commitments folded into comm_c, comm_q over the
// key layer, comm_r_last over the replica, and comm_r binding them all.
package stacked

import (
	"errors"
	"fmt"

	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/merkle"
)

// Store ids inside a sector cache directory.
const (
	KeyTreeD     = "tree-d"
	KeyTreeC     = "tree-c"
	KeyTreeQ     = "tree-q"
	KeyTreeRLast = "tree-r-last"
)

// Tree arities. The data tree is binary; the replica tree is octary.
const (
	TreeDArity     = 2
	TreeRLastArity = 8
)

// Parameter errors.
var (
	ErrBadSectorSize = errors.New("stacked: data length must equal the sector size")
	ErrNoLayers      = errors.New("stacked: layer count must be positive")
)

// PublicParams fixes a replication instance shape.
type PublicParams struct {
	// Nodes is the sector size in 32-byte nodes. Must be a power of two.
	Nodes uint64
	// Layers is the stacked-DRG depth.
	Layers int
	// PorepID seeds the graph and binds the proof system release.
	PorepID [32]byte
	// RowsToDiscard drops the bottom rows of the replica tree from
	// persistence.
	RowsToDiscard int
}

// Validate checks the instance shape.
func (pp *PublicParams) Validate() error {
	if pp.Layers < 1 {
		return ErrNoLayers
	}
	if pp.Nodes == 0 || pp.Nodes&(pp.Nodes-1) != 0 {
		return fmt.Errorf("stacked: node count %d is not a power of two", pp.Nodes)
	}
	return nil
}

// SectorSize returns the sector size in bytes.
func (pp *PublicParams) SectorSize() uint64 {
	return pp.Nodes * crypto.NodeSize
}

// Tau is the public commitment pair.
type Tau struct {
	CommD crypto.Domain
	CommR crypto.Domain
}

// PersistentAux holds the roots the prover retains for later proof
// generation. It survives replication alongside the sector.
type PersistentAux struct {
	CommC     crypto.Domain
	CommQ     crypto.Domain
	CommRLast crypto.Domain
}

// TemporaryAux names the on-disk stores produced during replication. They
// are kept until the sealing proof is produced and may then be deleted;
// the replica tree store stays behind for proof-of-spacetime.
type TemporaryAux struct {
	Labels          []merkle.StoreConfig
	TreeDConfig     merkle.StoreConfig
	TreeCConfig     merkle.StoreConfig
	TreeQConfig     merkle.StoreConfig
	TreeRLastConfig merkle.StoreConfig
}

// LabelsForLayer opens the label store of the given layer (1-based).
func (t *TemporaryAux) LabelsForLayer(layer int) (*merkle.DiskStore, error) {
	if layer < 1 || layer > len(t.Labels) {
		return nil, fmt.Errorf("stacked: no label store for layer %d of %d", layer, len(t.Labels))
	}
	return merkle.OpenDiskStore(t.Labels[layer-1])
}

// Delete removes every temporary store. The replica tree is spared.
func (t *TemporaryAux) Delete() error {
	for _, cfg := range t.Labels {
		if err := merkle.Delete(cfg); err != nil {
			return err
		}
	}
	for _, cfg := range []merkle.StoreConfig{t.TreeDConfig, t.TreeCConfig, t.TreeQConfig} {
		if err := merkle.Delete(cfg); err != nil {
			return err
		}
	}
	return nil
}
