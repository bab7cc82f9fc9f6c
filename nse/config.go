// Package nse implements the narrow stacked expander variant of the
// replication engine. The sector is split into fixed-size windows sealed
// independently: one mask layer, a run of expander layers whose parents
// are batch-hashed candidate groups, a run of butterfly layers, and a
// final butterfly layer that encodes the window's data slice.
package nse

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/sealcore/sealcore/crypto"
)

// TreeArity is the arity of the per-layer window trees.
const TreeArity = 8

// Config errors.
var (
	ErrWindowNotPow2    = errors.New("nse: window node count must be a power of two")
	ErrWindowTreeShape  = errors.New("nse: window node count must be a power of the tree arity")
	ErrSectorWindowSize = errors.New("nse: sector size must be a multiple of the window size")
	ErrLayerCounts      = errors.New("nse: need the mask plus one expander layer, and two butterfly layers")
	ErrDegrees          = errors.New("nse: degrees and k must be positive")
	ErrButterflyDegree  = errors.New("nse: butterfly degree must be a power of two")
)

// Config fixes the narrow stacked expander shape.
type Config struct {
	// K is the number of batch-hashed candidates per expander parent.
	K uint32
	// NumNodesWindow is the window length in nodes.
	NumNodesWindow uint64
	// DegreeExpander is the parent count of expander layers.
	DegreeExpander int
	// DegreeButterfly is the parent count of butterfly layers.
	DegreeButterfly int
	// NumExpanderLayers counts the mask layer plus the expander layers.
	NumExpanderLayers int
	// NumButterflyLayers counts the butterfly layers including the final
	// encoding layer.
	NumButterflyLayers int
	// SectorSize is the total sector size in bytes.
	SectorSize uint64
}

// NumLayers returns the total layer count of one window.
func (c *Config) NumLayers() int {
	return c.NumExpanderLayers + c.NumButterflyLayers
}

// WindowSize returns the window size in bytes.
func (c *Config) WindowSize() uint64 {
	return c.NumNodesWindow * crypto.NodeSize
}

// NumWindows returns the window count of the sector.
func (c *Config) NumWindows() uint64 {
	return c.SectorSize / c.WindowSize()
}

// Validate checks the shape. It is called by every entry point; all other
// functions assume a valid config.
func (c *Config) Validate() error {
	if c.NumNodesWindow == 0 || c.NumNodesWindow&(c.NumNodesWindow-1) != 0 {
		return fmt.Errorf("%w: %d", ErrWindowNotPow2, c.NumNodesWindow)
	}
	if !powerOfArity(c.NumNodesWindow, TreeArity) {
		return fmt.Errorf("%w: %d nodes", ErrWindowTreeShape, c.NumNodesWindow)
	}
	if c.SectorSize == 0 || c.SectorSize%c.WindowSize() != 0 {
		return fmt.Errorf("%w: sector %d, window %d", ErrSectorWindowSize, c.SectorSize, c.WindowSize())
	}
	if c.NumExpanderLayers < 2 || c.NumButterflyLayers < 2 {
		return fmt.Errorf("%w: expander %d, butterfly %d",
			ErrLayerCounts, c.NumExpanderLayers, c.NumButterflyLayers)
	}
	if c.K == 0 || c.DegreeExpander <= 0 || c.DegreeButterfly <= 0 {
		return ErrDegrees
	}
	if bits.OnesCount(uint(c.DegreeButterfly)) != 1 {
		return fmt.Errorf("%w: %d", ErrButterflyDegree, c.DegreeButterfly)
	}
	return nil
}

func powerOfArity(n uint64, arity uint64) bool {
	for n > 1 {
		if n%arity != 0 {
			return false
		}
		n /= arity
	}
	return n == 1
}
