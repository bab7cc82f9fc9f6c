// sealer.go drives window sealing. A Backend turns one window of data
// into its replica and tree roots; the CPU backend is the reference
// implementation and any registered accelerator must match it byte for
// byte. Sector-level sealing fans the windows out across cores and folds
// the per-window roots into sector commitments.
package nse

import (
	"errors"
	"fmt"
	"sync"

	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/log"
	"github.com/sealcore/sealcore/merkle"
	"github.com/sealcore/sealcore/metrics"
	"github.com/sealcore/sealcore/settings"
	"golang.org/x/sync/errgroup"
)

var logger = log.Default().Module("nse")

// Sealer errors.
var (
	ErrSectorSize     = errors.New("nse: data length must equal the sector size")
	ErrUnknownBackend = errors.New("nse: no such backend")
)

// WindowOutput is the result of sealing one window: the root of every
// labeling layer tree in order, then the root of the replica tree.
type WindowOutput struct {
	LayerRoots  []crypto.Domain
	ReplicaRoot crypto.Domain
}

// Backend seals a single window in place. Implementations must be
// deterministic; correctness is defined by the CPU backend.
type Backend interface {
	Name() string
	SealWindow(c *Config, windowIndex uint32, replicaID [32]byte, data []byte, storeCfg merkle.StoreConfig) (*WindowOutput, error)
}

var (
	backendsMu sync.RWMutex
	backends   = map[string]Backend{}
)

// RegisterBackend makes a sealing backend selectable.
func RegisterBackend(b Backend) {
	backendsMu.Lock()
	defer backendsMu.Unlock()
	backends[b.Name()] = b
}

// BackendByName looks up a registered backend.
func BackendByName(name string) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()
	b, ok := backends[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return b, nil
}

// ActiveBackend resolves the backend for this process: the GPU backend
// when the environment requests it and one is registered, the CPU
// reference otherwise.
func ActiveBackend() Backend {
	if s, err := settings.Load(); err == nil && (s.UseGPUTreeBuilder || s.UseGPUColumnBuilder) {
		if b, err := BackendByName("gpu"); err == nil {
			return b
		}
		logger.Warn("GPU backend requested but not registered, using cpu")
	}
	b, _ := BackendByName("cpu")
	return b
}

func init() {
	RegisterBackend(CPUSealer{})
}

// windowStoreID names the tree store of one layer of one window.
func windowStoreID(window uint32, layer int) string {
	return fmt.Sprintf("window-%d-layer-%d", window, layer)
}

// windowReplicaID names the replica tree store of one window.
func windowReplicaID(window uint32) string {
	return fmt.Sprintf("window-%d-replica", window)
}

// ---------------------------------------------------------------------------
// CPU backend
// ---------------------------------------------------------------------------

// CPUSealer is the reference sealing backend.
type CPUSealer struct{}

// Name implements Backend.
func (CPUSealer) Name() string { return "cpu" }

// SealWindow implements Backend: mask, expander layers, butterfly layers,
// then the butterfly encoding layer over data, building one tree per
// layer along the way.
func (CPUSealer) SealWindow(c *Config, windowIndex uint32, replicaID [32]byte, data []byte, storeCfg merkle.StoreConfig) (*WindowOutput, error) {
	if err := checkWindowBuf(c, data); err != nil {
		return nil, err
	}
	poseidon, err := crypto.HasherByName("poseidon")
	if err != nil {
		return nil, err
	}

	out := &WindowOutput{}
	prev := make([]byte, c.WindowSize())
	cur := make([]byte, c.WindowSize())

	addTree := func(layer int, buf []byte) error {
		cfg := storeCfg.WithID(windowStoreID(windowIndex, layer))
		tree, err := merkle.BuildFromSlice(buf, TreeArity, poseidon, &cfg)
		if err != nil {
			return fmt.Errorf("nse: window %d layer %d tree: %w", windowIndex, layer, err)
		}
		out.LayerRoots = append(out.LayerRoots, tree.Root())
		return nil
	}

	// 1. Mask.
	if err := MaskLayer(c, windowIndex, replicaID, prev); err != nil {
		return nil, err
	}
	if err := addTree(maskLayerIndex, prev); err != nil {
		return nil, err
	}

	// 2. Expander layers.
	for layer := 2; layer <= c.NumExpanderLayers; layer++ {
		if err := ExpanderLayer(c, windowIndex, replicaID, uint32(layer), prev, cur); err != nil {
			return nil, err
		}
		if err := addTree(layer, cur); err != nil {
			return nil, err
		}
		prev, cur = cur, prev
	}

	// 3. Butterfly layers.
	for layer := c.NumExpanderLayers + 1; layer < c.NumLayers(); layer++ {
		if err := ButterflyLayer(c, windowIndex, replicaID, uint32(layer), prev, cur); err != nil {
			return nil, err
		}
		if err := addTree(layer, cur); err != nil {
			return nil, err
		}
		prev, cur = cur, prev
	}

	// 4. Butterfly encoding layer mixes the window data in place.
	if err := ButterflyEncodeLayer(c, windowIndex, replicaID, uint32(c.NumLayers()), prev, data); err != nil {
		return nil, err
	}
	replicaCfg := storeCfg.WithID(windowReplicaID(windowIndex))
	replicaCfg.RowsToDiscard = storeCfg.RowsToDiscard
	replicaTree, err := merkle.BuildFromSlice(data, TreeArity, poseidon, &replicaCfg)
	if err != nil {
		return nil, fmt.Errorf("nse: window %d replica tree: %w", windowIndex, err)
	}
	out.ReplicaRoot = replicaTree.Root()

	metrics.WindowsSealed.Inc()
	return out, nil
}

// ---------------------------------------------------------------------------
// Sector driver
// ---------------------------------------------------------------------------

// SectorOutput aggregates the window outputs of one sealed sector.
type SectorOutput struct {
	// Windows holds the per-window outputs in window order.
	Windows []*WindowOutput
	// CommC folds every labeling layer root across all windows.
	CommC crypto.Domain
	// CommRLast folds the per-window replica roots.
	CommRLast crypto.Domain
	// CommR binds CommC and CommRLast.
	CommR crypto.Domain
}

// SealSector seals data in place, processing windows independently in
// parallel with the active backend.
func SealSector(c *Config, replicaID [32]byte, data []byte, storeCfg merkle.StoreConfig) (*SectorOutput, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(data)) != c.SectorSize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSectorSize, len(data), c.SectorSize)
	}

	backend := ActiveBackend()
	windows := c.NumWindows()
	outputs := make([]*WindowOutput, windows)

	var eg errgroup.Group
	for w := uint64(0); w < windows; w++ {
		eg.Go(func() error {
			slice := data[w*c.WindowSize() : (w+1)*c.WindowSize()]
			out, err := backend.SealWindow(c, uint32(w), replicaID, slice, storeCfg)
			if err != nil {
				return fmt.Errorf("nse: sealing window %d: %w", w, err)
			}
			outputs[w] = out
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	return aggregate(c, outputs)
}

// aggregate folds per-window roots into sector commitments.
func aggregate(c *Config, outputs []*WindowOutput) (*SectorOutput, error) {
	poseidon, err := crypto.HasherByName("poseidon")
	if err != nil {
		return nil, err
	}

	so := &SectorOutput{Windows: outputs}

	var layerRoots []crypto.Domain
	for layer := 0; layer < c.NumLayers()-1; layer++ {
		perWindow := make([]crypto.Domain, len(outputs))
		for w, out := range outputs {
			perWindow[w] = out.LayerRoots[layer]
		}
		layerRoots = append(layerRoots, foldRoots(poseidon, perWindow))
	}
	so.CommC = foldRoots(poseidon, layerRoots)

	replicaRoots := make([]crypto.Domain, len(outputs))
	for w, out := range outputs {
		replicaRoots[w] = out.ReplicaRoot
	}
	so.CommRLast = foldRoots(poseidon, replicaRoots)
	so.CommR = poseidon.HashChildren([]crypto.Domain{so.CommC, so.CommRLast})
	return so, nil
}

// foldRoots reduces a root list to a single commitment, hashing pairwise
// over the list padded to a power of two.
func foldRoots(h crypto.Hasher, roots []crypto.Domain) crypto.Domain {
	if len(roots) == 1 {
		return roots[0]
	}
	level := make([]crypto.Domain, len(roots))
	copy(level, roots)
	for len(level)&(len(level)-1) != 0 {
		level = append(level, crypto.Domain{})
	}
	for len(level) > 1 {
		next := make([]crypto.Domain, len(level)/2)
		for i := range next {
			next[i] = h.HashChildren(level[2*i : 2*i+2])
		}
		level = next
	}
	return level[0]
}

// DecodeWindow inverts the sealing of one window in place by recomputing
// the key layers and applying the butterfly decode.
func DecodeWindow(c *Config, windowIndex uint32, replicaID [32]byte, data []byte) error {
	if err := checkWindowBuf(c, data); err != nil {
		return err
	}

	prev := make([]byte, c.WindowSize())
	cur := make([]byte, c.WindowSize())

	if err := MaskLayer(c, windowIndex, replicaID, prev); err != nil {
		return err
	}
	for layer := 2; layer <= c.NumExpanderLayers; layer++ {
		if err := ExpanderLayer(c, windowIndex, replicaID, uint32(layer), prev, cur); err != nil {
			return err
		}
		prev, cur = cur, prev
	}
	for layer := c.NumExpanderLayers + 1; layer < c.NumLayers(); layer++ {
		if err := ButterflyLayer(c, windowIndex, replicaID, uint32(layer), prev, cur); err != nil {
			return err
		}
		prev, cur = cur, prev
	}
	return ButterflyDecodeLayer(c, windowIndex, replicaID, uint32(c.NumLayers()), prev, data)
}

// DecodeSector inverts SealSector in place.
func DecodeSector(c *Config, replicaID [32]byte, data []byte) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if uint64(len(data)) != c.SectorSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrSectorSize, len(data), c.SectorSize)
	}

	var eg errgroup.Group
	for w := uint64(0); w < c.NumWindows(); w++ {
		eg.Go(func() error {
			slice := data[w*c.WindowSize() : (w+1)*c.WindowSize()]
			return DecodeWindow(c, uint32(w), replicaID, slice)
		})
	}
	return eg.Wait()
}

// ExtractNode decodes only the window containing nodeIndex and returns
// the plaintext node. The sealed data is left untouched.
func ExtractNode(c *Config, replicaID [32]byte, sealed []byte, nodeIndex uint64) (crypto.Domain, error) {
	if err := c.Validate(); err != nil {
		return crypto.Domain{}, err
	}
	if uint64(len(sealed)) != c.SectorSize {
		return crypto.Domain{}, fmt.Errorf("%w: %d bytes, want %d", ErrSectorSize, len(sealed), c.SectorSize)
	}
	if nodeIndex >= c.SectorSize/crypto.NodeSize {
		return crypto.Domain{}, fmt.Errorf("nse: node %d out of range", nodeIndex)
	}

	window := nodeIndex / c.NumNodesWindow
	buf := make([]byte, c.WindowSize())
	copy(buf, sealed[window*c.WindowSize():(window+1)*c.WindowSize()])

	if err := DecodeWindow(c, uint32(window), replicaID, buf); err != nil {
		return crypto.Domain{}, err
	}

	local := nodeIndex % c.NumNodesWindow
	var out crypto.Domain
	copy(out[:], buf[local*crypto.NodeSize:(local+1)*crypto.NodeSize])
	return out, nil
}
