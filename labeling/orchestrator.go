// orchestrator.go drives the layer passes: the mask layer first, then one
// pipeline pass per interior layer, persisting each finished layer into a
// DiskStore and swapping the label slabs by reference between passes.
package labeling

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/sealcore/sealcore/cache"
	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/graph"
	"github.com/sealcore/sealcore/log"
	"github.com/sealcore/sealcore/merkle"
	"github.com/sealcore/sealcore/metrics"
	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/sync/errgroup"
)

var logger = log.Default().Module("labeling")

// Orchestrator errors.
var (
	ErrNoLayers = errors.New("labeling: layer count must be positive")
)

// LayerState records where one layer's labels live and whether they were
// regenerated or reused from a previous run.
type LayerState struct {
	Layer     int
	Config    merkle.StoreConfig
	Generated bool
}

// Labels is the outcome of a full labeling run: one persisted store per
// layer plus the final layer kept resident for encoding.
type Labels struct {
	States    []LayerState
	NodeCount uint64

	// Last aliases the slab holding the final layer's labels.
	Last Slab
}

// LayerConfig returns the store config of layer (1-based).
func (l *Labels) LayerConfig(layer int) (merkle.StoreConfig, error) {
	if layer < 1 || layer > len(l.States) {
		return merkle.StoreConfig{}, fmt.Errorf("labeling: no layer %d of %d", layer, len(l.States))
	}
	return l.States[layer-1].Config, nil
}

// LayerID names the store of one label layer.
func LayerID(layer int) string {
	return fmt.Sprintf("layer-%d", layer)
}

// CreateLabels walks all layers of the stacked graph. Each layer is
// persisted under storeCfg.Dir as sc-02-data-layer-<i>.dat when persist is
// set; layers found complete on disk are loaded instead of regenerated.
func CreateLabels(g *graph.StackedBucketGraph, pc *cache.Reader, layers int, replicaID [32]byte, storeCfg merkle.StoreConfig, pcfg PipelineConfig, persist bool) (*Labels, error) {
	if layers < 1 {
		return nil, ErrNoLayers
	}
	nodes := g.Size()
	if err := pcfg.Validate(pc); err != nil {
		return nil, err
	}

	cur := NewSlab(nodes)
	prev := NewSlab(nodes)

	out := &Labels{NodeCount: nodes}

	for layer := 1; layer <= layers; layer++ {
		layerCfg := storeCfg.WithID(LayerID(layer))
		state := LayerState{Layer: layer, Config: layerCfg}

		if persist && layerComplete(layerCfg, nodes) {
			logger.Info("layer already generated, loading", "layer", layer)
			if err := readLayer(layerCfg, cur); err != nil {
				return nil, err
			}
			out.States = append(out.States, state)
			cur, prev = prev, cur
			continue
		}

		// The window reset runs in two phases: the start is issued after
		// each layer but the last, the finish lands before the next
		// layer's pass begins.
		if layers != 1 {
			pc.FinishReset()
		}

		start := time.Now()
		if layer == 1 {
			maskLayer(replicaID, cur, 0)
		} else {
			if err := CreateLayerLabels(pc, replicaID, cur, prev, nodes, uint32(layer), pcfg); err != nil {
				return nil, err
			}
		}
		metrics.ObserveLayer(nodes, time.Since(start))
		logger.Info("layer labeled", "layer", layer, "nodes", nodes,
			"elapsed", time.Since(start))

		if layer != layers {
			if err := pc.StartReset(); err != nil {
				return nil, err
			}
		}

		if persist {
			ds, err := merkle.NewDiskStoreFromSlice(layerCfg, cur)
			if err != nil {
				return nil, fmt.Errorf("labeling: persisting layer %d: %w", layer, err)
			}
			ds.Close()
			state.Generated = true
		}

		out.States = append(out.States, state)
		cur, prev = prev, cur
	}

	// After the final swap the last layer sits in prev.
	out.Last = prev
	return out, nil
}

// maskLayer fills the first layer: every label is the digest of its bare
// prefix, independent of all other nodes. firstNode offsets the absolute
// node index, which the window-parallel variant uses.
func maskLayer(replicaID [32]byte, out Slab, firstNode uint64) {
	nodes := out.Nodes()
	workers := uint64(runtime.GOMAXPROCS(0))
	if workers > nodes {
		workers = nodes
	}
	chunk := (nodes + workers - 1) / workers

	var eg errgroup.Group
	for w := uint64(0); w < workers; w++ {
		from := w * chunk
		to := from + chunk
		if to > nodes {
			to = nodes
		}
		if from >= to {
			break
		}
		eg.Go(func() error {
			d := sha256simd.New()
			var buf [PrefixSize]byte
			var sum [crypto.NodeSize]byte
			for v := from; v < to; v++ {
				writePrefix(buf[:], 1, firstNode+v, replicaID)
				d.Reset()
				d.Write(buf[:])
				d.Sum(sum[:0])
				crypto.Truncate(sum[:])
				copy(out.Node(v), sum[:])
			}
			return nil
		})
	}
	_ = eg.Wait()
}

// layerComplete reports whether a layer store exists with the exact
// expected size.
func layerComplete(cfg merkle.StoreConfig, nodes uint64) bool {
	fi, err := os.Stat(cfg.Path())
	return err == nil && fi.Size() == int64(nodes)*crypto.NodeSize
}

// readLayer loads a persisted layer back into a slab.
func readLayer(cfg merkle.StoreConfig, dst Slab) error {
	ds, err := merkle.OpenDiskStore(cfg)
	if err != nil {
		return err
	}
	defer ds.Close()
	buf, err := ds.ReadRange(0, ds.Len())
	if err != nil {
		return err
	}
	copy(dst, buf)
	return nil
}
