// replicate.go is the sector-level entry point consumed by the sealing
// layer: replicate encodes data in place and emits the commitments,
// extract inverts it.
package stacked

import (
	"fmt"
	"time"

	"github.com/sealcore/sealcore/cache"
	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/graph"
	"github.com/sealcore/sealcore/labeling"
	"github.com/sealcore/sealcore/log"
	"github.com/sealcore/sealcore/merkle"
	"github.com/sealcore/sealcore/metrics"
	"github.com/sealcore/sealcore/settings"
)

var logger = log.Default().Module("stacked")

// Replicate seals data in place. It returns the public commitments, the
// persistent aux roots, and the temporary aux store paths under
// storeCfg.Dir. On error the sector cache may hold partial stores; a
// retry regenerates them, as persistence is idempotent on path names.
func Replicate(pp *PublicParams, replicaID [32]byte, data []byte, storeCfg merkle.StoreConfig) (Tau, PersistentAux, TemporaryAux, error) {
	var tau Tau
	var pAux PersistentAux
	var tAux TemporaryAux

	if err := pp.Validate(); err != nil {
		return tau, pAux, tAux, err
	}
	if uint64(len(data)) != pp.SectorSize() {
		return tau, pAux, tAux, fmt.Errorf("%w: %d bytes, want %d", ErrBadSectorSize, len(data), pp.SectorSize())
	}

	sha, err := crypto.HasherByName("sha256")
	if err != nil {
		return tau, pAux, tAux, err
	}
	poseidon, err := crypto.HasherByName("poseidon")
	if err != nil {
		return tau, pAux, tAux, err
	}

	start := time.Now()
	logger.Info("replicating sector", "nodes", pp.Nodes, "layers", pp.Layers)

	// Commit to the unsealed data first.
	tAux.TreeDConfig = storeCfg.WithID(KeyTreeD)
	treeD, err := merkle.BuildFromSlice(data, TreeDArity, sha, &tAux.TreeDConfig)
	if err != nil {
		return tau, pAux, tAux, fmt.Errorf("stacked: building tree-d: %w", err)
	}
	metrics.ObserveTree(KeyTreeD)
	tau.CommD = treeD.Root()

	// Label every layer.
	labels, columnRoots, err := createLabels(pp, replicaID, storeCfg, poseidon)
	if err != nil {
		return tau, pAux, tAux, err
	}
	for _, st := range labels.States {
		tAux.Labels = append(tAux.Labels, st.Config)
	}

	// Fold the per-layer roots into the column commitment.
	tAux.TreeCConfig = storeCfg.WithID(KeyTreeC)
	pAux.CommC, err = foldColumnRoots(columnRoots, poseidon, &tAux.TreeCConfig)
	if err != nil {
		return tau, pAux, tAux, err
	}

	// Commit to the key layer.
	tAux.TreeQConfig = storeCfg.WithID(KeyTreeQ)
	treeQ, err := merkle.BuildFromSlice(labels.Last, TreeDArity, poseidon, &tAux.TreeQConfig)
	if err != nil {
		return tau, pAux, tAux, fmt.Errorf("stacked: building tree-q: %w", err)
	}
	metrics.ObserveTree(KeyTreeQ)
	pAux.CommQ = treeQ.Root()

	// Encode the sector in place with the final-layer keys.
	if err := encodeInPlace(data, labels.Last); err != nil {
		return tau, pAux, tAux, err
	}

	// Commit to the replica.
	tAux.TreeRLastConfig = storeCfg.WithID(KeyTreeRLast)
	tAux.TreeRLastConfig.RowsToDiscard = pp.RowsToDiscard
	treeR, err := merkle.BuildFromSlice(data, TreeRLastArity, poseidon, &tAux.TreeRLastConfig)
	if err != nil {
		return tau, pAux, tAux, fmt.Errorf("stacked: building tree-r-last: %w", err)
	}
	metrics.ObserveTree(KeyTreeRLast)
	pAux.CommRLast = treeR.Root()

	tau.CommR = poseidon.HashChildren([]crypto.Domain{pAux.CommC, pAux.CommQ, pAux.CommRLast})

	metrics.SectorsReplicated.Inc()
	logger.Info("sector replicated", "elapsed", time.Since(start))
	return tau, pAux, tAux, nil
}

// createLabels runs the layer orchestrator and builds one tree per layer,
// returning the per-layer roots in order.
func createLabels(pp *PublicParams, replicaID [32]byte, storeCfg merkle.StoreConfig, poseidon crypto.Hasher) (*labeling.Labels, []crypto.Domain, error) {
	g, pc, pcfg, err := openGraph(pp, storeCfg.Dir)
	if err != nil {
		return nil, nil, err
	}
	defer pc.Close()

	labels, err := labeling.CreateLabels(g, pc, pp.Layers, replicaID, storeCfg, pcfg, true)
	if err != nil {
		return nil, nil, err
	}

	roots := make([]crypto.Domain, 0, pp.Layers)
	for _, st := range labels.States {
		ds, err := merkle.OpenDiskStore(st.Config)
		if err != nil {
			return nil, nil, err
		}
		layerBytes, err := ds.ReadRange(0, ds.Len())
		ds.Close()
		if err != nil {
			return nil, nil, err
		}
		tree, err := merkle.BuildFromSlice(layerBytes, TreeDArity, poseidon, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("stacked: building layer %d tree: %w", st.Layer, err)
		}
		roots = append(roots, tree.Root())
	}
	return labels, roots, nil
}

// foldColumnRoots pads the layer roots to a power of two and commits to
// them with a binary tree, persisting the tree as tree-c. As for every
// persisted tree, the stored rows are those above the leaves (a single
// padded root is stored as its own leaf).
func foldColumnRoots(roots []crypto.Domain, poseidon crypto.Hasher, cfg *merkle.StoreConfig) (crypto.Domain, error) {
	padded := len(roots)
	for padded&(padded-1) != 0 {
		padded++
	}
	buf := make([]byte, padded*crypto.NodeSize)
	for i, r := range roots {
		copy(buf[i*crypto.NodeSize:], r[:])
	}
	tree, err := merkle.BuildFromSlice(buf, TreeDArity, poseidon, cfg)
	if err != nil {
		return crypto.Domain{}, fmt.Errorf("stacked: building tree-c: %w", err)
	}
	metrics.ObserveTree(KeyTreeC)
	return tree.Root(), nil
}

// openGraph constructs the graph, ensures the parent cache exists and maps
// it with the configured window.
func openGraph(pp *PublicParams, cacheDir string) (*graph.StackedBucketGraph, *cache.Reader, labeling.PipelineConfig, error) {
	var pcfg labeling.PipelineConfig

	g, err := graph.New(pp.Nodes, pp.PorepID)
	if err != nil {
		return nil, nil, pcfg, err
	}

	s, err := settings.Load()
	if err != nil {
		return nil, nil, pcfg, err
	}
	pcfg = labeling.PipelineConfig{
		NumProducers: s.NumProducers,
		Stride:       s.ProducerStride,
		Lookahead:    s.Lookahead,
	}

	path := cache.Path(cacheDir, g)
	if err := cache.Generate(path, g); err != nil {
		return nil, nil, pcfg, err
	}
	pc, err := cache.Open(path, pp.Nodes, s.ParentCacheWindowNodes)
	if err != nil {
		return nil, nil, pcfg, err
	}
	return g, pc, pcfg, nil
}

// encodeInPlace applies data[i] = data[i] + key[i] in the field.
func encodeInPlace(data []byte, keys labeling.Slab) error {
	for i := uint64(0); i < keys.Nodes(); i++ {
		node := data[i*crypto.NodeSize : (i+1)*crypto.NodeSize]
		d, err := crypto.DomainFromBytes(node)
		if err != nil {
			return fmt.Errorf("stacked: data node %d: %w", i, err)
		}
		k, err := crypto.DomainFromBytes(keys.Node(i))
		if err != nil {
			return fmt.Errorf("stacked: key %d: %w", i, err)
		}
		sealed, err := crypto.Encode(k, d)
		if err != nil {
			return err
		}
		copy(node, sealed[:])
	}
	return nil
}

// ExtractAll decodes a full replica, returning the original data. The
// labels are regenerated from scratch; scratchCfg names a directory the
// regenerated stores may use.
func ExtractAll(pp *PublicParams, replicaID [32]byte, replica []byte, scratchCfg merkle.StoreConfig) ([]byte, error) {
	if err := pp.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(replica)) != pp.SectorSize() {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrBadSectorSize, len(replica), pp.SectorSize())
	}

	keys, err := regenerateKeys(pp, replicaID, scratchCfg)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(replica))
	for i := uint64(0); i < pp.Nodes; i++ {
		node := replica[i*crypto.NodeSize : (i+1)*crypto.NodeSize]
		d, err := crypto.DomainFromBytes(node)
		if err != nil {
			return nil, fmt.Errorf("stacked: replica node %d: %w", i, err)
		}
		k, err := crypto.DomainFromBytes(keys.Node(i))
		if err != nil {
			return nil, fmt.Errorf("stacked: key %d: %w", i, err)
		}
		plain, err := crypto.Decode(k, d)
		if err != nil {
			return nil, err
		}
		copy(out[i*crypto.NodeSize:], plain[:])
	}
	return out, nil
}

// Extract decodes a single node from a replica.
func Extract(pp *PublicParams, replicaID [32]byte, replica []byte, nodeIndex uint64, scratchCfg merkle.StoreConfig) (crypto.Domain, error) {
	if err := pp.Validate(); err != nil {
		return crypto.Domain{}, err
	}
	if nodeIndex >= pp.Nodes {
		return crypto.Domain{}, fmt.Errorf("stacked: node %d out of %d", nodeIndex, pp.Nodes)
	}
	if uint64(len(replica)) != pp.SectorSize() {
		return crypto.Domain{}, fmt.Errorf("%w: %d bytes, want %d", ErrBadSectorSize, len(replica), pp.SectorSize())
	}

	keys, err := regenerateKeys(pp, replicaID, scratchCfg)
	if err != nil {
		return crypto.Domain{}, err
	}

	node := replica[nodeIndex*crypto.NodeSize : (nodeIndex+1)*crypto.NodeSize]
	d, err := crypto.DomainFromBytes(node)
	if err != nil {
		return crypto.Domain{}, fmt.Errorf("stacked: replica node %d: %w", nodeIndex, err)
	}
	k, err := crypto.DomainFromBytes(keys.Node(nodeIndex))
	if err != nil {
		return crypto.Domain{}, err
	}
	return crypto.Decode(k, d)
}

// regenerateKeys reruns the labeling passes without persistence and
// returns the final-layer slab.
func regenerateKeys(pp *PublicParams, replicaID [32]byte, scratchCfg merkle.StoreConfig) (labeling.Slab, error) {
	g, pc, pcfg, err := openGraph(pp, scratchCfg.Dir)
	if err != nil {
		return nil, err
	}
	defer pc.Close()

	labels, err := labeling.CreateLabels(g, pc, pp.Layers, replicaID, scratchCfg, pcfg, false)
	if err != nil {
		return nil, err
	}
	return labels.Last, nil
}
