// Package e2e_test exercises the full replication pipeline end to end:
// seal a sector, check the commitments, and recover the original data
// through both extraction paths.
package e2e_test

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/merkle"
	"github.com/sealcore/sealcore/nse"
	"github.com/sealcore/sealcore/stacked"
)

var (
	porepID   = [32]byte{123, 123, 123, 123, 123, 123, 123, 123, 123, 123,
		123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123,
		123, 123, 123, 123, 123, 123, 123, 123}
	replicaID = [32]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,
		9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
)

// canonicalSector builds a sector of random field-element nodes.
func canonicalSector(seed int64, nodes uint64) []byte {
	r := rand.New(rand.NewSource(seed))
	data := make([]byte, nodes*crypto.NodeSize)
	r.Read(data)
	for i := uint64(0); i < nodes; i++ {
		crypto.Truncate(data[(i+1)*crypto.NodeSize-crypto.NodeSize : (i+1)*crypto.NodeSize])
	}
	return data
}

// TestStackedPipeline seals a small stacked-DRG sector and walks the whole
// lifecycle: commitments out, temporary aux on disk, replica decodable.
func TestStackedPipeline(t *testing.T) {
	pp := &stacked.PublicParams{
		Nodes:   256,
		Layers:  4,
		PorepID: porepID,
	}
	data := canonicalSector(1, pp.Nodes)
	orig := bytes.Clone(data)

	tau, pAux, tAux, err := stacked.Replicate(pp, replicaID, data, merkle.StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Replicate failed: %v", err)
	}
	if bytes.Equal(data, orig) {
		t.Fatal("sector not encoded")
	}

	// The public commitments bind data, replica and columns.
	if tau.CommD.IsZero() || tau.CommR.IsZero() {
		t.Fatal("tau must be non-zero")
	}
	if pAux.CommC.IsZero() || pAux.CommQ.IsZero() || pAux.CommRLast.IsZero() {
		t.Fatal("persistent aux must be non-zero")
	}

	// Every label layer is recoverable from its store and canonical.
	for layer := 1; layer <= pp.Layers; layer++ {
		ds, err := tAux.LabelsForLayer(layer)
		if err != nil {
			t.Fatalf("layer %d store: %v", layer, err)
		}
		if ds.Len() != int(pp.Nodes) {
			t.Fatalf("layer %d store has %d nodes", layer, ds.Len())
		}
		label, err := ds.ReadAt(ds.Len() - 1)
		ds.Close()
		if err != nil {
			t.Fatalf("layer %d read: %v", layer, err)
		}
		if !crypto.IsCanonical(label[:]) {
			t.Fatalf("layer %d label not canonical", layer)
		}
	}

	// Extraction restores the original sector byte for byte.
	out, err := stacked.ExtractAll(pp, replicaID, data, merkle.StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("ExtractAll failed: %v", err)
	}
	if !bytes.Equal(out, orig) {
		t.Fatal("extract_all(replicate(data)) != data")
	}
}

// TestWindowedPipeline seals a windowed sector, checks window independence
// through single-node extraction, and decodes it back.
func TestWindowedPipeline(t *testing.T) {
	cfg := &nse.Config{
		K:                  8,
		NumNodesWindow:     64,
		DegreeExpander:     12,
		DegreeButterfly:    4,
		NumExpanderLayers:  6,
		NumButterflyLayers: 4,
		SectorSize:         2048 * 8,
	}
	nodes := cfg.SectorSize / crypto.NodeSize
	data := canonicalSector(2, nodes)
	orig := bytes.Clone(data)

	so, err := nse.SealSector(cfg, replicaID, data, merkle.StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("SealSector failed: %v", err)
	}
	if so.CommR.IsZero() {
		t.Fatal("comm_r must be non-zero")
	}
	if uint64(len(so.Windows)) != cfg.NumWindows() {
		t.Fatalf("window outputs = %d, want %d", len(so.Windows), cfg.NumWindows())
	}

	// Single-node extraction touches only the containing window.
	for _, idx := range []uint64{0, 70, nodes - 1} {
		node, err := nse.ExtractNode(cfg, replicaID, data, idx)
		if err != nil {
			t.Fatalf("ExtractNode(%d) failed: %v", idx, err)
		}
		if !bytes.Equal(node[:], orig[idx*crypto.NodeSize:(idx+1)*crypto.NodeSize]) {
			t.Fatalf("node %d mismatch after extraction", idx)
		}
	}

	if err := nse.DecodeSector(cfg, replicaID, data); err != nil {
		t.Fatalf("DecodeSector failed: %v", err)
	}
	if !bytes.Equal(data, orig) {
		t.Fatal("decode(seal(data)) != data")
	}
}

// TestStackedDeterminismAcrossRuns replays replication and requires
// identical commitments, the property the proof system depends on.
func TestStackedDeterminismAcrossRuns(t *testing.T) {
	pp := &stacked.PublicParams{Nodes: 256, Layers: 3, PorepID: porepID}
	data := canonicalSector(3, pp.Nodes)

	tau1, _, _, err := stacked.Replicate(pp, replicaID, bytes.Clone(data), merkle.StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("first Replicate failed: %v", err)
	}
	tau2, _, _, err := stacked.Replicate(pp, replicaID, bytes.Clone(data), merkle.StoreConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("second Replicate failed: %v", err)
	}
	if tau1 != tau2 {
		t.Fatalf("replication not deterministic: %+v vs %+v", tau1, tau2)
	}
}
