package labeling

import (
	"bytes"
	"os"
	"testing"

	"github.com/sealcore/sealcore/merkle"
)

func TestCreateLabels_PersistsEveryLayer(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	dir := t.TempDir()
	cfg := merkle.StoreConfig{Dir: dir}

	labels, err := CreateLabels(g, pc, 4, testReplicaID, cfg, testConfig(2), true)
	if err != nil {
		t.Fatalf("CreateLabels failed: %v", err)
	}
	if len(labels.States) != 4 {
		t.Fatalf("expected 4 layer states, got %d", len(labels.States))
	}
	for _, st := range labels.States {
		fi, err := os.Stat(st.Config.Path())
		if err != nil {
			t.Fatalf("layer %d store missing: %v", st.Layer, err)
		}
		if fi.Size() != int64(g.Size())*32 {
			t.Fatalf("layer %d store has size %d", st.Layer, fi.Size())
		}
		if !st.Generated {
			t.Fatalf("layer %d not marked generated", st.Layer)
		}
	}
}

func TestCreateLabels_LastLayerMatchesStore(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	cfg := merkle.StoreConfig{Dir: t.TempDir()}

	labels, err := CreateLabels(g, pc, 3, testReplicaID, cfg, testConfig(2), true)
	if err != nil {
		t.Fatalf("CreateLabels failed: %v", err)
	}

	lastCfg, err := labels.LayerConfig(3)
	if err != nil {
		t.Fatalf("LayerConfig failed: %v", err)
	}
	ds, err := merkle.OpenDiskStore(lastCfg)
	if err != nil {
		t.Fatalf("open last layer store: %v", err)
	}
	defer ds.Close()
	stored, err := ds.ReadRange(0, ds.Len())
	if err != nil {
		t.Fatalf("read last layer store: %v", err)
	}
	if !bytes.Equal(stored, labels.Last) {
		t.Fatal("resident last layer differs from persisted store")
	}
}

func TestCreateLabels_Deterministic(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)

	l1, err := CreateLabels(g, pc, 3, testReplicaID, merkle.StoreConfig{Dir: t.TempDir()}, testConfig(2), true)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	l2, err := CreateLabels(g, pc, 3, testReplicaID, merkle.StoreConfig{Dir: t.TempDir()}, testConfig(4), true)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !bytes.Equal(l1.Last, l2.Last) {
		t.Fatal("labeling must be deterministic across runs and producer counts")
	}
}

func TestCreateLabels_ResumeSkipsCompleteLayers(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	dir := t.TempDir()
	cfg := merkle.StoreConfig{Dir: dir}

	first, err := CreateLabels(g, pc, 3, testReplicaID, cfg, testConfig(2), true)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	// A second run over the same cache dir finds every layer complete.
	second, err := CreateLabels(g, pc, 3, testReplicaID, cfg, testConfig(2), true)
	if err != nil {
		t.Fatalf("resumed run failed: %v", err)
	}
	for _, st := range second.States {
		if st.Generated {
			t.Fatalf("layer %d regenerated despite complete store", st.Layer)
		}
	}
	if !bytes.Equal(first.Last, second.Last) {
		t.Fatal("resumed labels differ from original")
	}
}

func TestCreateLabels_LayerCountValidation(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	if _, err := CreateLabels(g, pc, 0, testReplicaID, merkle.StoreConfig{Dir: t.TempDir()}, testConfig(2), true); err != ErrNoLayers {
		t.Fatalf("want ErrNoLayers, got %v", err)
	}
}

func TestLayerID_Names(t *testing.T) {
	if LayerID(7) != "layer-7" {
		t.Fatalf("LayerID(7) = %q", LayerID(7))
	}
}
