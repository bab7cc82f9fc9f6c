package labeling

import (
	"bytes"
	"testing"

	"github.com/sealcore/sealcore/cache"
	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/graph"
	sha256simd "github.com/minio/sha256-simd"
)

var (
	testPorepID   = [32]byte{123, 123, 123, 123, 123, 123, 123, 123, 123, 123,
		123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123, 123,
		123, 123, 123, 123, 123, 123, 123, 123}
	testReplicaID = [32]byte{9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9,
		9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9, 9}
)

func testPipelineSetup(t *testing.T, nodes uint64) (*graph.StackedBucketGraph, *cache.Reader) {
	t.Helper()
	g, err := graph.New(nodes, testPorepID)
	if err != nil {
		t.Fatalf("graph.New failed: %v", err)
	}
	path := cache.Path(t.TempDir(), g)
	if err := cache.Generate(path, g); err != nil {
		t.Fatalf("cache.Generate failed: %v", err)
	}
	pc, err := cache.Open(path, nodes, nodes)
	if err != nil {
		t.Fatalf("cache.Open failed: %v", err)
	}
	t.Cleanup(func() { pc.Close() })
	return g, pc
}

func testConfig(producers int) PipelineConfig {
	return PipelineConfig{NumProducers: producers, Stride: 16, Lookahead: 64}
}

// referenceLayer computes an interior layer naively, single threaded,
// straight from the definition: label(v) is the truncated SHA-256 of the
// prefix followed by the 14 parent blocks cycled out to 1248 bytes.
func referenceLayer(g *graph.StackedBucketGraph, replicaID [32]byte, prev Slab, layer uint32) Slab {
	nodes := g.Size()
	cur := NewSlab(nodes)

	d := sha256simd.New()
	var sum [crypto.NodeSize]byte
	var prefix [PrefixSize]byte
	var parents [graph.Degree]uint32
	region := make([]byte, graph.Degree*crypto.NodeSize)

	writePrefix(prefix[:], layer, 0, replicaID)
	d.Write(prefix[:])
	d.Sum(sum[:0])
	crypto.Truncate(sum[:])
	copy(cur.Node(0), sum[:])

	for v := uint64(1); v < nodes; v++ {
		g.Parents(v, parents[:])
		for k := 0; k < graph.BaseDegree; k++ {
			copy(region[k*crypto.NodeSize:], cur.Node(uint64(parents[k])))
		}
		for k := graph.BaseDegree; k < graph.Degree; k++ {
			copy(region[k*crypto.NodeSize:], prev.Node(uint64(parents[k])))
		}
		writePrefix(prefix[:], layer, v, replicaID)
		d.Reset()
		d.Write(prefix[:])
		d.Write(region)
		d.Write(region)
		d.Write(region[:9*crypto.NodeSize])
		d.Sum(sum[:0])
		crypto.Truncate(sum[:])
		copy(cur.Node(v), sum[:])
	}
	return cur
}

func TestHashPrefix_Vectors(t *testing.T) {
	if got := HashPrefix(0, 0); got != [32]byte{} {
		t.Fatalf("HashPrefix(0,0) = %x, want all zero", got)
	}
	want := [32]byte{0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 6}
	if got := HashPrefix(1, 6); got != want {
		t.Fatalf("HashPrefix(1,6) = %x, want %x", got, want)
	}
}

func TestBitMask_Operations(t *testing.T) {
	var m BitMask
	m.Set(5)
	if !m.Get(5) || m.Get(0) {
		t.Fatal("Set/Get mismatch")
	}
	m.SetUpTo(3)
	for k := 0; k < 3; k++ {
		if !m.Get(k) {
			t.Fatalf("bit %d not set by SetUpTo", k)
		}
	}
	if m.Get(3) {
		t.Fatal("SetUpTo set one bit too many")
	}
	m.Clear()
	if m != 0 {
		t.Fatal("Clear left bits behind")
	}
}

func TestMaskLayer_MatchesDefinition(t *testing.T) {
	out := NewSlab(128)
	maskLayer(testReplicaID, out, 0)

	var prefix [PrefixSize]byte
	for v := uint64(0); v < 128; v++ {
		writePrefix(prefix[:], 1, v, testReplicaID)
		want := sha256simd.Sum256(prefix[:])
		crypto.Truncate(want[:])
		if !bytes.Equal(out.Node(v), want[:]) {
			t.Fatalf("mask node %d mismatch", v)
		}
	}
}

func TestMaskLayer_WindowOffsetChangesLabels(t *testing.T) {
	a := NewSlab(64)
	b := NewSlab(64)
	maskLayer(testReplicaID, a, 0)
	maskLayer(testReplicaID, b, 64)
	if bytes.Equal(a, b) {
		t.Fatal("window offset must shift the absolute node index")
	}
}

func TestCreateLayerLabels_MatchesReference(t *testing.T) {
	g, pc := testPipelineSetup(t, 2048)
	nodes := g.Size()

	prev := NewSlab(nodes)
	maskLayer(testReplicaID, prev, 0)

	cur := NewSlab(nodes)
	if err := CreateLayerLabels(pc, testReplicaID, cur, prev, nodes, 2, testConfig(2)); err != nil {
		t.Fatalf("CreateLayerLabels failed: %v", err)
	}

	want := referenceLayer(g, testReplicaID, prev, 2)
	if !bytes.Equal(cur, want) {
		for v := uint64(0); v < nodes; v++ {
			if !bytes.Equal(cur.Node(v), want.Node(v)) {
				t.Fatalf("first mismatch at node %d: %x vs %x", v, cur.Node(v), want.Node(v))
			}
		}
	}
}

func TestCreateLayerLabels_TopBitsClear(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	nodes := g.Size()

	prev := NewSlab(nodes)
	maskLayer(testReplicaID, prev, 0)
	cur := NewSlab(nodes)
	if err := CreateLayerLabels(pc, testReplicaID, cur, prev, nodes, 2, testConfig(2)); err != nil {
		t.Fatalf("CreateLayerLabels failed: %v", err)
	}
	for v := uint64(0); v < nodes; v++ {
		if cur.Node(v)[crypto.NodeSize-1]&0xC0 != 0 {
			t.Fatalf("node %d: top two bits not cleared", v)
		}
		if !crypto.IsCanonical(cur.Node(v)) {
			t.Fatalf("node %d: label not canonical", v)
		}
	}
}

func TestCreateLayerLabels_ProducerCountInvariance(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	nodes := g.Size()

	prev := NewSlab(nodes)
	maskLayer(testReplicaID, prev, 0)

	var baseline Slab
	for producers := 1; producers <= 8; producers++ {
		cur := NewSlab(nodes)
		if err := CreateLayerLabels(pc, testReplicaID, cur, prev, nodes, 2, testConfig(producers)); err != nil {
			t.Fatalf("producers=%d: %v", producers, err)
		}
		if baseline == nil {
			baseline = cur
			continue
		}
		if !bytes.Equal(cur, baseline) {
			t.Fatalf("labels differ with %d producers", producers)
		}
	}
}

func TestCreateLayerLabels_Validation(t *testing.T) {
	g, pc := testPipelineSetup(t, 1024)
	nodes := g.Size()
	cur := NewSlab(nodes)
	prev := NewSlab(nodes)

	if err := CreateLayerLabels(pc, testReplicaID, cur, prev, nodes, 1, testConfig(2)); err != ErrBadLayer {
		t.Fatalf("want ErrBadLayer, got %v", err)
	}
	if err := CreateLayerLabels(pc, testReplicaID, cur, nil, nodes, 2, testConfig(2)); err != ErrMissingPrevious {
		t.Fatalf("want ErrMissingPrevious, got %v", err)
	}
	if err := CreateLayerLabels(pc, testReplicaID, NewSlab(16), prev, nodes, 2, testConfig(2)); err == nil {
		t.Fatal("want slab size error")
	}
	if err := CreateLayerLabels(pc, testReplicaID, cur, prev, nodes, 2, PipelineConfig{NumProducers: 0, Stride: 16, Lookahead: 64}); err != ErrNoProducers {
		t.Fatalf("want ErrNoProducers, got %v", err)
	}

	// Stride above the parent-cache window must be rejected up front; an
	// unchecked value can deadlock the pass.
	_ = g
	wide := PipelineConfig{NumProducers: 1, Stride: nodes + 1, Lookahead: 64}
	if err := wide.Validate(pc); err == nil {
		t.Fatal("want stride/window validation error")
	}
}
