package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveLayer_Accumulates(t *testing.T) {
	before := testutil.ToFloat64(LabelsHashed)
	layersBefore := testutil.ToFloat64(LayersCompleted)

	ObserveLayer(2048, 5*time.Millisecond)

	if got := testutil.ToFloat64(LabelsHashed) - before; got != 2048 {
		t.Fatalf("labels hashed delta = %v, want 2048", got)
	}
	if got := testutil.ToFloat64(LayersCompleted) - layersBefore; got != 1 {
		t.Fatalf("layers completed delta = %v, want 1", got)
	}
}

func TestObserveTree_PerTreeLabels(t *testing.T) {
	before := testutil.ToFloat64(TreesBuilt.WithLabelValues("tree-r-last"))
	ObserveTree("tree-r-last")
	ObserveTree("tree-c")

	if got := testutil.ToFloat64(TreesBuilt.WithLabelValues("tree-r-last")) - before; got != 1 {
		t.Fatalf("tree-r-last delta = %v, want 1", got)
	}
}
