// Package metrics exposes the replication engine's counters through
// Prometheus. Collectors are registered once on the default registry;
// serving them is left to the embedding process.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LabelsHashed counts finalized node labels across all layers.
	LabelsHashed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealcore",
		Subsystem: "labeling",
		Name:      "labels_hashed_total",
		Help:      "Number of node labels finalized.",
	})

	// LayersCompleted counts finished layer passes.
	LayersCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealcore",
		Subsystem: "labeling",
		Name:      "layers_completed_total",
		Help:      "Number of completed layer passes.",
	})

	// LayerDuration tracks wall-clock seconds per layer pass.
	LayerDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "sealcore",
		Subsystem: "labeling",
		Name:      "layer_duration_seconds",
		Help:      "Wall-clock duration of layer passes.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 4, 12),
	})

	// TreesBuilt counts Merkle tree constructions by tree name.
	TreesBuilt = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sealcore",
		Subsystem: "merkle",
		Name:      "trees_built_total",
		Help:      "Number of Merkle trees constructed.",
	}, []string{"tree"})

	// SectorsReplicated counts completed replications.
	SectorsReplicated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealcore",
		Subsystem: "replication",
		Name:      "sectors_replicated_total",
		Help:      "Number of sectors successfully replicated.",
	})

	// WindowsSealed counts sealed windows in the window-parallel variant.
	WindowsSealed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "sealcore",
		Subsystem: "nse",
		Name:      "windows_sealed_total",
		Help:      "Number of windows sealed.",
	})
)

// ObserveLayer records one finished layer pass.
func ObserveLayer(nodes uint64, elapsed time.Duration) {
	LabelsHashed.Add(float64(nodes))
	LayersCompleted.Inc()
	LayerDuration.Observe(elapsed.Seconds())
}

// ObserveTree records one tree construction.
func ObserveTree(name string) {
	TreesBuilt.WithLabelValues(name).Inc()
}
