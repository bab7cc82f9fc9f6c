// pipeline.go is the per-layer inner engine: a single hashing consumer fed
// by producer goroutines that prefill ring-buffer slots with parent data.
// Producers exist to hide the memory latency of the expander reads and the
// 32-byte parent copies; the consumer serializes on the v-1 dependency and
// does nothing but patch late parents and run SHA-256.
package labeling

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sealcore/sealcore/cache"
	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/graph"
	sha256simd "github.com/minio/sha256-simd"
)

// spinInterval is the sleep used in all pipeline spin-waits.
const spinInterval = 10 * time.Microsecond

// minBaseParentNode: below this node index producers skip the base-parent
// prefill entirely and leave every position to the consumer. Close to the
// start of a layer the parents are so recent that they are rarely
// finalized at prefetch time.
const minBaseParentNode = 2000

// Pipeline errors.
var (
	ErrSlabSize        = errors.New("labeling: slab does not match the node count")
	ErrMissingPrevious = errors.New("labeling: interior layer requires the previous layer slab")
	ErrBadLayer        = errors.New("labeling: pipeline layers start at 2")
	ErrNoProducers     = errors.New("labeling: at least one producer is required")
	ErrStrideWindow    = errors.New("labeling: stride must not exceed the parent-cache window")
)

// PipelineConfig tunes one layer pass.
type PipelineConfig struct {
	NumProducers int
	Stride       uint64
	Lookahead    uint64
}

// Validate checks the pipeline parameters against the parent cache. The
// stride bound is what keeps producers and the consumer from deadlocking
// on a window rotation.
func (c PipelineConfig) Validate(pc *cache.Reader) error {
	if c.NumProducers < 1 {
		return ErrNoProducers
	}
	if c.Stride == 0 || c.Lookahead == 0 {
		return fmt.Errorf("labeling: stride and lookahead must be positive")
	}
	if c.Stride > pc.WindowNodes() {
		return fmt.Errorf("%w: stride %d, window %d", ErrStrideWindow, c.Stride, pc.WindowNodes())
	}
	return nil
}

// CreateLayerLabels runs one interior layer pass (layer >= 2), writing the
// labels of every node into cur. prev holds the completed previous layer
// feeding the expander parents.
func CreateLayerLabels(pc *cache.Reader, replicaID [32]byte, cur, prev Slab, nodes uint64, layer uint32, cfg PipelineConfig) error {
	if layer < 2 {
		return ErrBadLayer
	}
	if cur.Nodes() != nodes {
		return fmt.Errorf("%w: cur has %d nodes, want %d", ErrSlabSize, cur.Nodes(), nodes)
	}
	if prev == nil {
		return ErrMissingPrevious
	}
	if prev.Nodes() != nodes {
		return fmt.Errorf("%w: prev has %d nodes, want %d", ErrSlabSize, prev.Nodes(), nodes)
	}
	if err := cfg.Validate(pc); err != nil {
		return err
	}

	ring := newRingBuf(cfg.Lookahead)
	var cs cursors
	cs.awaiting.Store(1)

	var wg sync.WaitGroup
	for p := 0; p < cfg.NumProducers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runProducer(pc, replicaID, cur, prev, nodes, layer, cfg, ring, &cs)
		}()
	}

	runConsumer(pc, replicaID, cur, nodes, layer, ring, &cs)
	wg.Wait()
	return nil
}

// runProducer claims strides of upcoming nodes and prefills their slots.
func runProducer(pc *cache.Reader, replicaID [32]byte, cur, prev Slab, nodes uint64, layer uint32, cfg PipelineConfig, ring *ringBuf, c *cursors) {
	var parents [graph.Degree]uint32

	for {
		work := c.awaiting.Add(cfg.Stride) - cfg.Stride
		if work >= nodes {
			return
		}
		count := cfg.Stride
		if work+count > nodes {
			count = nodes - work
		}

		for v := work; v < work+count; v++ {
			slotIdx := (v - 1) % cfg.Lookahead

			// Back-pressure: the slot is still owned by the consumer
			// until node v-lookahead has been hashed.
			for v > c.consumer.Load()+cfg.Lookahead-1 {
				time.Sleep(spinInterval)
			}

			buf := ring.slot(slotIdx)
			pc.ReadParents(v, parents[:], &c.consumer)
			fillSlot(v, layer, replicaID, parents[:], cur, prev, buf, &ring.missing[slotIdx], c)
		}

		// Publish in order: wait for every node below this stride.
		for work > c.producer.Load()+1 {
			time.Sleep(spinInterval)
		}
		c.producer.Add(count)
	}
}

// fillSlot writes the message prefix and every parent block that is
// already final. Base parents that are still in flight are flagged in the
// missing mask; position BaseDegree-1 is always flagged because it names
// node v-1, which cannot be final before the consumer reaches v.
func fillSlot(v uint64, layer uint32, replicaID [32]byte, parents []uint32, cur, prev Slab, buf []byte, missing *BitMask, c *cursors) {
	missing.Clear()
	writePrefix(buf, layer, v, replicaID)

	if v < minBaseParentNode {
		missing.SetUpTo(graph.BaseDegree)
	} else {
		missing.Set(graph.BaseDegree - 1)
		for k := 0; k < graph.BaseDegree-1; k++ {
			p := uint64(parents[k])
			if p >= c.consumer.Load() {
				missing.Set(k)
				continue
			}
			copy(buf[PrefixSize+k*crypto.NodeSize:], cur.Node(p))
		}
	}

	// Expander parents reference the completed previous layer and are
	// always final.
	for k := graph.BaseDegree; k < graph.Degree; k++ {
		copy(buf[PrefixSize+k*crypto.NodeSize:], prev.Node(uint64(parents[k])))
	}
}

// runConsumer finalizes every node of the layer in strict index order.
func runConsumer(pc *cache.Reader, replicaID [32]byte, cur Slab, nodes uint64, layer uint32, ring *ringBuf, c *cursors) {
	d := sha256simd.New()
	var sum [crypto.NodeSize]byte
	var parents [graph.Degree]uint32

	// Node 0 has no parents: its label is the digest of the bare prefix.
	var first [PrefixSize]byte
	writePrefix(first[:], layer, 0, replicaID)
	d.Write(first[:])
	d.Sum(sum[:0])
	crypto.Truncate(sum[:])
	copy(cur.Node(0), sum[:])
	c.consumer.Store(1)

	slotIdx := uint64(0)
	for v := uint64(1); v < nodes; {
		producer := c.producer.Load()
		for producer < v {
			time.Sleep(spinInterval)
			producer = c.producer.Load()
		}

		// Process every node the producers have published.
		for ; v <= producer; v++ {
			buf := ring.slot(slotIdx)
			missing := ring.missing[slotIdx]

			if missing != 0 {
				pc.ConsumerParents(v, parents[:])
				for k := 0; k < graph.BaseDegree; k++ {
					if !missing.Get(k) {
						continue
					}
					p := uint64(parents[k])
					copy(buf[PrefixSize+k*crypto.NodeSize:], cur.Node(p))
				}
			}

			// Interior-layer message: prefix, all parents twice, then
			// the first nine parents again. 1248 bytes in total.
			d.Reset()
			d.Write(buf[:PrefixSize])
			d.Write(buf[PrefixSize:slotSize])
			d.Write(buf[PrefixSize:slotSize])
			d.Write(buf[PrefixSize : PrefixSize+9*crypto.NodeSize])
			d.Sum(sum[:0])
			crypto.Truncate(sum[:])
			copy(cur.Node(v), sum[:])

			c.consumer.Add(1)
			slotIdx = (slotIdx + 1) % ring.lookahead
		}
	}
}
