// ringbuf.go holds the lookahead queue between producers and the consumer:
// a fixed ring of message slots plus one missing-parent bit mask per slot.
// Slot ownership is coordinated entirely through the pipeline cursors, so
// the structures themselves carry no locks.
package labeling

import "sync/atomic"

// BitMask records which base parents of a slot were not yet finalized when
// the slot was prefilled. The consumer patches exactly these before
// hashing. Bit k corresponds to base-parent position k.
type BitMask uint32

// Set marks position k as missing.
func (m *BitMask) Set(k int) { *m |= 1 << k }

// Get reports whether position k is missing.
func (m BitMask) Get(k int) bool { return m&(1<<k) != 0 }

// SetUpTo marks positions [0, n) as missing.
func (m *BitMask) SetUpTo(n int) { *m |= 1<<n - 1 }

// Clear resets the mask.
func (m *BitMask) Clear() { *m = 0 }

// ringBuf is the prefetch queue. Slot i is exclusively written by the
// producer that claimed its node and exclusively read by the consumer once
// the producer cursor has passed that node.
type ringBuf struct {
	lookahead uint64
	data      []byte
	missing   []BitMask
}

func newRingBuf(lookahead uint64) *ringBuf {
	return &ringBuf{
		lookahead: lookahead,
		data:      make([]byte, lookahead*slotSize),
		missing:   make([]BitMask, lookahead),
	}
}

// slot returns the message buffer of ring slot i.
func (r *ringBuf) slot(i uint64) []byte {
	return r.data[i*slotSize : (i+1)*slotSize : (i+1)*slotSize]
}

// cursors are the three pipeline positions, padded apart so the hot
// counters do not share cache lines.
//
//	consumer: node the hashing loop is currently producing
//	producer: highest node whose slot is fully prefilled
//	awaiting: next node a producer will claim
//
// Invariant between operations: consumer <= producer+1 <= awaiting.
type cursors struct {
	consumer atomic.Uint64
	_        [56]byte
	producer atomic.Uint64
	_        [56]byte
	awaiting atomic.Uint64
	_        [56]byte
}
