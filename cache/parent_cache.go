// Package cache provides the precomputed parent cache backing the labeling
// pipeline. The cache is a produce-once, read-many file of N records, each
// holding the Degree little-endian u32 parent indices of one node. Readers
// map the file and walk it through a sliding window so the resident set
// stays bounded no matter the sector size.
package cache

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sealcore/sealcore/graph"
	"github.com/sealcore/sealcore/log"
	"golang.org/x/sys/unix"
)

// parentRecordSize is the byte size of one node's parent record.
const parentRecordSize = graph.Degree * 4

// spinInterval is the sleep between polls while a reader waits for the
// consumer to release the lower half of the window.
const spinInterval = 10 * time.Microsecond

// Cache errors.
var (
	ErrSizeMismatch    = errors.New("cache: parent cache file has unexpected size")
	ErrWindowTooNarrow = errors.New("cache: window must hold at least two nodes")
	ErrResetPending    = errors.New("cache: reset already in progress")
)

var logger = log.Default().Module("cache")

// Path returns the canonical parent-cache location for a graph inside dir.
func Path(dir string, g *graph.StackedBucketGraph) string {
	return filepath.Join(dir, fmt.Sprintf("parents-%s.cache", g.ID()))
}

// Generate writes the parent cache for g at path unless a file of the
// right size already exists. Generation goes through a temp file and a
// rename so a crashed writer never leaves a torn cache behind.
func Generate(path string, g *graph.StackedBucketGraph) error {
	want := int64(g.Size()) * parentRecordSize
	if fi, err := os.Stat(path); err == nil {
		if fi.Size() == want {
			return nil
		}
		logger.Warn("discarding parent cache with unexpected size",
			"path", path, "size", fi.Size(), "want", want)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cache: creating cache dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("cache: creating temp cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	logger.Info("generating parent cache", "path", path, "nodes", g.Size())

	var parents [graph.Degree]uint32
	record := make([]byte, parentRecordSize)
	buf := make([]byte, 0, 1<<20)
	for v := uint64(0); v < g.Size(); v++ {
		g.Parents(v, parents[:])
		for k, p := range parents {
			binary.LittleEndian.PutUint32(record[k*4:], p)
		}
		buf = append(buf, record...)
		if len(buf)+parentRecordSize > cap(buf) {
			if _, err := tmp.Write(buf); err != nil {
				tmp.Close()
				return fmt.Errorf("cache: writing parent cache: %w", err)
			}
			buf = buf[:0]
		}
	}
	if len(buf) > 0 {
		if _, err := tmp.Write(buf); err != nil {
			tmp.Close()
			return fmt.Errorf("cache: writing parent cache: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("cache: closing temp cache: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("cache: publishing parent cache: %w", err)
	}
	return nil
}

// Reader is a windowed view over a memory-mapped parent cache. Producer
// goroutines read through ReadParents, which may block on window rotation;
// the consumer reads through ConsumerParents, which never blocks because
// the consumer cursor is what drives rotation in the first place.
type Reader struct {
	path        string
	mm          []byte
	nodes       uint64
	windowNodes uint64

	// winStart is the node index at the base of the resident window.
	winStart atomic.Uint64

	// resetDone is non-nil while an asynchronous reset is in flight.
	resetDone chan struct{}
}

// Open maps the parent cache at path for a graph of the given node count.
// windowNodes bounds the resident window; it is clamped to the node count.
func Open(path string, nodes, windowNodes uint64) (*Reader, error) {
	if windowNodes < 2 {
		return nil, fmt.Errorf("%w: window of %d nodes", ErrWindowTooNarrow, windowNodes)
	}
	if windowNodes > nodes {
		windowNodes = nodes
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cache: opening parent cache: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("cache: stat parent cache: %w", err)
	}
	want := int64(nodes) * parentRecordSize
	if fi.Size() != want {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrSizeMismatch, fi.Size(), want)
	}

	mm, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("cache: mmap parent cache: %w", err)
	}

	r := &Reader{
		path:        path,
		mm:          mm,
		nodes:       nodes,
		windowNodes: windowNodes,
	}
	r.adviseWindow(0)
	return r, nil
}

// Close unmaps the cache.
func (r *Reader) Close() error {
	if r.mm == nil {
		return nil
	}
	err := unix.Munmap(r.mm)
	r.mm = nil
	return err
}

// WindowNodes returns the configured window length in nodes.
func (r *Reader) WindowNodes() uint64 { return r.windowNodes }

// ReadParents decodes the parent record of node into out, rotating the
// window forward if node lies beyond it. Rotation waits until curConsumer
// has cleared the half of the window about to be released.
func (r *Reader) ReadParents(node uint64, out []uint32, curConsumer *atomic.Uint64) {
	half := r.windowNodes / 2
	for {
		start := r.winStart.Load()
		if node < start+r.windowNodes {
			break
		}
		// Release the lower half once the consumer is past it.
		if curConsumer.Load() >= start+half {
			if r.winStart.CompareAndSwap(start, start+half) {
				r.releaseRange(start, start+half)
				r.adviseWindow(start + half)
			}
			continue
		}
		time.Sleep(spinInterval)
	}
	r.decode(node, out)
}

// ConsumerParents decodes the parent record of node into out. The node is
// contractually within the resident window.
func (r *Reader) ConsumerParents(node uint64, out []uint32) {
	r.decode(node, out)
}

// StartReset begins an asynchronous rewind of the window to the start of
// the sector, prefetching the first window for the next layer pass.
func (r *Reader) StartReset() error {
	if r.resetDone != nil {
		return ErrResetPending
	}
	done := make(chan struct{})
	r.resetDone = done
	go func() {
		defer close(done)
		r.adviseWindow(0)
		// Touch one byte per page so the first window is resident before
		// the next layer starts hashing.
		end := r.windowNodes * parentRecordSize
		if end > uint64(len(r.mm)) {
			end = uint64(len(r.mm))
		}
		var sink byte
		for off := uint64(0); off < end; off += 4096 {
			sink ^= r.mm[off]
		}
		_ = sink
	}()
	return nil
}

// FinishReset blocks until the pending reset completes and publishes the
// rewound window. Calling it with no reset pending is a no-op so layer 1
// of the first pass needs no special casing by callers.
func (r *Reader) FinishReset() {
	if r.resetDone == nil {
		return
	}
	<-r.resetDone
	r.resetDone = nil
	r.winStart.Store(0)
}

func (r *Reader) decode(node uint64, out []uint32) {
	off := node * parentRecordSize
	rec := r.mm[off : off+parentRecordSize]
	for k := range out {
		out[k] = binary.LittleEndian.Uint32(rec[k*4:])
	}
}

// adviseWindow hints the kernel to read ahead the window starting at the
// given node.
func (r *Reader) adviseWindow(startNode uint64) {
	start := startNode * parentRecordSize
	end := start + r.windowNodes*parentRecordSize
	if end > uint64(len(r.mm)) {
		end = uint64(len(r.mm))
	}
	if start >= end {
		return
	}
	_ = unix.Madvise(r.mm[start:end], unix.MADV_WILLNEED)
}

// releaseRange tells the kernel the given node range will not be read
// again within this layer pass.
func (r *Reader) releaseRange(startNode, endNode uint64) {
	start := startNode * parentRecordSize
	end := endNode * parentRecordSize
	if end > uint64(len(r.mm)) {
		end = uint64(len(r.mm))
	}
	if start >= end {
		return
	}
	_ = unix.Madvise(r.mm[start:end], unix.MADV_DONTNEED)
}
