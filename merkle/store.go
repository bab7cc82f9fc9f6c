// Package merkle builds the per-layer commitment trees of the replication
// pipeline and the element stores backing them. A store is a flat array of
// 32-byte domain elements; trees are built bottom-up over a store's
// contents with a configurable arity and an optional number of discarded
// bottom rows for the replica tree.
package merkle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sealcore/sealcore/crypto"
)

// storeFilePrefix is the sector-cache naming scheme shared by layer slabs
// and tree stores.
const storeFilePrefix = "sc-02-data-"

// Store errors.
var (
	ErrUnalignedData = errors.New("merkle: data length is not a multiple of the node size")
	ErrOutOfRange    = errors.New("merkle: element index out of range")
)

// StoreConfig names an on-disk store inside a sector cache directory.
type StoreConfig struct {
	// Dir is the sector cache directory.
	Dir string
	// ID distinguishes stores within the directory ("layer-3", "tree-c",
	// "tree-r-last", ...).
	ID string
	// RowsToDiscard is the number of tree rows above the leaves that are
	// dropped from persistence and recomputed on demand during proving.
	// Only meaningful for tree stores.
	RowsToDiscard int
}

// Path returns the file path of the store.
func (c StoreConfig) Path() string {
	return filepath.Join(c.Dir, storeFilePrefix+c.ID+".dat")
}

// WithID derives a config for a sibling store in the same directory.
func (c StoreConfig) WithID(id string) StoreConfig {
	c.ID = id
	return c
}

// Store is a read-only array of domain elements.
type Store interface {
	Len() int
	ReadAt(i int) (crypto.Domain, error)
	Close() error
}

// ---------------------------------------------------------------------------
// DiskStore
// ---------------------------------------------------------------------------

// DiskStore is a file-backed element store.
type DiskStore struct {
	f     *os.File
	path  string
	count int
}

// NewDiskStoreFromSlice persists data as a store under cfg and returns a
// reader over it. The write goes to the final path directly; persistence
// is idempotent on path names so a failed replication is restarted from
// scratch.
func NewDiskStoreFromSlice(cfg StoreConfig, data []byte) (*DiskStore, error) {
	if len(data)%crypto.NodeSize != 0 {
		return nil, ErrUnalignedData
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("merkle: creating store dir: %w", err)
	}
	path := cfg.Path()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, fmt.Errorf("merkle: writing store %s: %w", cfg.ID, err)
	}
	return OpenDiskStore(cfg)
}

// OpenDiskStore opens an existing store.
func OpenDiskStore(cfg StoreConfig) (*DiskStore, error) {
	f, err := os.Open(cfg.Path())
	if err != nil {
		return nil, fmt.Errorf("merkle: opening store %s: %w", cfg.ID, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("merkle: stat store %s: %w", cfg.ID, err)
	}
	if fi.Size()%crypto.NodeSize != 0 {
		f.Close()
		return nil, ErrUnalignedData
	}
	return &DiskStore{f: f, path: cfg.Path(), count: int(fi.Size() / crypto.NodeSize)}, nil
}

// Len implements Store.
func (s *DiskStore) Len() int { return s.count }

// Path returns the backing file path.
func (s *DiskStore) Path() string { return s.path }

// ReadAt implements Store.
func (s *DiskStore) ReadAt(i int) (crypto.Domain, error) {
	if i < 0 || i >= s.count {
		return crypto.Domain{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, s.count)
	}
	var d crypto.Domain
	if _, err := s.f.ReadAt(d[:], int64(i)*crypto.NodeSize); err != nil {
		return crypto.Domain{}, fmt.Errorf("merkle: reading element %d: %w", i, err)
	}
	return d, nil
}

// ReadRange reads elements [from, to) into a fresh byte slice.
func (s *DiskStore) ReadRange(from, to int) ([]byte, error) {
	if from < 0 || to > s.count || from > to {
		return nil, fmt.Errorf("%w: [%d, %d) of %d", ErrOutOfRange, from, to, s.count)
	}
	buf := make([]byte, (to-from)*crypto.NodeSize)
	if _, err := s.f.ReadAt(buf, int64(from)*crypto.NodeSize); err != nil {
		return nil, fmt.Errorf("merkle: reading range: %w", err)
	}
	return buf, nil
}

// Close implements Store.
func (s *DiskStore) Close() error { return s.f.Close() }

// Delete removes the store file named by cfg.
func Delete(cfg StoreConfig) error {
	err := os.Remove(cfg.Path())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("merkle: deleting store %s: %w", cfg.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// MemStore
// ---------------------------------------------------------------------------

// MemStore is an in-memory element store used for trees that are never
// persisted.
type MemStore struct {
	elems []crypto.Domain
}

// NewMemStore wraps a slice of elements.
func NewMemStore(elems []crypto.Domain) *MemStore {
	return &MemStore{elems: elems}
}

// Len implements Store.
func (s *MemStore) Len() int { return len(s.elems) }

// ReadAt implements Store.
func (s *MemStore) ReadAt(i int) (crypto.Domain, error) {
	if i < 0 || i >= len(s.elems) {
		return crypto.Domain{}, fmt.Errorf("%w: %d of %d", ErrOutOfRange, i, len(s.elems))
	}
	return s.elems[i], nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
