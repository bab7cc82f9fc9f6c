// Package paramcache is the process-wide cache of circuit parameters and
// verifying keys. Entries are keyed by a SHA-256 fingerprint of the
// parameter-set identifier and guarded with OS advisory locks so that
// concurrent provers share one generation. The cached artifacts are opaque
// bytes; producing them is the circuit layer's job.
package paramcache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	sha256simd "github.com/minio/sha256-simd"
	"github.com/sealcore/sealcore/log"
	"github.com/sealcore/sealcore/settings"
)

// Version invalidates every cache entry when the circuits change.
const Version = 28

var logger = log.Default().Module("paramcache")

// ParameterSetMetadata identifies one parameter set.
type ParameterSetMetadata interface {
	// Identifier returns the canonical description of the parameter set.
	Identifier() string
	// SectorSize returns the sector size the parameters are bound to, or
	// zero when not applicable.
	SectorSize() uint64
}

// EntryMetadata is the JSON sidecar stored next to cached parameters.
type EntryMetadata struct {
	SectorSize uint64 `json:"sector_size"`
}

// Dir returns the parameter cache directory, honoring the environment
// override.
func Dir() string {
	if s, err := settings.Load(); err == nil {
		return s.ParameterCacheDir
	}
	return settings.DefaultParameterCacheDir
}

// CacheIdentifier fingerprints a parameter set under a cache prefix.
func CacheIdentifier(prefix string, meta ParameterSetMetadata) string {
	sum := sha256simd.Sum256([]byte(meta.Identifier()))
	return fmt.Sprintf("%s-%x", prefix, sum)
}

// ParamsPath returns the cached parameters file for an identifier.
func ParamsPath(id string) string {
	return filepath.Join(Dir(), fmt.Sprintf("v%d-%s.params", Version, id))
}

// VerifyingKeyPath returns the cached verifying key file for an identifier.
func VerifyingKeyPath(id string) string {
	return filepath.Join(Dir(), fmt.Sprintf("v%d-%s.vk", Version, id))
}

// MetadataPath returns the metadata sidecar file for an identifier.
func MetadataPath(id string) string {
	return filepath.Join(Dir(), fmt.Sprintf("v%d-%s.meta", Version, id))
}

// GetParams returns the cached parameters for the set, invoking generate
// under an exclusive lock when no cache entry exists yet.
func GetParams(prefix string, meta ParameterSetMetadata, generate func() ([]byte, error)) ([]byte, error) {
	id := CacheIdentifier(prefix, meta)
	return readOrGenerate(ParamsPath(id), id, generate)
}

// GetVerifyingKey returns the cached verifying key for the set, invoking
// generate under an exclusive lock when no cache entry exists yet.
func GetVerifyingKey(prefix string, meta ParameterSetMetadata, generate func() ([]byte, error)) ([]byte, error) {
	id := CacheIdentifier(prefix, meta)
	return readOrGenerate(VerifyingKeyPath(id), id, generate)
}

// GetMetadata returns the cached entry metadata, writing it on first use.
func GetMetadata(prefix string, meta ParameterSetMetadata) (EntryMetadata, error) {
	id := CacheIdentifier(prefix, meta)
	path := MetadataPath(id)

	raw, err := readOrGenerate(path, id, func() ([]byte, error) {
		return json.Marshal(EntryMetadata{SectorSize: meta.SectorSize()})
	})
	if err != nil {
		return EntryMetadata{}, err
	}
	var out EntryMetadata
	if err := json.Unmarshal(raw, &out); err != nil {
		return EntryMetadata{}, fmt.Errorf("paramcache: decoding metadata %s: %w", path, err)
	}
	return out, nil
}

// readOrGenerate reads path under a shared lock, falling back to
// generating and publishing the artifact under an exclusive lock. A
// second process racing on the same entry ends up reading the winner's
// bytes.
func readOrGenerate(path, id string, generate func() ([]byte, error)) ([]byte, error) {
	if data, err := readLocked(path); err == nil {
		return data, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("paramcache: creating cache dir: %w", err)
	}

	fl := flock.New(lockPath(path))
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("paramcache: locking %s: %w", path, err)
	}
	defer fl.Unlock()

	// Someone else may have produced the entry while we waited.
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	logger.Info("generating parameter cache entry", "id", id, "path", path)
	data, err := generate()
	if err != nil {
		return nil, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return nil, fmt.Errorf("paramcache: writing %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("paramcache: publishing %s: %w", path, err)
	}
	return data, nil
}

// readLocked reads an existing entry under a shared lock.
func readLocked(path string) ([]byte, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	fl := flock.New(lockPath(path))
	if err := fl.RLock(); err != nil {
		return nil, err
	}
	defer fl.Unlock()
	return os.ReadFile(path)
}

func lockPath(path string) string {
	return path + ".lock"
}
