// hasher.go implements the polymorphic hasher capability used by the Merkle
// layer. Each instantiation turns arbitrary bytes or child elements into a
// canonical Domain. Sha256 backs the data tree, Blake2s is kept for
// compatibility trees, and Poseidon is the production hasher for replica
// and column trees.
package crypto

import (
	"fmt"
	"sort"
	"sync"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr/poseidon2"
	sha256simd "github.com/minio/sha256-simd"
	"golang.org/x/crypto/blake2s"
)

// Hasher digests bytes and tree children into Domain elements.
type Hasher interface {
	// Name identifies the instantiation ("sha256", "blake2s", "poseidon").
	Name() string
	// Digest hashes arbitrary bytes into a canonical Domain.
	Digest(data []byte) Domain
	// HashChildren hashes an ordered set of child elements into their
	// parent node. Used with 2 children for binary trees and with the
	// tree arity for wider trees.
	HashChildren(children []Domain) Domain
}

var (
	hashersMu sync.RWMutex
	hashers   = map[string]Hasher{}
)

// RegisterHasher makes a hasher available by name. Later registrations
// replace earlier ones, which lets an accelerated implementation shadow the
// reference one under the same name.
func RegisterHasher(h Hasher) {
	hashersMu.Lock()
	defer hashersMu.Unlock()
	hashers[h.Name()] = h
}

// HasherByName looks up a registered hasher.
func HasherByName(name string) (Hasher, error) {
	hashersMu.RLock()
	defer hashersMu.RUnlock()
	h, ok := hashers[name]
	if !ok {
		return nil, fmt.Errorf("crypto: no hasher registered under %q", name)
	}
	return h, nil
}

// HasherNames returns the sorted names of all registered hashers.
func HasherNames() []string {
	hashersMu.RLock()
	defer hashersMu.RUnlock()
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	RegisterHasher(Sha256Hasher{})
	RegisterHasher(Blake2sHasher{})
	RegisterHasher(PoseidonHasher{})
}

// ---------------------------------------------------------------------------
// Sha256
// ---------------------------------------------------------------------------

// Sha256Hasher is the SHA-256 instantiation, accelerated with SHA-NI/AVX2
// where available. Digests are truncated into the field.
type Sha256Hasher struct{}

// Name implements Hasher.
func (Sha256Hasher) Name() string { return "sha256" }

// Digest implements Hasher.
func (Sha256Hasher) Digest(data []byte) Domain {
	sum := sha256simd.Sum256(data)
	return TruncatedDomain(sum[:])
}

// HashChildren implements Hasher.
func (Sha256Hasher) HashChildren(children []Domain) Domain {
	h := sha256simd.New()
	for i := range children {
		h.Write(children[i][:])
	}
	var sum [NodeSize]byte
	h.Sum(sum[:0])
	return TruncatedDomain(sum[:])
}

// ---------------------------------------------------------------------------
// Blake2s
// ---------------------------------------------------------------------------

// Blake2sHasher is the Blake2s-256 instantiation.
type Blake2sHasher struct{}

// Name implements Hasher.
func (Blake2sHasher) Name() string { return "blake2s" }

// Digest implements Hasher.
func (Blake2sHasher) Digest(data []byte) Domain {
	sum := blake2s.Sum256(data)
	return TruncatedDomain(sum[:])
}

// HashChildren implements Hasher.
func (Blake2sHasher) HashChildren(children []Domain) Domain {
	h, _ := blake2s.New256(nil)
	for i := range children {
		h.Write(children[i][:])
	}
	var sum [NodeSize]byte
	h.Sum(sum[:0])
	return TruncatedDomain(sum[:])
}

// ---------------------------------------------------------------------------
// Poseidon
// ---------------------------------------------------------------------------

// PoseidonHasher is the algebraic instantiation over the BLS12-381 scalar
// field, backed by gnark-crypto's Poseidon2 Merkle-Damgard construction.
// Its outputs are field elements by construction, so no truncation is
// applied.
type PoseidonHasher struct{}

// Name implements Hasher.
func (PoseidonHasher) Name() string { return "poseidon" }

// Digest implements Hasher. Input bytes are split into 32-byte chunks, each
// reduced into the field, and absorbed in order.
func (PoseidonHasher) Digest(data []byte) Domain {
	h := poseidon2.NewMerkleDamgardHasher()
	for off := 0; off < len(data); off += NodeSize {
		end := off + NodeSize
		if end > len(data) {
			end = len(data)
		}
		var el fr.Element
		el.SetBytes(data[off:end])
		b := el.Bytes()
		h.Write(b[:])
	}
	return poseidonSum(h.Sum(nil))
}

// HashChildren implements Hasher.
func (PoseidonHasher) HashChildren(children []Domain) Domain {
	h := poseidon2.NewMerkleDamgardHasher()
	for i := range children {
		el, err := children[i].Fr()
		if err != nil {
			// Non-canonical input is reduced into the field.
			el.SetBytes(children[i][:])
		}
		b := el.Bytes()
		h.Write(b[:])
	}
	return poseidonSum(h.Sum(nil))
}

// poseidonSum converts the big-endian Poseidon state bytes into the
// little-endian Domain form.
func poseidonSum(sum []byte) Domain {
	var el fr.Element
	el.SetBytes(sum)
	return FromFr(el)
}
