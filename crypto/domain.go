// domain.go defines the 32-byte field-element domain shared by every layer
// of the replication engine. Labels, commitments and tree nodes are all
// canonical BLS12-381 scalars stored little-endian. Truncated digests have
// the top two bits of the last byte cleared; Poseidon outputs and field
// sums are reduced modulo r instead and may have bit 6 of that byte set.
package crypto

import (
	"encoding/hex"
	"errors"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bls12-381/fr"
)

// frModulus is the scalar field order r.
var frModulus = fr.Modulus()

// NodeSize is the byte size of a single node / domain element.
const NodeSize = 32

// Domain errors.
var (
	ErrNotCanonical = errors.New("crypto: bytes are not a canonical field element")
	ErrBadLength    = errors.New("crypto: domain element must be 32 bytes")
)

// Domain is a BLS12-381 scalar in little-endian byte representation.
type Domain [NodeSize]byte

// String returns the hex encoding of the element.
func (d Domain) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether the element is zero.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// Fr converts the element into its gnark-crypto representation. An error is
// returned if the bytes are not a canonical scalar.
func (d Domain) Fr() (fr.Element, error) {
	if !IsCanonical(d[:]) {
		return fr.Element{}, ErrNotCanonical
	}
	var el fr.Element
	be := reverse32(d)
	el.SetBytes(be[:])
	return el, nil
}

// FromFr converts a gnark-crypto element into the little-endian domain form.
func FromFr(el fr.Element) Domain {
	return reverse32(el.Bytes())
}

// reverse32 flips between the little-endian domain form and gnark-crypto's
// big-endian byte order.
func reverse32(in [NodeSize]byte) [NodeSize]byte {
	var out [NodeSize]byte
	for i := range in {
		out[i] = in[NodeSize-1-i]
	}
	return out
}

// DomainFromBytes parses a 32-byte little-endian slice into a Domain,
// rejecting non-canonical values.
func DomainFromBytes(b []byte) (Domain, error) {
	if len(b) != NodeSize {
		return Domain{}, ErrBadLength
	}
	var d Domain
	copy(d[:], b)
	if _, err := d.Fr(); err != nil {
		return Domain{}, err
	}
	return d, nil
}

// Truncate clears the top two bits of a 32-byte little-endian digest in
// place, forcing the value below 2^254 and therefore into the scalar field.
func Truncate(b []byte) {
	b[NodeSize-1] &= 0x3F
}

// TruncatedDomain interprets a raw 32-byte digest as a Domain after masking
// its top two bits.
func TruncatedDomain(b []byte) Domain {
	var d Domain
	copy(d[:], b)
	d[NodeSize-1] &= 0x3F
	return d
}

// IsCanonical reports whether the 32-byte little-endian value is a valid
// scalar, i.e. strictly below the field order.
func IsCanonical(b []byte) bool {
	if len(b) != NodeSize {
		return false
	}
	var le [NodeSize]byte
	copy(le[:], b)
	be := reverse32(le)
	return new(big.Int).SetBytes(be[:]).Cmp(frModulus) < 0
}

// Add returns a + b in the scalar field.
func Add(a, b Domain) (Domain, error) {
	ae, err := a.Fr()
	if err != nil {
		return Domain{}, err
	}
	be, err := b.Fr()
	if err != nil {
		return Domain{}, err
	}
	var out fr.Element
	out.Add(&ae, &be)
	return FromFr(out), nil
}

// Sub returns a - b in the scalar field.
func Sub(a, b Domain) (Domain, error) {
	ae, err := a.Fr()
	if err != nil {
		return Domain{}, err
	}
	be, err := b.Fr()
	if err != nil {
		return Domain{}, err
	}
	var out fr.Element
	out.Sub(&ae, &be)
	return FromFr(out), nil
}

// Encode seals a data node with a key label: replica = data + key.
func Encode(key, data Domain) (Domain, error) {
	return Add(data, key)
}

// Decode is the inverse of Encode: data = replica - key.
func Decode(key, replica Domain) (Domain, error) {
	return Sub(replica, key)
}
