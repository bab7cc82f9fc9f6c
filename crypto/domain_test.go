package crypto

import (
	"bytes"
	"crypto/sha256"
	"math/rand"
	"testing"
)

// testRand returns a deterministic source for reproducible inputs.
func testRand() *rand.Rand {
	return rand.New(rand.NewSource(0x5eed))
}

func randomDomain(r *rand.Rand) Domain {
	var d Domain
	r.Read(d[:])
	Truncate(d[:])
	return d
}

func TestTruncate_ClearsTopTwoBits(t *testing.T) {
	b := bytes.Repeat([]byte{0xFF}, NodeSize)
	Truncate(b)
	if b[NodeSize-1] != 0x3F {
		t.Fatalf("last byte = %#x, want 0x3f", b[NodeSize-1])
	}
	for i := 0; i < NodeSize-1; i++ {
		if b[i] != 0xFF {
			t.Fatalf("byte %d modified", i)
		}
	}
}

func TestTruncatedDomain_IsCanonical(t *testing.T) {
	r := testRand()
	for i := 0; i < 100; i++ {
		var raw [NodeSize]byte
		r.Read(raw[:])
		d := TruncatedDomain(raw[:])
		if !IsCanonical(d[:]) {
			t.Fatalf("truncated digest not canonical: %s", d)
		}
	}
}

func TestDomainFromBytes_RejectsModulus(t *testing.T) {
	// The field order r sits just below 2^255; 0xFF.. with its top bits
	// intact is far above it and must be rejected.
	over := bytes.Repeat([]byte{0xFF}, NodeSize)
	if _, err := DomainFromBytes(over); err == nil {
		t.Fatal("expected rejection of non-canonical value")
	}
	if _, err := DomainFromBytes(over[:16]); err != ErrBadLength {
		t.Fatalf("expected ErrBadLength, got %v", err)
	}
}

func TestAddSub_Inverse(t *testing.T) {
	r := testRand()
	for i := 0; i < 64; i++ {
		a := randomDomain(r)
		b := randomDomain(r)

		sum, err := Add(a, b)
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
		back, err := Sub(sum, b)
		if err != nil {
			t.Fatalf("Sub failed: %v", err)
		}
		if back != a {
			t.Fatalf("(a+b)-b != a: %s vs %s", back, a)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	r := testRand()
	for i := 0; i < 64; i++ {
		key := randomDomain(r)
		data := randomDomain(r)

		sealed, err := Encode(key, data)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		if sealed == data && !key.IsZero() {
			t.Fatal("encoding with non-zero key must change the node")
		}
		plain, err := Decode(key, sealed)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if plain != data {
			t.Fatalf("decode(encode(data)) != data: %s vs %s", plain, data)
		}
	}
}

func TestEncode_ZeroKeyIdentity(t *testing.T) {
	r := testRand()
	data := randomDomain(r)
	sealed, err := Encode(Domain{}, data)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if sealed != data {
		t.Fatal("zero key must be the identity")
	}
}

func TestFrRoundTrip(t *testing.T) {
	r := testRand()
	for i := 0; i < 32; i++ {
		d := randomDomain(r)
		el, err := d.Fr()
		if err != nil {
			t.Fatalf("Fr failed: %v", err)
		}
		if FromFr(el) != d {
			t.Fatal("FromFr(Fr(d)) != d")
		}
	}
}

func TestSha256Hasher_MatchesStdlibTruncated(t *testing.T) {
	msg := []byte("sealcore domain separation check")
	want := sha256.Sum256(msg)
	Truncate(want[:])

	got := Sha256Hasher{}.Digest(msg)
	if !bytes.Equal(got[:], want[:]) {
		t.Fatalf("sha256 digest mismatch: %x vs %x", got, want)
	}
}

func TestHashers_DistinctAndDeterministic(t *testing.T) {
	msg := bytes.Repeat([]byte{0xAB}, 64)
	for _, name := range []string{"sha256", "blake2s", "poseidon"} {
		h, err := HasherByName(name)
		if err != nil {
			t.Fatalf("missing hasher %q: %v", name, err)
		}
		d1 := h.Digest(msg)
		d2 := h.Digest(msg)
		if d1 != d2 {
			t.Fatalf("%s digest not deterministic", name)
		}
		if !IsCanonical(d1[:]) {
			t.Fatalf("%s digest not canonical", name)
		}
	}

	sha, _ := HasherByName("sha256")
	b2s, _ := HasherByName("blake2s")
	if sha.Digest(msg) == b2s.Digest(msg) {
		t.Fatal("different hashers must not collide on the same input")
	}
}

func TestHashChildren_OrderSensitive(t *testing.T) {
	r := testRand()
	a := randomDomain(r)
	b := randomDomain(r)
	for _, name := range []string{"sha256", "blake2s", "poseidon"} {
		h, _ := HasherByName(name)
		if h.HashChildren([]Domain{a, b}) == h.HashChildren([]Domain{b, a}) {
			t.Fatalf("%s: child order must matter", name)
		}
	}
}

func TestHasherByName_Unknown(t *testing.T) {
	if _, err := HasherByName("pedersen"); err == nil {
		t.Fatal("expected error for unregistered hasher")
	}
}
