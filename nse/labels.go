// labels.go generates the layers of one window. Every label is the
// truncated SHA-256 of the shared 64-byte prefix (layer, absolute node
// index, replica id) followed by layer-specific parent material: nothing
// for the mask, batch-hashed candidate sums for expander layers, and raw
// parent labels for butterfly layers. The final butterfly layer derives
// keys instead of labels and folds them into the window's data.
package nse

import (
	"errors"
	"fmt"
	"hash"

	"github.com/sealcore/sealcore/crypto"
	"github.com/sealcore/sealcore/labeling"
	sha256simd "github.com/minio/sha256-simd"
)

// Layer errors.
var (
	ErrLayerSize  = errors.New("nse: layer buffer must match the window size")
	ErrLayerIndex = errors.New("nse: layer index out of range for this stage")
)

// maskLayerIndex is the layer index of the mask; it is always first.
const maskLayerIndex = 1

func checkWindowBuf(c *Config, buf []byte) error {
	if uint64(len(buf)) != c.WindowSize() {
		return fmt.Errorf("%w: %d bytes, want %d", ErrLayerSize, len(buf), c.WindowSize())
	}
	return nil
}

// MaskLayer fills layerOut with the window's mask: each node depends only
// on its absolute index and the replica id.
func MaskLayer(c *Config, windowIndex uint32, replicaID [32]byte, layerOut []byte) error {
	if err := checkWindowBuf(c, layerOut); err != nil {
		return err
	}

	base := uint64(windowIndex) * c.NumNodesWindow
	d := sha256simd.New()
	var buf [labeling.PrefixSize]byte
	var sum [crypto.NodeSize]byte
	copy(buf[32:], replicaID[:])

	for v := uint64(0); v < c.NumNodesWindow; v++ {
		prefix := labeling.HashPrefix(maskLayerIndex, base+v)
		copy(buf[:32], prefix[:])
		d.Reset()
		d.Write(buf[:])
		d.Sum(sum[:0])
		crypto.Truncate(sum[:])
		copy(layerOut[v*crypto.NodeSize:], sum[:])
	}
	return nil
}

// ExpanderLayer computes one expander layer from the previous layer. Each
// parent slot contributes the field sum of its K candidate labels.
func ExpanderLayer(c *Config, windowIndex uint32, replicaID [32]byte, layerIndex uint32, layerIn, layerOut []byte) error {
	if err := checkWindowBuf(c, layerIn); err != nil {
		return err
	}
	if err := checkWindowBuf(c, layerOut); err != nil {
		return err
	}
	if layerIndex <= 1 || int(layerIndex) > c.NumExpanderLayers {
		return fmt.Errorf("%w: expander layer %d", ErrLayerIndex, layerIndex)
	}

	g := c.Expander()
	candidates := make([]uint32, g.Degree()*int(g.K()))
	base := uint64(windowIndex) * c.NumNodesWindow

	d := sha256simd.New()
	var sum [crypto.NodeSize]byte
	for v := uint64(0); v < c.NumNodesWindow; v++ {
		g.Parents(uint32(v), candidates)

		prefix := labeling.HashPrefix(layerIndex, base+v)
		d.Reset()
		d.Write(prefix[:])
		d.Write(replicaID[:])

		for slot := 0; slot < g.Degree(); slot++ {
			group := candidates[slot*int(g.K()) : (slot+1)*int(g.K())]
			batch, err := batchSum(layerIn, group)
			if err != nil {
				return err
			}
			d.Write(batch[:])
		}
		d.Sum(sum[:0])
		crypto.Truncate(sum[:])
		copy(layerOut[v*crypto.NodeSize:], sum[:])
	}
	return nil
}

// batchSum adds the labels named by the candidate group in the field.
func batchSum(layer []byte, group []uint32) (crypto.Domain, error) {
	var acc crypto.Domain
	for _, idx := range group {
		el, err := crypto.DomainFromBytes(layer[uint64(idx)*crypto.NodeSize : (uint64(idx)+1)*crypto.NodeSize])
		if err != nil {
			return crypto.Domain{}, fmt.Errorf("nse: candidate %d: %w", idx, err)
		}
		acc, err = crypto.Add(acc, el)
		if err != nil {
			return crypto.Domain{}, err
		}
	}
	return acc, nil
}

// ButterflyLayer computes one butterfly layer from the previous layer.
func ButterflyLayer(c *Config, windowIndex uint32, replicaID [32]byte, layerIndex uint32, layerIn, layerOut []byte) error {
	if err := checkWindowBuf(c, layerIn); err != nil {
		return err
	}
	if err := checkWindowBuf(c, layerOut); err != nil {
		return err
	}
	if int(layerIndex) <= c.NumExpanderLayers || int(layerIndex) >= c.NumLayers() {
		return fmt.Errorf("%w: butterfly layer %d", ErrLayerIndex, layerIndex)
	}

	base := uint64(windowIndex) * c.NumNodesWindow
	d := sha256simd.New()
	var sum [crypto.NodeSize]byte
	for v := uint64(0); v < c.NumNodesWindow; v++ {
		butterflyKey(c, d, base, uint32(v), replicaID, layerIndex, layerIn, sum[:])
		copy(layerOut[v*crypto.NodeSize:], sum[:])
	}
	return nil
}

// butterflyKey hashes one node of a butterfly layer into out.
func butterflyKey(c *Config, d hash.Hash, base uint64, v uint32, replicaID [32]byte, layerIndex uint32, layerIn []byte, out []byte) {
	g := c.Butterfly()
	round := int(layerIndex) - c.NumExpanderLayers - 1
	parents := make([]uint32, g.Degree())
	g.Parents(v, round, parents)

	prefix := labeling.HashPrefix(layerIndex, base+uint64(v))
	d.Reset()
	d.Write(prefix[:])
	d.Write(replicaID[:])
	for _, p := range parents {
		d.Write(layerIn[uint64(p)*crypto.NodeSize : (uint64(p)+1)*crypto.NodeSize])
	}
	d.Sum(out[:0])
	crypto.Truncate(out)
}

// ButterflyEncodeLayer derives the final-layer keys and encodes data in
// place: data = data + key in the field.
func ButterflyEncodeLayer(c *Config, windowIndex uint32, replicaID [32]byte, layerIndex uint32, layerIn []byte, data []byte) error {
	return butterflyEncodeDecode(c, windowIndex, replicaID, layerIndex, layerIn, data, crypto.Encode)
}

// ButterflyDecodeLayer inverts ButterflyEncodeLayer: data = data - key.
func ButterflyDecodeLayer(c *Config, windowIndex uint32, replicaID [32]byte, layerIndex uint32, layerIn []byte, data []byte) error {
	return butterflyEncodeDecode(c, windowIndex, replicaID, layerIndex, layerIn, data, crypto.Decode)
}

func butterflyEncodeDecode(c *Config, windowIndex uint32, replicaID [32]byte, layerIndex uint32, layerIn []byte, data []byte, op func(key, node crypto.Domain) (crypto.Domain, error)) error {
	if err := checkWindowBuf(c, layerIn); err != nil {
		return err
	}
	if err := checkWindowBuf(c, data); err != nil {
		return err
	}
	if int(layerIndex) != c.NumLayers() {
		return fmt.Errorf("%w: encoding is the last layer, got %d", ErrLayerIndex, layerIndex)
	}

	base := uint64(windowIndex) * c.NumNodesWindow
	d := sha256simd.New()
	var sum [crypto.NodeSize]byte
	for v := uint64(0); v < c.NumNodesWindow; v++ {
		butterflyKey(c, d, base, uint32(v), replicaID, layerIndex, layerIn, sum[:])
		key := crypto.Domain(sum)

		node := data[v*crypto.NodeSize : (v+1)*crypto.NodeSize]
		el, err := crypto.DomainFromBytes(node)
		if err != nil {
			return fmt.Errorf("nse: data node %d: %w", base+v, err)
		}
		mixed, err := op(key, el)
		if err != nil {
			return err
		}
		copy(node, mixed[:])
	}
	return nil
}
