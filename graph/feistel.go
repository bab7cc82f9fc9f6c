// feistel.go implements the keyed bijection behind the expander parents.
// Indices are permuted over the domain [0, N*ExpDegree) with a balanced
// Feistel network; out-of-range outputs are cycle-walked back into the
// domain, which preserves the bijection.
package graph

// expanderParent maps (node, slot) to an expander parent in [0, N).
func (g *StackedBucketGraph) expanderParent(v, k uint64) uint64 {
	idx := v*ExpDegree + k
	p := g.feistelPermute(idx)
	for p >= g.nodes*ExpDegree {
		p = g.feistelPermute(p)
	}
	return p / ExpDegree
}

// feistelPermute runs four Feistel rounds over two feistelHalf-bit halves.
func (g *StackedBucketGraph) feistelPermute(idx uint64) uint64 {
	half := g.feistelHalf
	mask := (uint64(1) << half) - 1

	l := (idx >> half) & mask
	r := idx & mask
	for _, key := range g.feistelKeys {
		l, r = r, l^(mix64(r^key)&mask)
	}
	return (l << half) | r
}

// mix64 is the splitmix64 finalizer, used as the Feistel round function.
func mix64(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
