// Package checksum implements the weak rolling checksum and the strong
// digest capability set used by the delta transfer engine, plus a dual-path
// (sequential or pipelined) runner for computing one strong digest per
// input stream.
package checksum

// Rolling is rsync's classic Adler-style weak checksum (generator.c's
// get_checksum1): an O(1) update over a sliding window so the delta engine
// can test every byte offset of a basis file without rehashing each
// candidate block from scratch.
type Rolling struct {
	a, b uint32
	n    uint32
}

// NewRolling computes the initial rolling checksum of block.
func NewRolling(block []byte) *Rolling {
	r := &Rolling{}
	r.Reset(block)
	return r
}

// Reset reinitializes r over block, discarding any prior rolling state.
func (r *Rolling) Reset(block []byte) {
	var a, b uint32
	n := uint32(len(block))
	for i, c := range block {
		a += uint32(c)
		b += (n - uint32(i)) * uint32(c)
	}
	r.a, r.b, r.n = a, b, n
}

// Roll advances the window by one byte: outByte leaves at the trailing
// edge, inByte enters at the leading edge.
func (r *Rolling) Roll(outByte, inByte byte) {
	r.a = r.a - uint32(outByte) + uint32(inByte)
	r.b = r.b - r.n*uint32(outByte) + r.a
}

// Value returns the current 32-bit rolling checksum, packed the way
// upstream rsync transmits it: low 16 bits of a, high 16 bits of b.
func (r *Rolling) Value() uint32 {
	return ((r.b & 0xFFFF) << 16) | (r.a & 0xFFFF)
}

// Sum1 is a pure function form of Value for a single fixed block, useful
// for signature generation where no rolling update is needed.
func Sum1(block []byte) uint32 {
	return NewRolling(block).Value()
}
