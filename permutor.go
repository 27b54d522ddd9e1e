package asyncdns

import (
	"crypto/rand"
	"encoding/binary"
)

// permutor generates 16-bit transaction IDs by walking a keyed permutation
// of the ID space. Consecutive draws can never collide until the full space
// has been cycled, which keeps concurrent in-flight IDs on one channel free
// of birthday collisions; collisions across cycles are handled by redraw at
// the send site.
type permutor struct {
	keys [4]uint16
	ctr  uint16
}

func newPermutor() *permutor {
	var seed [8]byte
	var ctr [2]byte
	_, _ = rand.Read(seed[:])
	_, _ = rand.Read(ctr[:])
	p := &permutor{ctr: binary.BigEndian.Uint16(ctr[:])}
	for i := range p.keys {
		p.keys[i] = binary.BigEndian.Uint16(seed[i*2:])
	}
	return p
}

// next returns the next ID in the permutation cycle.
func (p *permutor) next() uint16 {
	id := p.permute(p.ctr)
	p.ctr++
	return id
}

// permute maps x through a 4-round Feistel network over two 8-bit halves.
// A Feistel construction is a bijection regardless of the round function.
func (p *permutor) permute(x uint16) uint16 {
	l := uint8(x >> 8)
	r := uint8(x)
	for i := 0; i < 4; i++ {
		l, r = r, l^round(r, p.keys[i])
	}
	return uint16(l)<<8 | uint16(r)
}

func round(r uint8, key uint16) uint8 {
	v := uint32(r) ^ uint32(key)
	v = v * 2654435761
	return uint8(v >> 13)
}
