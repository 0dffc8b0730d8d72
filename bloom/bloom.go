// Package bloom implements the probabilistic key-absence filter used by
// SSTable readers to skip a point lookup that cannot possibly hit.
//
// A false positive is possible (the filter says "maybe present" for an
// absent key); a false negative is not (an inserted key always tests
// present). Parameters are derived from the expected item count and the
// target false-positive rate per the classic Bloom-filter sizing formula.
package bloom

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/bits-and-blooms/bitset"
)

// Filter is a serializable Bloom filter using double hashing
// (h_i = h1 + i*h2 mod m) derived from two independent hash functions,
// FNV-1a and DJB2.
type Filter struct {
	bits      *bitset.BitSet
	numBits   uint32
	numHashes uint32
}

// New sizes a filter for n expected items at false-positive rate p (0 < p <
// 1): m = ceil(-n*ln(p) / ln(2)^2) bits, k = max(1, round((m/n)*ln2)) hash
// functions.
func New(n uint64, p float64) (*Filter, error) {
	if p <= 0 || p >= 1 {
		return nil, fmt.Errorf("bloom: false positive rate must be in (0, 1), got %v", p)
	}
	if n == 0 {
		n = 1
	}

	ln2 := math.Ln2
	m := uint64(math.Ceil(-float64(n) * math.Log(p) / (ln2 * ln2)))
	if m == 0 {
		m = 1
	}
	if m > math.MaxUint32 {
		m = math.MaxUint32
	}
	k := int(math.Round((float64(m) / float64(n)) * ln2))
	if k < 1 {
		k = 1
	}

	return &Filter{
		bits:      bitset.New(uint(m)),
		numBits:   uint32(m),
		numHashes: uint32(k),
	}, nil
}

func hashes(key []byte) (uint32, uint32) {
	f := fnv.New32a()
	_, _ = f.Write(key)
	h1 := f.Sum32()

	var h2 uint32 = 5381
	for _, b := range key {
		h2 = ((h2 << 5) + h2) + uint32(b) // djb2: h2*33 + b
	}
	return h1, h2
}

func (f *Filter) indexFor(h1, h2 uint32, i uint32) uint {
	idx := (uint64(h1) + uint64(i)*uint64(h2)) % uint64(f.numBits)
	return uint(idx)
}

// Insert adds key to the filter.
func (f *Filter) Insert(key []byte) {
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		f.bits.Set(f.indexFor(h1, h2, i))
	}
}

// MaybeContains reports whether key may be in the set. false means key is
// definitely absent.
func (f *Filter) MaybeContains(key []byte) bool {
	h1, h2 := hashes(key)
	for i := uint32(0); i < f.numHashes; i++ {
		if !f.bits.Test(f.indexFor(h1, h2, i)) {
			return false
		}
	}
	return true
}

// Serialize encodes the filter as [m:u32][k:u32][bits: ceil(m/8) bytes],
// big-endian, bit i of the bitmap stored at byte i/8, bit (i%8) counting
// from the least-significant bit.
func (f *Filter) Serialize() []byte {
	numBytes := (f.numBits + 7) / 8
	buf := make([]byte, 8+numBytes)
	binary.BigEndian.PutUint32(buf[0:4], f.numBits)
	binary.BigEndian.PutUint32(buf[4:8], f.numHashes)
	for i := uint32(0); i < f.numBits; i++ {
		if f.bits.Test(uint(i)) {
			buf[8+i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

// Deserialize parses a filter previously produced by Serialize.
func Deserialize(data []byte) (*Filter, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("bloom: serialized filter too short: %d bytes", len(data))
	}
	m := binary.BigEndian.Uint32(data[0:4])
	k := binary.BigEndian.Uint32(data[4:8])
	bitBytes := data[8:]
	wantBytes := (m + 7) / 8
	if uint32(len(bitBytes)) != wantBytes {
		return nil, fmt.Errorf("bloom: inconsistent filter data: m=%d wants %d bit bytes, got %d", m, wantBytes, len(bitBytes))
	}

	bs := bitset.New(uint(m))
	for i := uint32(0); i < m; i++ {
		if bitBytes[i/8]&(1<<(i%8)) != 0 {
			bs.Set(uint(i))
		}
	}
	return &Filter{bits: bs, numBits: m, numHashes: k}, nil
}
