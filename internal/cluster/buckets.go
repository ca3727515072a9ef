package cluster

import (
	"encoding/binary"
	"hash/fnv"
	"iter"
	"math"
	"math/rand/v2"
)

// BandIndex buckets fixed-length bit vectors by contiguous bit bands.
// Two vectors that differ in fewer bits than there are bands agree on at
// least one band, so with bands = maxDistance+1 every pair within
// maxDistance lands in a shared bucket.
type BandIndex struct {
	buckets map[bandKey][]int32
}

type bandKey struct {
	band int
	hash uint64
}

// BandsForDistance returns the band count that guarantees recall for pairs
// at most maxDistance bits apart
func BandsForDistance(bits, maxDistance int) int {
	return max(1, min(bits, maxDistance+1))
}

// NewBandIndex indexes vectors of the given bit length split into bands
func NewBandIndex(vectors [][]uint64, bits, bands int) *BandIndex {
	bands = max(1, min(bands, bits))
	idx := &BandIndex{buckets: make(map[bandKey][]int32)}

	for i, v := range vectors {
		for b := 0; b < bands; b++ {
			lo := b * bits / bands
			hi := (b + 1) * bits / bands
			key := bandKey{band: b, hash: hashBits(v, lo, hi)}
			idx.buckets[key] = append(idx.buckets[key], int32(i))
		}
	}
	return idx
}

// Buckets returns the number of non-empty buckets
func (idx *BandIndex) Buckets() int {
	return len(idx.buckets)
}

// Pairs yields every pair sharing a bucket. A pair sharing several buckets
// is yielded once per bucket.
func (idx *BandIndex) Pairs() iter.Seq2[int32, int32] {
	return func(yield func(int32, int32) bool) {
		for _, members := range idx.buckets {
			for i := 0; i < len(members); i++ {
				for j := i + 1; j < len(members); j++ {
					if !yield(members[i], members[j]) {
						return
					}
				}
			}
		}
	}
}

func hashBits(v []uint64, lo, hi int) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	var acc uint64
	n := 0
	for bit := lo; bit < hi; bit++ {
		acc = acc<<1 | (v[bit/64]>>(bit%64))&1
		n++
		if n == 64 {
			binary.LittleEndian.PutUint64(buf[:], acc)
			h.Write(buf[:])
			acc, n = 0, 0
		}
	}
	binary.LittleEndian.PutUint64(buf[:], acc<<8|uint64(n))
	h.Write(buf[:])
	return h.Sum64()
}

// HyperplaneSignatures projects vectors onto seeded random hyperplanes and
// keeps the sign of each projection, so that the fraction of differing bits
// approximates the angle between two vectors.
func HyperplaneSignatures(vectors [][]float32, bits int, seed uint64) [][]uint64 {
	if len(vectors) == 0 || bits <= 0 {
		return nil
	}
	dims := len(vectors[0])
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))

	planes := make([][]float32, bits)
	for p := range planes {
		planes[p] = make([]float32, dims)
		for d := range planes[p] {
			planes[p][d] = float32(rng.NormFloat64())
		}
	}

	words := (bits + 63) / 64
	sigs := make([][]uint64, len(vectors))
	for i, v := range vectors {
		sig := make([]uint64, words)
		for p, plane := range planes {
			var dot float64
			for d := 0; d < dims && d < len(v); d++ {
				dot += float64(plane[d]) * float64(v[d])
			}
			if dot >= 0 {
				sig[p/64] |= 1 << (p % 64)
			}
		}
		sigs[i] = sig
	}
	return sigs
}

// Cosine returns the cosine similarity of two equal-length vectors.
// Zero vectors have similarity 0 to everything.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
