package perceptual

import (
	"image"
	"math/bits"

	"golang.org/x/image/draw"
)

// DefaultHashSize is the dHash grid side; fingerprints carry size² bits
const DefaultHashSize = 8

// Fingerprint is a packed dHash bit vector
type Fingerprint []uint64

// Distance returns the Hamming distance between two fingerprints of equal length
func (f Fingerprint) Distance(g Fingerprint) int {
	d := 0
	for i := range f {
		d += bits.OnesCount64(f[i] ^ g[i])
	}
	return d
}

// Similarity maps Hamming distance over the given bit length into [0, 1]
func Similarity(a, b Fingerprint, nbits int) float64 {
	if len(a) != len(b) || nbits <= 0 {
		return 0
	}
	return 1 - float64(a.Distance(b))/float64(nbits)
}

// DHash computes a difference hash: the image is scaled to a grayscale
// (size+1)×size grid and each bit records whether a cell is brighter than
// its right neighbour. Robust to re-encoding and resizing.
func DHash(img image.Image, size int) Fingerprint {
	if size <= 0 {
		size = DefaultHashSize
	}
	gray := image.NewGray(image.Rect(0, 0, size+1, size))
	draw.ApproxBiLinear.Scale(gray, gray.Bounds(), img, img.Bounds(), draw.Src, nil)

	nbits := size * size
	fp := make(Fingerprint, (nbits+63)/64)
	bit := 0
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if gray.GrayAt(x, y).Y > gray.GrayAt(x+1, y).Y {
				fp[bit/64] |= 1 << (bit % 64)
			}
			bit++
		}
	}
	return fp
}
