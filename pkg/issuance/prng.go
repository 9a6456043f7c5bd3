package issuance

import (
	"math/bits"
	"unicode/utf16"
)

// RNG yields uniformly distributed values in [0, 1).
type RNG func() float64

// NewSeededRNG returns the reproducible generator used for pack contents:
// the seed string is folded with xmur3 and the first output seeds a
// mulberry32 stream. String lengths and characters are taken as UTF-16 code
// units so that seeds containing non-ASCII text produce the same stream as
// the browser-side verifier.
func NewSeededRNG(seed string) RNG {
	return mulberry32(xmur3(seed)())
}

func xmur3(s string) func() uint32 {
	units := utf16.Encode([]rune(s))
	h := uint32(1779033703) ^ uint32(len(units))
	for _, c := range units {
		h = (h ^ uint32(c)) * 3432918353
		h = bits.RotateLeft32(h, 13)
	}
	return func() uint32 {
		h = (h ^ h>>16) * 2246822507
		h = (h ^ h>>13) * 3266489909
		h ^= h >> 16
		return h
	}
}

func mulberry32(seed uint32) RNG {
	return func() float64 {
		seed += 0x6d2b79f5
		t := seed
		t = (t ^ t>>15) * (t | 1)
		t ^= t + (t^t>>7)*(t|61)
		return float64(t^t>>14) / 4294967296
	}
}
