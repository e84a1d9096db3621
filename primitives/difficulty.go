package primitives

import (
	"math"
	"math/big"
)

// maxForBits returns (2^n - 1) as a big.Int, the numerator used by the
// difficulty formula for an n-bit hash.
func maxForBits(n int) *big.Int {
	max := new(big.Int).Lsh(big.NewInt(1), uint(n))
	return max.Sub(max, big.NewInt(1))
}

var (
	max160 = maxForBits(160)
	max224 = maxForBits(224)
	wrap64 = new(big.Int).Lsh(big.NewInt(1), 64)
)

// bigFromBigEndian interprets buf as a big-endian unsigned integer.
func bigFromBigEndian(buf []byte) *big.Int {
	return new(big.Int).SetBytes(buf)
}

// Difficulty160 computes difficulty(H) = floor((2^160 - 1) / H) for a
// 160-bit hash treated big-endian, per spec.md §4.1. The all-zero hash
// yields math.MaxUint64 (division by zero in the original).
func Difficulty160(h Hash) uint64 {
	return difficultyOf(h[:], max160)
}

// Difficulty224 computes difficulty(H) = floor((2^224 - 1) / H) for a
// 224-bit hash treated big-endian (used by Momentum PoW verification
// seeds derived from SHA-256).
func Difficulty224(h [28]byte) uint64 {
	return difficultyOf(h[:], max224)
}

func difficultyOf(buf []byte, max *big.Int) uint64 {
	v := bigFromBigEndian(buf)
	if v.Sign() == 0 {
		return math.MaxUint64
	}
	d := new(big.Int).Div(max, v)
	// The reference implementation truncates the (possibly wider than
	// 64-bit) quotient down to an int64 and clamps negative results
	// (i.e. quotients whose low 64 bits have the high bit set) to zero.
	// Reproduce that truncate-then-clamp behaviour exactly.
	mod := new(big.Int).Mod(d, wrap64)
	low64 := mod.Uint64()
	if low64&(1<<63) != 0 {
		return 0
	}
	return low64
}
