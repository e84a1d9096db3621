package blockchain

import (
	"io"

	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// priceFractionalBits is the number of fractional bits in the 64.64
// fixed-point ratio spec.md §3 describes: 64 integer bits, 64 fractional
// bits, packed into a 128-bit unsigned value.
const priceFractionalBits = 64

// ErrPriceUnitMismatch is returned when two prices for different asset
// pairs are compared; spec.md §3: "two prices compare only when their
// type pair matches".
var ErrPriceUnitMismatch = errors.New("blockchain: price comparison across different asset pairs")

// Price is a 64.64 fixed-point ratio of Quote/Base, carrying both asset
// types so that comparisons can reject mismatched pairs (spec.md §3).
// The ratio is stored as a *uint256.Int using only its low 128 bits (the
// "dedicated wide-integer facility" spec.md §9 calls for).
type Price struct {
	Ratio *uint256.Int
	Quote AssetType
	Base  AssetType
}

// NewPrice builds a Price from a float64 ratio, rounding down to the
// nearest 64.64 fixed-point value. Intended for tests and genesis/config
// construction, not for consensus-critical arithmetic.
func NewPrice(ratio float64, quote, base AssetType) Price {
	scaled := uint256.NewInt(0)
	// ratio * 2^64, computed in two halves to preserve precision beyond
	// float64's ~15 significant digits isn't required here: prices in
	// this system are user-supplied order parameters, not derived
	// consensus state.
	whole := uint64(ratio)
	frac := ratio - float64(whole)
	scaled.SetUint64(whole)
	scaled.Lsh(scaled, priceFractionalBits)
	fracScaled := uint64(frac * (1 << 32) * (1 << 32))
	scaled.Add(scaled, uint256.NewInt(fracScaled))
	return Price{Ratio: scaled, Quote: quote, Base: base}
}

// NewPriceFromRatio builds an exact Price from an integer numerator and
// denominator (numerator/denominator quote-per-base units), used where
// exact fixed-point construction matters (matching engine residual
// prices, tests).
func NewPriceFromRatio(numerator, denominator uint64, quote, base AssetType) Price {
	n := uint256.NewInt(numerator)
	n.Lsh(n, priceFractionalBits)
	d := uint256.NewInt(denominator)
	n.Div(n, d)
	return Price{Ratio: n, Quote: quote, Base: base}
}

// SamePair reports whether p and o quote the same asset pair.
func (p Price) SamePair(o Price) bool {
	return p.Quote == o.Quote && p.Base == o.Base
}

// Cmp compares p and o numerically. It returns an error if their asset
// pairs differ.
func (p Price) Cmp(o Price) (int, error) {
	if !p.SamePair(o) {
		return 0, ErrPriceUnitMismatch
	}
	return p.Ratio.Cmp(o.Ratio), nil
}

// Less reports whether p < o, panicking on a unit mismatch: callers are
// expected to have already confirmed SamePair when ordering is safe to
// assume (e.g. within one asset-pair order book).
func (p Price) Less(o Price) bool {
	cmp, err := p.Cmp(o)
	if err != nil {
		panic(err)
	}
	return cmp < 0
}

// QuoteForBase converts a base-unit amount to the quote-unit amount it
// is worth at this price: quote = base * ratio (fixed-point multiply,
// then shift right by the fractional bit count).
func (p Price) QuoteForBase(baseAmount int64) int64 {
	b := uint256.NewInt(uint64(baseAmount))
	product := new(uint256.Int).Mul(b, p.Ratio)
	product.Rsh(product, priceFractionalBits)
	return int64(product.Uint64())
}

// BaseForQuote converts a quote-unit amount to the base-unit amount it
// is worth at this price: base = quote / ratio (fixed-point divide).
func (p Price) BaseForQuote(quoteAmount int64) int64 {
	q := uint256.NewInt(uint64(quoteAmount))
	q.Lsh(q, priceFractionalBits)
	result := new(uint256.Int).Div(q, p.Ratio)
	return int64(result.Uint64())
}

// Reciprocal returns 1/p with the quote/base pair swapped, used when a
// short's call price needs to be expressed against the opposite side of
// the book.
func (p Price) Reciprocal() Price {
	one := new(uint256.Int).Lsh(uint256.NewInt(1), 2*priceFractionalBits)
	r := new(uint256.Int).Div(one, p.Ratio)
	return Price{Ratio: r, Quote: p.Base, Base: p.Quote}
}

// MulRat scales p by numerator/denominator (e.g. the 3/4 call-price
// liquidation trigger or the 2x collateral ratio of spec.md §4.4).
func (p Price) MulRat(numerator, denominator uint64) Price {
	n := new(uint256.Int).Mul(p.Ratio, uint256.NewInt(numerator))
	n.Div(n, uint256.NewInt(denominator))
	return Price{Ratio: n, Quote: p.Quote, Base: p.Base}
}

func writePrice(w io.Writer, p Price) error {
	if err := writeUint32(w, uint32(p.Quote)); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(p.Base)); err != nil {
		return err
	}
	b := p.Ratio.Bytes32()
	// Only the low 128 bits are meaningful; write them as two uint64s,
	// little-endian, matching the rest of the pack format.
	_, err := w.Write(reverseTrailing16(b[:]))
	return err
}

// reverseTrailing16 extracts the low 16 bytes of a big-endian 32-byte
// buffer (as produced by uint256.Bytes32) and returns them little-endian.
func reverseTrailing16(be32 []byte) []byte {
	lo := be32[16:32] // low 128 bits, big-endian
	out := make([]byte, 16)
	for i := 0; i < 16; i++ {
		out[i] = lo[15-i]
	}
	return out
}

// PriceFromBytes32 reconstructs a Price from a uint256.Bytes32-shaped
// big-endian buffer, the form callers that store prices in their own
// flat record layouts (e.g. the market package's order-book index)
// serialize them as.
func PriceFromBytes32(be32 []byte, quote, base AssetType) (Price, error) {
	if len(be32) != 32 {
		return Price{}, errors.New("blockchain: price bytes must be 32 bytes")
	}
	ratio := new(uint256.Int).SetBytes(be32)
	return Price{Ratio: ratio, Quote: quote, Base: base}, nil
}

func readPrice(r io.Reader) (Price, error) {
	quote, err := readUint32(r)
	if err != nil {
		return Price{}, err
	}
	base, err := readUint32(r)
	if err != nil {
		return Price{}, err
	}
	var le16 [16]byte
	if _, err := io.ReadFull(r, le16[:]); err != nil {
		return Price{}, err
	}
	var be32 [32]byte
	for i := 0; i < 16; i++ {
		be32[31-i] = le16[i]
	}
	ratio := new(uint256.Int).SetBytes(be32[:])
	return Price{Ratio: ratio, Quote: AssetType(quote), Base: AssetType(base)}, nil
}
