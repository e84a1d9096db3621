package blockchain

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// AssetType enumerates the closed set of asset kinds a chain instance
// knows about: BTS, the base/collateral unit, plus a fixed set of
// BitAsset types quoted against it (spec.md §3).
type AssetType uint32

// The base unit and the BitAsset types this deployment supports. A real
// deployment would extend this list; the set is closed per spec.md §3.
const (
	BTS AssetType = iota
	USD
	EUR
	GOLD
	BTC
	numAssetTypes
)

var assetTypeNames = map[AssetType]string{
	BTS:  "BTS",
	USD:  "USD",
	EUR:  "EUR",
	GOLD: "GOLD",
	BTC:  "BTC",
}

// String returns the asset type's ticker, or "UNKNOWN" for an
// out-of-range value.
func (t AssetType) String() string {
	if name, ok := assetTypeNames[t]; ok {
		return name
	}
	return "UNKNOWN"
}

// Valid reports whether t is one of the closed set of known asset types.
func (t AssetType) Valid() bool { return t < numAssetTypes }

// Asset is a signed amount of a given asset type. Amounts are stored as
// the smallest indivisible unit (spec.md §3: "amount: 64-bit integer").
type Asset struct {
	Amount int64
	Type   AssetType
}

// NewAsset builds an Asset.
func NewAsset(amount int64, t AssetType) Asset { return Asset{Amount: amount, Type: t} }

// Add returns a+b. It panics if the asset types differ, mirroring the
// original's assertion that asset arithmetic never mixes units.
func (a Asset) Add(b Asset) Asset {
	if a.Type != b.Type {
		panic("blockchain: cannot add assets of different types")
	}
	return Asset{Amount: a.Amount + b.Amount, Type: a.Type}
}

// Sub returns a-b. See Add for the type-matching requirement.
func (a Asset) Sub(b Asset) Asset {
	if a.Type != b.Type {
		panic("blockchain: cannot subtract assets of different types")
	}
	return Asset{Amount: a.Amount - b.Amount, Type: a.Type}
}

func writeAsset(w io.Writer, a Asset) error {
	if err := writeInt64(w, a.Amount); err != nil {
		return err
	}
	return writeUint32(w, uint32(a.Type))
}

func readAsset(r io.Reader) (Asset, error) {
	amount, err := readInt64(r)
	if err != nil {
		return Asset{}, err
	}
	t, err := readUint32(r)
	if err != nil {
		return Asset{}, err
	}
	return Asset{Amount: amount, Type: AssetType(t)}, nil
}

// MarshalBinary implements the pack format for Asset on its own, used by
// callers that store a bare Asset (e.g. market depth counters).
func (a Asset) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeAsset(&buf, a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary is the inverse of MarshalBinary.
func (a *Asset) UnmarshalBinary(data []byte) error {
	v, err := readAsset(bytes.NewReader(data))
	if err != nil {
		return errors.Wrap(err, "unmarshal asset")
	}
	*a = v
	return nil
}
