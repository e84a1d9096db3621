package primitives

import (
	"crypto/sha512"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/pkg/errors"
)

// ErrInvalidChildIndex is returned when child derivation produces an
// invalid key (probability astronomically small, kept for completeness
// the way BIP32-style derivation reports it).
var ErrInvalidChildIndex = errors.New("primitives: derived key is invalid, retry with a different index")

// ExtendedPublicKey is a BIP32-style hierarchical-deterministic public
// key: a secp256k1 point plus a 256-bit chain code, derivable to children
// without access to any private key (spec.md §4.1).
type ExtendedPublicKey struct {
	PubKey    *secp256k1.PublicKey
	ChainCode [32]byte
}

// NewExtendedPublicKey builds an extended public key from a raw key and
// chain code.
func NewExtendedPublicKey(pub *secp256k1.PublicKey, chainCode [32]byte) *ExtendedPublicKey {
	return &ExtendedPublicKey{PubKey: pub, ChainCode: chainCode}
}

// Child derives the public child at child_idx: I = SHA512(pub || idx_be32);
// child.pub = parent.pub + I_left*G; child.chain = I_right.
func (k *ExtendedPublicKey) Child(childIdx uint32) (*ExtendedPublicKey, error) {
	enc := sha512.New()
	enc.Write(k.PubKey.SerializeCompressed())
	enc.Write(beIndexBytes(childIdx))
	var digest Hash512
	copy(digest[:], enc.Sum(nil))

	left, right := digest.SplitHalves()

	var tweak secp256k1.ModNScalar
	overflow := tweak.SetBytes(&left)
	if overflow != 0 || tweak.IsZero() {
		return nil, ErrInvalidChildIndex
	}

	var tweakPoint, parentPoint, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&tweak, &tweakPoint)
	k.PubKey.AsJacobian(&parentPoint)
	secp256k1.AddNonConst(&parentPoint, &tweakPoint, &sum)
	sum.ToAffine()

	if sum.X.IsZero() && sum.Y.IsZero() {
		return nil, ErrInvalidChildIndex
	}

	childPub := secp256k1.NewPublicKey(&sum.X, &sum.Y)
	return &ExtendedPublicKey{PubKey: childPub, ChainCode: right}, nil
}

// ExtendedPrivateKey is the private counterpart of ExtendedPublicKey; it
// can derive children either with a private-key-mixed tweak (hardened
// style) or with the same public-key-mixed tweak an ExtendedPublicKey
// would use, so that public and private derivation agree (spec.md §8).
type ExtendedPrivateKey struct {
	PrivKey   *secp256k1.PrivateKey
	ChainCode [32]byte
}

// NewExtendedPrivateKeyFromSeed splits a 512-bit seed into a private key
// and chain code, mirroring extended_private_key(const sha512&).
func NewExtendedPrivateKeyFromSeed(seed Hash512) *ExtendedPrivateKey {
	left, right := seed.SplitHalves()
	priv := secp256k1.PrivKeyFromBytes(left[:])
	return &ExtendedPrivateKey{PrivKey: priv, ChainCode: right}
}

// PublicKey returns the extended public key derived from this private
// key, i.e. derive(priv,i).pub's starting point.
func (k *ExtendedPrivateKey) PublicKey() *ExtendedPublicKey {
	return NewExtendedPublicKey(k.PrivKey.PubKey(), k.ChainCode)
}

// Child derives the private child at child_idx. When pubDerivation is
// true the tweak is taken over the public key (agreeing with
// ExtendedPublicKey.Child); when false it is taken over 0x00||priv_key,
// the hardened-derivation form spec.md §4.1 also allows.
func (k *ExtendedPrivateKey) Child(childIdx uint32, pubDerivation bool) (*ExtendedPrivateKey, error) {
	enc := sha512.New()
	if pubDerivation {
		enc.Write(k.PrivKey.PubKey().SerializeCompressed())
	} else {
		enc.Write([]byte{0x00})
		enc.Write(k.PrivKey.Serialize())
	}
	enc.Write(beIndexBytes(childIdx))
	var digest Hash512
	copy(digest[:], enc.Sum(nil))

	left, right := digest.SplitHalves()

	var tweak secp256k1.ModNScalar
	overflow := tweak.SetBytes(&left)
	if overflow != 0 || tweak.IsZero() {
		return nil, ErrInvalidChildIndex
	}

	var parentScalar secp256k1.ModNScalar
	parentScalar.SetByteSlice(k.PrivKey.Serialize())
	childScalar := new(secp256k1.ModNScalar).Add2(&parentScalar, &tweak)
	if childScalar.IsZero() {
		return nil, ErrInvalidChildIndex
	}

	childBytes := childScalar.Bytes()
	return &ExtendedPrivateKey{
		PrivKey:   secp256k1.PrivKeyFromBytes(childBytes[:]),
		ChainCode: right,
	}, nil
}

// beIndexBytes packs a child index as big-endian, the idx_be32 form the
// child-derivation hash takes.
func beIndexBytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
