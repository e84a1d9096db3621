package primitives

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // legacy PTS hash160, spec-mandated
)

// ErrInvalidAddress is returned by the address decoders when the base58
// payload is malformed or its checksum fails to verify.
var ErrInvalidAddress = errors.New("primitives: invalid address")

// Address is a base58, checksummed encoding of a public key, the
// claim_by_signature payee identifier (spec.md §3).
type Address struct {
	version byte
	hash    [ripemd160.Size]byte
}

const addressVersion = 0x00

// NewAddressFromPublicKey derives the pay-to-pubkey address for pub:
// ripemd160(sha256(compressed pubkey)), matching the teacher's Hash160
// pattern (daglabs-btcd/util/address.go) applied to our base58 (not
// bech32) encoding.
func NewAddressFromPublicKey(pub *secp256k1.PublicKey) Address {
	return Address{version: addressVersion, hash: hash160(pub.SerializeCompressed())}
}

func hash160(b []byte) [ripemd160.Size]byte {
	sha := sha256.Sum256(b)
	r := ripemd160.New()
	r.Write(sha[:])
	var out [ripemd160.Size]byte
	copy(out[:], r.Sum(nil))
	return out
}

// String base58-encodes the address as version||hash160||checksum32,
// where checksum32 is the low 4 bytes of Hash64 over version||hash160 —
// the same "payload + 4 byte checksum of hash64" shape spec.md §6 uses
// for extended addresses.
func (a Address) String() string {
	payload := append([]byte{a.version}, a.hash[:]...)
	checksum := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksum, uint32(Hash64(payload)))
	return base58.Encode(append(payload, checksum...))
}

// ParseAddress decodes and checksum-verifies a base58 address string.
func ParseAddress(s string) (Address, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return Address{}, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if len(data) != 1+ripemd160.Size+4 {
		return Address{}, errors.Wrap(ErrInvalidAddress, "wrong length")
	}
	payload, checksum := data[:1+ripemd160.Size], data[1+ripemd160.Size:]
	want := make([]byte, 4)
	binary.LittleEndian.PutUint32(want, uint32(Hash64(payload)))
	if !bytes.Equal(checksum, want) {
		return Address{}, errors.Wrap(ErrInvalidAddress, "checksum mismatch")
	}
	var a Address
	a.version = payload[0]
	copy(a.hash[:], payload[1:])
	return a, nil
}

// Equal reports whether two addresses encode the same payload.
func (a Address) Equal(o Address) bool { return a.version == o.version && a.hash == o.hash }

// PTSAddress is the legacy ProtoShares address format referenced by
// claim_by_pts outputs: a ripemd160(sha256(pubkey)) hash tagged with one
// of ProtoShares' historical version bytes (0 or 56, matching
// transaction.cpp's get_signed_pts_addresses, which tries both forms and
// both compressed/uncompressed keys).
type PTSAddress struct {
	version byte
	hash    [ripemd160.Size]byte
}

// NewPTSAddress builds a PTS address from a serialized (compressed or
// uncompressed) public key and a ProtoShares version byte.
func NewPTSAddress(serializedPub []byte, version byte) PTSAddress {
	return PTSAddress{version: version, hash: hash160(serializedPub)}
}

// Equal reports whether two PTS addresses encode the same payload.
func (p PTSAddress) Equal(o PTSAddress) bool { return p.version == o.version && p.hash == o.hash }

// String base58-encodes the PTS address the same way Address does.
func (p PTSAddress) String() string {
	payload := append([]byte{p.version}, p.hash[:]...)
	checksum := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksum, uint32(Hash64(payload)))
	return base58.Encode(append(payload, checksum...))
}

// ParsePTSAddress decodes and checksum-verifies a base58 PTS address
// string, the same shape as ParseAddress but without a fixed version
// byte (PTS addresses carry one of several historical version bytes).
func ParsePTSAddress(s string) (PTSAddress, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return PTSAddress{}, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if len(data) != 1+ripemd160.Size+4 {
		return PTSAddress{}, errors.Wrap(ErrInvalidAddress, "wrong length")
	}
	payload, checksum := data[:1+ripemd160.Size], data[1+ripemd160.Size:]
	want := make([]byte, 4)
	binary.LittleEndian.PutUint32(want, uint32(Hash64(payload)))
	if !bytes.Equal(checksum, want) {
		return PTSAddress{}, errors.Wrap(ErrInvalidAddress, "checksum mismatch")
	}
	var p PTSAddress
	p.version = payload[0]
	copy(p.hash[:], payload[1:])
	return p, nil
}

// SignedAddresses returns the claim_by_signature Address of an already
// recovered public key. It does no signature recovery itself, and the
// claim_by_pts forms come from PTSAddressesForKey.
func SignedAddresses(pub *secp256k1.PublicKey) Address {
	return NewAddressFromPublicKey(pub)
}

// PTSAddressesForKey returns the four PTS address forms a recovered
// public key could be paying to, mirroring the original's historical
// compatibility sweep over compressed/uncompressed x version {0,56}.
func PTSAddressesForKey(pub *secp256k1.PublicKey) []PTSAddress {
	compressed := pub.SerializeCompressed()
	uncompressed := pub.SerializeUncompressed()
	return []PTSAddress{
		NewPTSAddress(compressed, 56),
		NewPTSAddress(uncompressed, 56),
		NewPTSAddress(compressed, 0),
		NewPTSAddress(uncompressed, 0),
	}
}

// ExtendedAddress is the text form of an ExtendedPublicKey:
// base58(pub33||chain32||hash64(serialize).low32) per spec.md §6.
type ExtendedAddress struct {
	Key *ExtendedPublicKey
}

// String encodes the extended address.
func (e ExtendedAddress) String() string {
	payload := make([]byte, 0, 33+32)
	payload = append(payload, e.Key.PubKey.SerializeCompressed()...)
	payload = append(payload, e.Key.ChainCode[:]...)
	checksum := make([]byte, 4)
	binary.LittleEndian.PutUint32(checksum, uint32(Hash64(payload)))
	return base58.Encode(append(payload, checksum...))
}

// ParseExtendedAddress decodes and checksum-verifies an extended address
// string back into an ExtendedPublicKey.
func ParseExtendedAddress(s string) (*ExtendedPublicKey, error) {
	data, err := base58.Decode(s)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if len(data) != 33+32+4 {
		return nil, errors.Wrap(ErrInvalidAddress, "wrong length")
	}
	payload, checksum := data[:33+32], data[33+32:]
	want := make([]byte, 4)
	binary.LittleEndian.PutUint32(want, uint32(Hash64(payload)))
	if !bytes.Equal(checksum, want) {
		return nil, errors.Wrap(ErrInvalidAddress, "checksum mismatch")
	}
	pub, err := secp256k1.ParsePubKey(payload[:33])
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, "invalid public key")
	}
	var chainCode [32]byte
	copy(chainCode[:], payload[33:])
	return NewExtendedPublicKey(pub, chainCode), nil
}
