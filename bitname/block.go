package bitname

import (
	"bytes"
	"crypto/sha256"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mcdoku/bitshares-core/primitives"
)

// NameTrx is a single name-registration attempt bundled into a
// NameBlock: a candidate (name_hash, master_key, active_key, nonce)
// that gains a difficulty only once paired with the block's prev id,
// mirroring bitname_block.cpp's name_trx/name_header split.
type NameTrx struct {
	UTCSec    uint32
	NameHash  uint64
	MasterKey *secp256k1.PublicKey
	ActiveKey *secp256k1.PublicKey
	Nonce     uint16
}

// Header combines t with the prev id of the block it would extend,
// producing the full NameHeader bts::bitname::name_header(trx, prev)
// constructs before computing an id/difficulty.
func (t NameTrx) Header(prev primitives.Hash) NameHeader {
	return NameHeader{
		Prev:      prev,
		UTCSec:    t.UTCSec,
		NameHash:  t.NameHash,
		MasterKey: t.MasterKey,
		ActiveKey: t.ActiveKey,
		Nonce:     t.Nonce,
	}
}

// ID returns the content id of t once paired with prev.
func (t NameTrx) ID(prev primitives.Hash) primitives.Hash { return t.Header(prev).ID() }

// ShortID returns the 64-bit compressed id of t once paired with prev.
func (t NameTrx) ShortID(prev primitives.Hash) uint64 { return t.Header(prev).ShortID() }

// Difficulty returns the momentum-style difficulty of t once paired
// with prev.
func (t NameTrx) Difficulty(prev primitives.Hash) uint64 { return t.Header(prev).Difficulty() }

// NameHeader is the full, hashable unit of PoW in the name-registration
// chain: a previous-block link, a registration timestamp, the
// registrant's confusable-folded name hash, the two keys being bound to
// it, and a mining nonce.
type NameHeader struct {
	Prev      primitives.Hash
	UTCSec    uint32
	NameHash  uint64
	MasterKey *secp256k1.PublicKey
	ActiveKey *secp256k1.PublicKey
	Nonce     uint16
}

// pack serializes the header fields in declared order, the wire shape
// ID/ShortID hash over.
func (h NameHeader) pack() []byte {
	var buf bytes.Buffer
	_ = writeHash(&buf, h.Prev)
	_ = writeUint32(&buf, h.UTCSec)
	_ = writeUint64(&buf, h.NameHash)
	_ = writePubKey(&buf, h.MasterKey)
	_ = writePubKey(&buf, h.ActiveKey)
	_ = writeUint16(&buf, h.Nonce)
	return buf.Bytes()
}

// ID computes the header's content id: the small hash (truncated
// SHA-512) of its packed fields, mirroring name_header::id().
func (h NameHeader) ID() primitives.Hash {
	return primitives.SmallHash(h.pack())
}

// ShortID compresses ID() down to 64 bits by concatenating its second
// and first little-endian 32-bit words, matching name_header::short_id()
// ((short_name_id_type)long_id._hash[1] << 32 | long_id._hash[0]).
func (h NameHeader) ShortID() uint64 {
	id := h.ID()
	word0 := uint64(id[0]) | uint64(id[1])<<8 | uint64(id[2])<<16 | uint64(id[3])<<24
	word1 := uint64(id[4]) | uint64(id[5])<<8 | uint64(id[6])<<16 | uint64(id[7])<<24
	return word1<<32 | word0
}

// Difficulty returns floor((2^160-1) / ID()), the momentum-style
// difficulty of this header alone (name_header::difficulty()).
func (h NameHeader) Difficulty() uint64 {
	return primitives.Difficulty160(h.ID())
}

// NameBlock is a name_header under mining construction together with
// the sub-transactions (other registrants' headers) bundled into it.
type NameBlock struct {
	NameHeader
	TrxsHash primitives.Hash
	NameTrxs []NameTrx
}

// NewNameBlock starts a fresh block around h, the way
// name_miner::set_name_header constructs `name_block(name_trx_to_mine)`.
func NewNameBlock(h NameHeader) NameBlock {
	return NameBlock{NameHeader: h}
}

// CalcTrxsHash hashes prev together with the bundled transactions,
// mirroring name_block::calc_trxs_hash (sha512 over prev||name_trxs,
// compressed down to a Hash the way the original compresses to a
// city_hash128 for bandwidth).
func (b NameBlock) CalcTrxsHash() primitives.Hash {
	var buf bytes.Buffer
	_ = writeHash(&buf, b.Prev)
	for _, t := range b.NameTrxs {
		_ = writeUint32(&buf, t.UTCSec)
		_ = writeUint64(&buf, t.NameHash)
		_ = writePubKey(&buf, t.MasterKey)
		_ = writePubKey(&buf, t.ActiveKey)
		_ = writeUint16(&buf, t.Nonce)
	}
	return primitives.SmallHash(buf.Bytes())
}

// BlockDifficulty is the header's own difficulty plus the sum of its
// bundled transactions' difficulties (each paired with the block's
// prev), or half the header's difficulty alone when the block carries
// no transactions — name_block::block_difficulty()'s invariant that the
// header must out-weigh the sum of what it bundles.
func (b NameBlock) BlockDifficulty() uint64 {
	var sum uint64
	for _, t := range b.NameTrxs {
		sum += t.Difficulty(b.Prev)
	}
	if sum > 0 {
		return b.Difficulty() + sum
	}
	return b.Difficulty() / 2
}

// maxNameHash is the hardest permitted name_hash threshold: a 160-bit
// value with its top 28 bits cleared (big-endian 0x0000000f followed by
// all-ones), matching bitname_block.cpp's HARD_MINING constant.
func maxNameHash() primitives.Hash {
	var h primitives.Hash
	for i := range h {
		h[i] = 0xff
	}
	h[0], h[1], h[2], h[3] = 0x00, 0x00, 0x00, 0x0f
	return h
}

// MinNameDifficulty is the floor difficulty every mined header and
// bundled transaction must clear, derived from maxNameHash the way
// min_name_difficulty() calls difficulty(max_name_hash()).
func MinNameDifficulty() uint64 {
	return primitives.Difficulty160(maxNameHash())
}

// genesisTimestamp is create_genesis_block's fixed ISO-8601 timestamp,
// "20130822T183833" UTC.
var genesisTimestamp = mustUnix("2013-08-22T18:38:33Z")

func mustUnix(iso string) uint32 {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		panic(err)
	}
	return uint32(t.Unix())
}

// Genesis builds the name-registration chain's genesis block: a
// name_hash of zero (unregisterable — nobody can ever mine a
// collision for it) with master_key == active_key derived from
// sha256("genesis"), matching create_genesis_block()'s live
// (uncommented) body.
func Genesis() NameBlock {
	key := genesisKey()
	pub := key.PubKey()
	return NewNameBlock(NameHeader{
		Prev:      primitives.ZeroHash,
		UTCSec:    genesisTimestamp,
		NameHash:  0,
		MasterKey: pub,
		ActiveKey: pub,
		Nonce:     0,
	})
}

// genesisKey regenerates create_genesis_block's private key from
// sha256("genesis").
func genesisKey() *secp256k1.PrivateKey {
	h := sha256.Sum256([]byte("genesis"))
	return secp256k1.PrivKeyFromBytes(h[:])
}
