package blockchain

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"io"

	"github.com/mcdoku/bitshares-core/primitives"
)

// momentumBirthdayBits is the number of low bits noncea's and nonceb's
// seeded hashes must agree on for a header to satisfy the momentum
// proof-of-work (spec.md §4.1, §4.6): a birthday-collision search over a
// fixed-size hash space rather than a leading-zero-bits search, so that
// work is parallelisable across many cheap collision attempts instead of
// one expensive leading-zero search.
const momentumBirthdayBits = 26

const momentumMask = (uint64(1) << momentumBirthdayBits) - 1

// BlockHeader is the fixed-size, hashed portion of a block (spec.md
// §3): the parent link, height, Merkle root of its transactions, the
// two retargeting accumulators (total shares and total coin-days
// destroyed), the fee-rate this block enforces, and the momentum
// proof-of-work nonce pair.
type BlockHeader struct {
	Prev           primitives.Hash
	BlockNum       uint32
	Timestamp      uint32 // unix seconds
	TrxMerkleRoot  primitives.Hash
	TotalShares    int64
	TotalCDD       int64
	FeeRate        int64
	NonceA, NonceB uint64
}

// momentumSeed returns the Momentum proof-of-work seed: every header
// field except NonceA/NonceB packed in order (the nonce pair is left
// out, not written as zero), then hashed with SHA-256.
func (h BlockHeader) momentumSeed() [sha256.Size]byte {
	var buf bytes.Buffer
	_ = writeHash(&buf, h.Prev)
	_ = writeUint32(&buf, h.BlockNum)
	_ = writeUint32(&buf, h.Timestamp)
	_ = writeHash(&buf, h.TrxMerkleRoot)
	_ = writeInt64(&buf, h.TotalShares)
	_ = writeInt64(&buf, h.TotalCDD)
	_ = writeInt64(&buf, h.FeeRate)
	return sha256.Sum256(buf.Bytes())
}

// seedBytes packs every header field except the nonce pair; used by
// ID()/writeHeader to hash the full header including the resolved
// nonces.
func (h BlockHeader) seedBytes() []byte {
	var buf bytes.Buffer
	_ = writeHash(&buf, h.Prev)
	_ = writeUint32(&buf, h.BlockNum)
	_ = writeUint32(&buf, h.Timestamp)
	_ = writeHash(&buf, h.TrxMerkleRoot)
	_ = writeInt64(&buf, h.TotalShares)
	_ = writeInt64(&buf, h.TotalCDD)
	_ = writeInt64(&buf, h.FeeRate)
	return buf.Bytes()
}

// writeHeader writes the full header including the nonce pair, the
// encoding ID() hashes.
func writeHeader(w io.Writer, h BlockHeader) error {
	if _, err := w.Write(h.seedBytes()); err != nil {
		return err
	}
	if err := writeUint64(w, h.NonceA); err != nil {
		return err
	}
	return writeUint64(w, h.NonceB)
}

func readHeader(r io.Reader) (BlockHeader, error) {
	var h BlockHeader
	var err error
	if h.Prev, err = readHash(r); err != nil {
		return BlockHeader{}, err
	}
	if h.BlockNum, err = readUint32(r); err != nil {
		return BlockHeader{}, err
	}
	if h.Timestamp, err = readUint32(r); err != nil {
		return BlockHeader{}, err
	}
	if h.TrxMerkleRoot, err = readHash(r); err != nil {
		return BlockHeader{}, err
	}
	if h.TotalShares, err = readInt64(r); err != nil {
		return BlockHeader{}, err
	}
	if h.TotalCDD, err = readInt64(r); err != nil {
		return BlockHeader{}, err
	}
	if h.FeeRate, err = readInt64(r); err != nil {
		return BlockHeader{}, err
	}
	if h.NonceA, err = readUint64(r); err != nil {
		return BlockHeader{}, err
	}
	if h.NonceB, err = readUint64(r); err != nil {
		return BlockHeader{}, err
	}
	return h, nil
}

// ID is the header's hash: the block's identifier and the value
// GetDifficulty measures (spec.md §3).
func (h BlockHeader) ID() primitives.Hash {
	var buf bytes.Buffer
	_ = writeHeader(&buf, h)
	return primitives.SmallHash(buf.Bytes())
}

// nonceSeedHash hashes the momentum seed together with one candidate
// nonce, the per-nonce birthday value the search compares for
// collisions.
func nonceSeedHash(seed [sha256.Size]byte, nonce uint64) uint64 {
	var nb [8]byte
	binary.LittleEndian.PutUint64(nb[:], nonce)
	buf := make([]byte, 0, sha256.Size+8)
	buf = append(buf, seed[:]...)
	buf = append(buf, nb[:]...)
	return primitives.Hash64(buf)
}

// ValidateWork reports whether h's nonce pair satisfies the momentum
// proof-of-work: noncea and nonceb must differ, and their momentum-seed
// hashes must collide in the low momentumBirthdayBits bits (spec.md §3
// "Momentum birthday-collision over sha256(id_with_nonces_zeroed)").
func (h BlockHeader) ValidateWork() bool {
	if h.NonceA == h.NonceB {
		return false
	}
	seed := h.momentumSeed()
	a := nonceSeedHash(seed, h.NonceA)
	b := nonceSeedHash(seed, h.NonceB)
	return a&momentumMask == b&momentumMask
}

// GetDifficulty returns the difficulty160 of h's ID, the metric
// difficulty retargeting and chain-selection compare (spec.md §4.1).
func (h BlockHeader) GetDifficulty() uint64 {
	return primitives.Difficulty160(h.ID())
}

// MineNonces searches nonces [0, maxNonce) for a momentum birthday
// collision against h (spec.md §4.6's momentum search, exported so a
// miner outside this package can find a (NonceA, NonceB) pair that
// makes h.ValidateWork() true without reaching into unexported hash
// internals).
func MineNonces(h BlockHeader, maxNonce uint64) (nonceA, nonceB uint64, ok bool) {
	seed := h.momentumSeed()
	seen := make(map[uint64]uint64, maxNonce)
	for nonce := uint64(0); nonce < maxNonce; nonce++ {
		v := nonceSeedHash(seed, nonce) & momentumMask
		if other, exists := seen[v]; exists && other != nonce {
			return other, nonce, true
		}
		seen[v] = nonce
	}
	return 0, 0, false
}

// BlocksPerYear is the retargeting period spec.md §4.5's difficulty
// formula divides available coin-days by. Assumes a 30-second block
// interval, the original chain's target spacing.
const BlocksPerYear = 365 * 24 * 60 * 2

// GetRequiredDifficulty implements spec.md §4.5's retarget formula:
// required = prev_difficulty · (1 + (prevAvail/BLOCKS_PER_YEAR −
// min(totalCDD, prevAvail/BLOCKS_PER_YEAR))). Coin-days available below
// target pushes difficulty up by the shortfall; once totalCDD meets or
// exceeds the per-block share of prevAvail, the correction term is zero
// and difficulty holds steady.
func GetRequiredDifficulty(prevDifficulty uint64, prevAvailCDays, totalCDD int64) uint64 {
	target := prevAvailCDays / BlocksPerYear
	spent := totalCDD
	if spent > target {
		spent = target
	}
	correction := target - spent
	return prevDifficulty + prevDifficulty*uint64(correction)
}

// minFeePerByte is the floor fee rate (spec.md §4.5); CalculateNextFee
// never retargets below it.
const minFeePerByte = 1

// MinFee is the minimum total fee a transaction of the given byte size
// must pay under h's fee rate.
func (h BlockHeader) MinFee(trxSize int) int64 {
	return h.FeeRate * int64(trxSize)
}

// feeRateWindowBytes is the 512KiB window spec.md §4.5's fee-rate EMA
// scales block_size against.
const feeRateWindowBytes = 512 * 1024

// CalculateNextFee implements spec.md §4.5's fee-rate retarget:
// fee_rate' = max(min_fee, (99·fee_rate + block_size·fee_rate/(512·1024))/100),
// a 99:1 exponential moving average nudged by how full the block was
// relative to the 512KiB window.
func CalculateNextFee(prevRate int64, blockSize int) int64 {
	term := prevRate * int64(blockSize) / feeRateWindowBytes
	next := (99*prevRate + term) / 100
	if next < minFeePerByte {
		next = minFeePerByte
	}
	return next
}

// TrxBlock is a header paired with the transactions it commits to via
// TrxMerkleRoot (spec.md §3).
type TrxBlock struct {
	BlockHeader
	SignedTransactions []SignedTransaction
}

// ComputeMerkleRoot hashes b's transactions into a single root using
// pairwise SmallHash combination, duplicating the final element on an
// odd level the way Satoshi-style Merkle trees do.
func ComputeMerkleRoot(trxs []SignedTransaction) primitives.Hash {
	if len(trxs) == 0 {
		return primitives.ZeroHash
	}
	level := make([]primitives.Hash, len(trxs))
	for i, t := range trxs {
		level[i] = t.ID()
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]primitives.Hash, len(level)/2)
		for i := range next {
			var buf bytes.Buffer
			buf.Write(level[2*i][:])
			buf.Write(level[2*i+1][:])
			next[i] = primitives.SmallHash(buf.Bytes())
		}
		level = next
	}
	return level[0]
}

// BlockSize returns the total pack-encoded byte size of b, the size
// fee calculations and the block-size retargeting operate on.
func (b TrxBlock) BlockSize() int {
	var buf bytes.Buffer
	_ = writeHeader(&buf, b.BlockHeader)
	for _, t := range b.SignedTransactions {
		_ = writeSignedTransaction(&buf, t)
	}
	return buf.Len()
}

// FullBlock is the wire encoding of TrxBlock: a header and its
// transaction list, length-prefixed.
type FullBlock = TrxBlock

// MarshalBinary implements the pack format for a TrxBlock.
func (b TrxBlock) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeHeader(&buf, b.BlockHeader); err != nil {
		return nil, err
	}
	if err := writeVarInt(&buf, uint64(len(b.SignedTransactions))); err != nil {
		return nil, err
	}
	for _, t := range b.SignedTransactions {
		if err := writeSignedTransaction(&buf, t); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBlock decodes a TrxBlock from its pack encoding.
func UnmarshalBlock(data []byte) (TrxBlock, error) {
	r := bytes.NewReader(data)
	header, err := readHeader(r)
	if err != nil {
		return TrxBlock{}, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return TrxBlock{}, err
	}
	trxs := make([]SignedTransaction, n)
	for i := range trxs {
		if trxs[i], err = readSignedTransaction(r); err != nil {
			return TrxBlock{}, err
		}
	}
	return TrxBlock{BlockHeader: header, SignedTransactions: trxs}, nil
}
