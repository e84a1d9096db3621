package blockchain

import (
	"testing"

	"github.com/mcdoku/bitshares-core/primitives"
)

func TestBlockHeaderRoundTrip(t *testing.T) {
	h := BlockHeader{
		Prev:          primitives.SmallHash([]byte("parent")),
		BlockNum:      42,
		Timestamp:     1375168244,
		TrxMerkleRoot: primitives.SmallHash([]byte("trxs")),
		TotalShares:   1000000,
		TotalCDD:      500,
		FeeRate:       10,
		NonceA:        1,
		NonceB:        2,
	}
	blk := TrxBlock{BlockHeader: h}
	data, err := blk.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := UnmarshalBlock(data)
	if err != nil {
		t.Fatalf("UnmarshalBlock: %v", err)
	}
	if got.ID() != h.ID() {
		t.Fatalf("round trip header ID mismatch")
	}
}

func TestMerkleRootEmptyIsZero(t *testing.T) {
	if ComputeMerkleRoot(nil) != primitives.ZeroHash {
		t.Fatalf("empty merkle root should be zero hash")
	}
}

func TestMerkleRootDeterministicAndOrderSensitive(t *testing.T) {
	a := SignedTransaction{Transaction: Transaction{Version: 1}}
	b := SignedTransaction{Transaction: Transaction{Version: 2}}
	r1 := ComputeMerkleRoot([]SignedTransaction{a, b})
	r2 := ComputeMerkleRoot([]SignedTransaction{a, b})
	if r1 != r2 {
		t.Fatalf("merkle root not deterministic")
	}
	r3 := ComputeMerkleRoot([]SignedTransaction{b, a})
	if r1 == r3 {
		t.Fatalf("merkle root should depend on transaction order")
	}
}

func TestMerkleRootOddCountDuplicatesLast(t *testing.T) {
	a := SignedTransaction{Transaction: Transaction{Version: 1}}
	b := SignedTransaction{Transaction: Transaction{Version: 2}}
	c := SignedTransaction{Transaction: Transaction{Version: 3}}
	odd := ComputeMerkleRoot([]SignedTransaction{a, b, c})
	evenDup := ComputeMerkleRoot([]SignedTransaction{a, b, c, c})
	if odd != evenDup {
		t.Fatalf("odd-count merkle root should duplicate the final leaf")
	}
}

func TestValidateWorkRejectsEqualNonces(t *testing.T) {
	h := BlockHeader{NonceA: 5, NonceB: 5}
	if h.ValidateWork() {
		t.Fatalf("equal nonces must never validate")
	}
}

func TestValidateWorkAcceptsBirthdayCollision(t *testing.T) {
	h := BlockHeader{BlockNum: 1}
	seed := h.momentumSeed()
	seen := make(map[uint64]uint64)
	found := false
	for nonce := uint64(0); nonce < 1<<20 && !found; nonce++ {
		v := nonceSeedHash(seed, nonce) & momentumMask
		if other, ok := seen[v]; ok && other != nonce {
			h.NonceA, h.NonceB = other, nonce
			found = true
			break
		}
		seen[v] = nonce
	}
	if !found {
		t.Skip("no collision found in search bound, unlikely but not a correctness failure")
	}
	if !h.ValidateWork() {
		t.Fatalf("expected constructed collision to validate")
	}
}

func TestCalculateNextFeeClampsToFloor(t *testing.T) {
	got := CalculateNextFee(1, 0)
	if got != minFeePerByte {
		t.Fatalf("CalculateNextFee should clamp to floor, got %d", got)
	}
}

func TestCalculateNextFeeTracksFullBlocks(t *testing.T) {
	full := CalculateNextFee(100, feeRateWindowBytes)
	half := CalculateNextFee(100, feeRateWindowBytes/2)
	if full <= half {
		t.Fatalf("a fuller block should retarget the fee rate higher: full=%d half=%d", full, half)
	}
}

func TestGetRequiredDifficultyHoldsWhenCDDMeetsTarget(t *testing.T) {
	prevAvail := int64(BlocksPerYear * 10)
	got := GetRequiredDifficulty(1000, prevAvail, 10)
	if got != 1000 {
		t.Fatalf("expected steady difficulty when totalCDD meets target, got %d", got)
	}
}

func TestGetRequiredDifficultyRisesOnShortfall(t *testing.T) {
	prevAvail := int64(BlocksPerYear * 10)
	got := GetRequiredDifficulty(1000, prevAvail, 5)
	if got <= 1000 {
		t.Fatalf("expected difficulty to rise when CDD falls short of target, got %d", got)
	}
}
