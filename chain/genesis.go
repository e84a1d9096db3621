package chain

import (
	"time"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

// GenesisTimestamp is the fixed genesis block time: 2013-07-30T05:44:34Z,
// taken from block.cpp's commented-out create_genesis_block constants
// per SPEC_FULL.md §3's resolution of the genesis open question. Every
// node building from the same address reproduces an identical block.
var GenesisTimestamp = mustUnix("2013-07-30T05:44:34Z")

func mustUnix(rfc3339 string) uint32 {
	t, err := time.Parse(time.RFC3339, rfc3339)
	if err != nil {
		panic(err)
	}
	return uint32(t.Unix())
}

// GenesisSupply is the initial BTS supply awarded to the genesis
// address, denominated at 5 decimal places like every other BTS amount.
const GenesisSupply = 100_000_000_00000

// GenesisDifficulty and GenesisFeeRate seed the first retarget instead
// of inferring them from a non-existent previous block.
const (
	GenesisDifficulty = 1
	GenesisFeeRate    = 1
)

// Genesis builds the deterministic genesis block: a fixed timestamp and
// a single claim_by_signature coinbase output to addr (spec.md §4.7).
func Genesis(addr primitives.Address) blockchain.TrxBlock {
	coinbase := blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Version: 1,
			Outputs: []blockchain.TrxOutput{
				{Amount: blockchain.NewAsset(GenesisSupply, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: addr}},
			},
		},
	}
	trxs := []blockchain.SignedTransaction{coinbase}
	header := blockchain.BlockHeader{
		Timestamp:     GenesisTimestamp,
		TrxMerkleRoot: blockchain.ComputeMerkleRoot(trxs),
		TotalShares:   GenesisSupply,
		FeeRate:       GenesisFeeRate,
	}
	return blockchain.TrxBlock{BlockHeader: header, SignedTransactions: trxs}
}
