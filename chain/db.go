// Package chain ties the UTXO store, the market DB, and the matching
// engine into the single state-transition surface spec.md §6 names:
// push_block, pop_block, generate_next_block, and
// evaluate_signed_transaction.
package chain

import (
	"os"
	"path/filepath"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/market"
	"github.com/mcdoku/bitshares-core/matching"
	"github.com/mcdoku/bitshares-core/primitives"
	"github.com/mcdoku/bitshares-core/utxo"
)

// AssetPair names one (quote, base) market the matching engine runs
// each block (spec.md §4.4's "per asset pair (quote, BTS)"; base is
// always BTS in this chain, but the pair is still named explicitly so
// a market can be added without touching the matcher itself).
type AssetPair struct {
	Quote, Base blockchain.AssetType
}

// DB is the single owning value through which every chain state
// transition flows (spec.md §9 favors one handle over scattered global
// state).
type DB struct {
	utxo    *utxo.Store
	market  *market.DB
	matcher *matching.Engine

	pairs          []AssetPair
	blocksPerPoint uint32

	// matchedThrough/haveMatched let a block producer's own
	// GenerateNextBlock call (which must run the matcher to assemble a
	// mineable candidate) and the PushBlock call that follows it avoid
	// running the matcher a second time against a book it already
	// consumed. Any other caller of PushBlock — replaying blocks from
	// disk, or validating a block this process did not produce — always
	// finds matchedThrough behind the block it is pushing, so the
	// matcher still runs and independently verifies the block's
	// trailing transactions.
	matchedThrough uint32
	haveMatched    bool
}

// Open opens (creating if necessary) a chain DB rooted at dir.
func Open(dir string, pairs []AssetPair, blocksPerPoint uint32) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fail(KindConfiguration, err)
	}
	us, err := utxo.Open(filepath.Join(dir, "utxo.db"))
	if err != nil {
		return nil, fail(KindStorage, err)
	}
	mdb, err := market.Open(filepath.Join(dir, "market.db"))
	if err != nil {
		_ = us.Close()
		return nil, fail(KindStorage, err)
	}
	return &DB{
		utxo:           us,
		market:         mdb,
		matcher:        matching.New(mdb),
		pairs:          pairs,
		blocksPerPoint: blocksPerPoint,
	}, nil
}

// Close closes both underlying stores.
func (db *DB) Close() error {
	errUTXO := db.utxo.Close()
	errMarket := db.market.Close()
	if errUTXO != nil {
		return fail(KindStorage, errUTXO)
	}
	if errMarket != nil {
		return fail(KindStorage, errMarket)
	}
	return nil
}

// Head returns the current chain tip.
func (db *DB) Head() (num uint32, id primitives.Hash, ok bool) {
	return db.utxo.ChainHead()
}

// Stake returns the low 32 bits of the head block id: the nonce
// signed_transaction.stake binds a transaction to the current chain
// tip with (GLOSSARY "Stake"; SPEC_FULL.md §3 get_stake).
func (db *DB) Stake() uint32 {
	_, id, ok := db.utxo.ChainHead()
	if !ok {
		return 0
	}
	return stakeOf(id)
}

// StakePrev returns the stake nonce of the block before the head
// (get_stake2 in the original).
func (db *DB) StakePrev() uint32 {
	num, _, ok := db.utxo.ChainHead()
	if !ok || num == 0 {
		return 0
	}
	blk, err := db.utxo.FetchBlock(num - 1)
	if err != nil {
		return 0
	}
	return stakeOf(blk.ID())
}

func stakeOf(id primitives.Hash) uint32 {
	return uint32(id[0]) | uint32(id[1])<<8 | uint32(id[2])<<16 | uint32(id[3])<<24
}

// FetchBlock returns the block stored at num.
func (db *DB) FetchBlock(num uint32) (blockchain.TrxBlock, error) {
	blk, err := db.utxo.FetchBlock(num)
	if err != nil {
		return blockchain.TrxBlock{}, fail(KindStorage, err)
	}
	return blk, nil
}

// FetchTrx returns the indexed, meta-augmented form of a transaction.
func (db *DB) FetchTrx(id primitives.Hash) (utxo.MetaTrx, error) {
	meta, err := db.utxo.FetchTrx(id)
	if err != nil {
		return utxo.MetaTrx{}, fail(KindStorage, err)
	}
	return meta, nil
}

// GetMarket returns a snapshot of one pair's order book and trade
// history (dump_market in the original; SPEC_FULL.md §3).
func (db *DB) GetMarket(quote, base blockchain.AssetType) (market.MarketData, error) {
	data, err := db.market.DumpMarket(quote, base)
	if err != nil {
		return market.MarketData{}, fail(KindStorage, err)
	}
	return data, nil
}

// EvaluateSignedTransaction runs spec.md §4.2's validation algorithm
// against the current head without applying anything, the read-only
// counterpart wallets use to preview fees before broadcasting
// (evaluate_signed_transaction in the original).
func (db *DB) EvaluateSignedTransaction(trx blockchain.SignedTransaction, ignoreFees bool) (TrxEval, error) {
	headNum, _, ok := db.utxo.ChainHead()
	feeRate := int64(0)
	if ok {
		headNum++ // evaluated as if confirmed in the next block
		if hb, err := db.utxo.FetchBlock(headNum - 1); err == nil {
			feeRate = hb.FeeRate
		}
	}
	return db.evaluate(trx, ignoreFees, false, headNum, feeRate)
}
