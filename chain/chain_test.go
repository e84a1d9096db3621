package chain

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

func openTestChain(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), []AssetPair{{Quote: blockchain.USD, Base: blockchain.BTS}}, 10)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testKey(t *testing.T) (*secp256k1.PrivateKey, primitives.Address) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return priv, primitives.NewAddressFromPublicKey(priv.PubKey())
}

// mineAndPush performs the same birthday-collision search
// TestValidateWorkAcceptsBirthdayCollision uses directly against blk's
// header, then pushes the mined block.
func mineAndPush(t *testing.T, db *DB, blk blockchain.TrxBlock) blockchain.TrxBlock {
	t.Helper()
	a, b, ok := blockchain.MineNonces(blk.BlockHeader, 1<<22)
	if !ok {
		t.Fatalf("failed to find momentum collision within search bound")
	}
	blk.NonceA, blk.NonceB = a, b
	if err := db.PushBlock(blk); err != nil {
		t.Fatalf("PushBlock: %v", err)
	}
	return blk
}

func pushGenesis(t *testing.T, db *DB, addr primitives.Address) blockchain.TrxBlock {
	t.Helper()
	g := Genesis(addr)
	return mineAndPush(t, db, g)
}

// TestSimpleTransferSpendsAndReturnsChange covers spec.md §8 scenario
// 1: alice spends her genesis output into a 30-unit payment to bob, a
// 2000-unit fee, and the remainder as change back to herself.
func TestSimpleTransferSpendsAndReturnsChange(t *testing.T) {
	db := openTestChain(t)
	alicePriv, alice := testKey(t)
	_, bob := testKey(t)

	g := pushGenesis(t, db, alice)
	coinbaseID := g.SignedTransactions[0].ID()

	const toBob = 30
	const fee = 2000 // comfortably above the byte-size fee floor at the genesis fee rate
	const change = GenesisSupply - toBob - fee

	trx := blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Inputs: []blockchain.Input{{Output: blockchain.OutputRef{TrxID: coinbaseID, Index: 0}}},
			Outputs: []blockchain.TrxOutput{
				{Amount: blockchain.NewAsset(toBob, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: bob}},
				{Amount: blockchain.NewAsset(change, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: alice}},
			},
		},
	}
	trx.Sign(alicePriv)

	eval, err := db.EvaluateSignedTransaction(trx, false)
	if err != nil {
		t.Fatalf("EvaluateSignedTransaction: %v", err)
	}
	if eval.Fees != fee {
		t.Fatalf("expected fee of %d, got %d", fee, eval.Fees)
	}
	if eval.TotalSpent != GenesisSupply {
		t.Fatalf("expected total_spent of %d, got %d", GenesisSupply, eval.TotalSpent)
	}

	blk, err := db.GenerateNextBlock([]blockchain.SignedTransaction{trx})
	if err != nil {
		t.Fatalf("GenerateNextBlock: %v", err)
	}
	mineAndPush(t, db, blk)

	num, _, ok := db.Head()
	if !ok || num != 1 {
		t.Fatalf("expected head at block 1, got %d (ok=%v)", num, ok)
	}
}

// TestDoubleSpendRejected covers spec.md §8 scenario 2: a second
// transaction spending the same coinbase output is rejected once the
// first has been confirmed.
func TestDoubleSpendRejected(t *testing.T) {
	db := openTestChain(t)
	alicePriv, alice := testKey(t)
	_, bob := testKey(t)
	_, carol := testKey(t)

	g := pushGenesis(t, db, alice)
	coinbaseID := g.SignedTransactions[0].ID()

	first := blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Inputs: []blockchain.Input{{Output: blockchain.OutputRef{TrxID: coinbaseID, Index: 0}}},
			Outputs: []blockchain.TrxOutput{
				{Amount: blockchain.NewAsset(99, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: bob}},
			},
		},
	}
	first.Sign(alicePriv)
	blk, err := db.GenerateNextBlock([]blockchain.SignedTransaction{first})
	if err != nil {
		t.Fatalf("GenerateNextBlock: %v", err)
	}
	mineAndPush(t, db, blk)

	second := blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Inputs: []blockchain.Input{{Output: blockchain.OutputRef{TrxID: coinbaseID, Index: 0}}},
			Outputs: []blockchain.TrxOutput{
				{Amount: blockchain.NewAsset(99, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: carol}},
			},
		},
	}
	second.Sign(alicePriv)
	if _, err := db.EvaluateSignedTransaction(second, false); err == nil {
		t.Fatalf("expected double spend to be rejected")
	}
}

// TestPushPopRoundTrip covers the replay property from spec.md §8 for a
// single block: pushing the genesis block and popping it leaves the
// chain with no head.
func TestPushPopRoundTrip(t *testing.T) {
	db := openTestChain(t)
	_, alice := testKey(t)

	pushGenesis(t, db, alice)
	num, _, ok := db.Head()
	if !ok || num != 0 {
		t.Fatalf("expected head at block 0 after genesis, got %d", num)
	}

	if _, err := db.PopBlock(); err != nil {
		t.Fatalf("PopBlock: %v", err)
	}
	if _, _, ok := db.Head(); ok {
		t.Fatalf("expected no head after popping the only block")
	}
}

// TestRestingOrderVisibleNextBlock covers spec.md §4.4/§4.5's deferred
// order-book visibility: a resting order's own confirming block
// generates its matcher tail against the order book as it stood before
// that order existed, so block N's own transactions never cross
// against each other; the order is indexed immediately once block N is
// pushed, ready for block N+1's matcher run.
func TestRestingOrderVisibleNextBlock(t *testing.T) {
	db := openTestChain(t)
	alicePriv, alice := testKey(t)

	g := pushGenesis(t, db, alice)
	coinbaseID := g.SignedTransactions[0].ID()

	price := blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)
	const toAsk = 50
	const fee = 2000
	const change = GenesisSupply - toAsk - fee

	// Alice places an ask offering 50 BTS for USD.
	ask := blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Inputs: []blockchain.Input{{Output: blockchain.OutputRef{TrxID: coinbaseID, Index: 0}}},
			Outputs: []blockchain.TrxOutput{
				{Amount: blockchain.NewAsset(toAsk, blockchain.BTS), Claim: blockchain.ClaimByBid{PayAddress: alice, Price: price}},
				{Amount: blockchain.NewAsset(change, blockchain.BTS), Claim: blockchain.ClaimBySignature{Owner: alice}},
			},
		},
	}
	ask.Sign(alicePriv)

	blk1, err := db.GenerateNextBlock([]blockchain.SignedTransaction{ask})
	if err != nil {
		t.Fatalf("GenerateNextBlock: %v", err)
	}
	if len(blk1.SignedTransactions) != 1 {
		t.Fatalf("expected no market-transaction tail in the block that confirms the ask, got %d transactions", len(blk1.SignedTransactions))
	}
	mineAndPush(t, db, blk1)

	// indexNewOrders runs right after blk1 commits, so the ask is indexed
	// immediately on push — only its own block's matcher run was blind to it.
	data, err := db.GetMarket(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if len(data.Asks) != 1 {
		t.Fatalf("expected the ask to be indexed as soon as its block is pushed, got %d asks", len(data.Asks))
	}

	blk2, err := db.GenerateNextBlock(nil)
	if err != nil {
		t.Fatalf("GenerateNextBlock: %v", err)
	}
	if len(blk2.SignedTransactions) != 0 {
		t.Fatalf("expected no counterparty to cross against, got %d market transactions", len(blk2.SignedTransactions))
	}
	mineAndPush(t, db, blk2)

	data, err = db.GetMarket(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if len(data.Asks) != 1 {
		t.Fatalf("expected the ask to remain resting with no counterparty, got %d asks", len(data.Asks))
	}
	if data.Asks[0].Amount.Amount != toAsk {
		t.Fatalf("expected the indexed ask to keep its original amount %d, got %d", toAsk, data.Asks[0].Amount.Amount)
	}
}
