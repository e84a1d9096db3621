package matching

import (
	"path/filepath"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/market"
	"github.com/mcdoku/bitshares-core/primitives"
)

func openTestDB(t *testing.T) *market.DB {
	t.Helper()
	db, err := market.Open(filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func testAddr(t *testing.T) primitives.Address {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return primitives.NewAddressFromPublicKey(priv.PubKey())
}

func ref(n byte) blockchain.OutputRef {
	var h primitives.Hash
	h[0] = n
	return blockchain.OutputRef{TrxID: h, Index: 0}
}

// TestMatchAskFullyFillsBothSides: a bid and ask of equal base-equivalent
// volume at the same price leave nothing resting (spec.md §4.4 step 3).
func TestMatchAskFullyFillsBothSides(t *testing.T) {
	db := openTestDB(t)
	e := New(db)

	bidder, asker := testAddr(t), testAddr(t)
	price := blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)

	if err := db.InsertBid(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(1), Amount: blockchain.NewAsset(200, blockchain.USD), Price: price, PayAddress: bidder,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.BTS), Price: price, PayAddress: asker,
	}); err != nil {
		t.Fatal(err)
	}

	trxs, err := e.Run(blockchain.USD, blockchain.BTS, 1, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(trxs) != 1 {
		t.Fatalf("expected 1 market transaction, got %d", len(trxs))
	}
	if len(trxs[0].Outputs) != 2 {
		t.Fatalf("expected exactly 2 outputs (no residuals), got %d", len(trxs[0].Outputs))
	}

	if _, found, _ := db.GetHighestBid(blockchain.USD, blockchain.BTS); found {
		t.Fatalf("expected bid book empty after full fill")
	}
	if _, found, _ := db.GetLowestAsk(blockchain.USD, blockchain.BTS); found {
		t.Fatalf("expected ask book empty after full fill")
	}
}

// TestMatchAskLeavesBidResidual: an oversized bid leaves a resting
// claim_by_bid residual at its original price (spec.md §4.4 step 3).
func TestMatchAskLeavesBidResidual(t *testing.T) {
	db := openTestDB(t)
	e := New(db)

	bidder, asker := testAddr(t), testAddr(t)
	price := blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)

	if err := db.InsertBid(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(1), Amount: blockchain.NewAsset(300, blockchain.USD), Price: price, PayAddress: bidder,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.BTS), Price: price, PayAddress: asker,
	}); err != nil {
		t.Fatal(err)
	}

	if _, err := e.Run(blockchain.USD, blockchain.BTS, 1, 10); err != nil {
		t.Fatalf("Run: %v", err)
	}

	resting, found, err := db.GetHighestBid(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatal(err)
	}
	if !found {
		t.Fatalf("expected a residual bid to remain")
	}
	if resting.Amount.Amount != 200 {
		t.Fatalf("expected residual bid amount 200, got %d", resting.Amount.Amount)
	}
	if cmp, _ := resting.Price.Cmp(price); cmp != 0 {
		t.Fatalf("residual bid should reuse the original price")
	}
}

// TestMatchStopsWhenBidBelowAsk: a non-crossing book produces nothing
// (spec.md §4.4 step 2: "if B.price < A.price: stop").
func TestMatchStopsWhenBidBelowAsk(t *testing.T) {
	db := openTestDB(t)
	e := New(db)
	bidder, asker := testAddr(t), testAddr(t)

	if err := db.InsertBid(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(1), Amount: blockchain.NewAsset(100, blockchain.USD),
		Price: blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS), PayAddress: bidder,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.BTS),
		Price: blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS), PayAddress: asker,
	}); err != nil {
		t.Fatal(err)
	}

	trxs, err := e.Run(blockchain.USD, blockchain.BTS, 1, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(trxs) != 0 {
		t.Fatalf("expected no crossing, got %d transactions", len(trxs))
	}
}

// TestMatchShortCreatesCoverAndMarginCall verifies a bid crossing a
// claim_by_long produces a claim_by_cover output, a spendable BitAsset
// output for the bidder, and a margin call at 3/4 of the short's price
// (spec.md §4.4 step 4).
func TestMatchShortCreatesCoverAndMarginCall(t *testing.T) {
	db := openTestDB(t)
	e := New(db)

	bidder, shorter := testAddr(t), testAddr(t)
	shortPrice := blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)

	if err := db.InsertBid(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(1), Amount: blockchain.NewAsset(200, blockchain.USD), Price: shortPrice, PayAddress: bidder,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertShort(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.BTS), Price: shortPrice, PayAddress: shorter,
	}); err != nil {
		t.Fatal(err)
	}

	trxs, err := e.Run(blockchain.USD, blockchain.BTS, 1, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(trxs) != 1 {
		t.Fatalf("expected 1 market transaction, got %d", len(trxs))
	}

	cover, ok := trxs[0].Outputs[0].Claim.(blockchain.ClaimByCover)
	if !ok {
		t.Fatalf("expected first output to be claim_by_cover, got %T", trxs[0].Outputs[0].Claim)
	}
	if trxs[0].Outputs[0].Amount.Amount != 200 {
		t.Fatalf("expected 2x collateral of 200 BTS, got %d", trxs[0].Outputs[0].Amount.Amount)
	}

	wantCallPrice := shortPrice.MulRat(3, 4)
	if cmp, _ := cover.CallPrice.Cmp(wantCallPrice); cmp != 0 {
		t.Fatalf("expected call price 3/4 of short price")
	}

	calls, err := db.GetCalls(blockchain.USD, blockchain.BTS, wantCallPrice)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 registered margin call, got %d", len(calls))
	}
}

// TestMatchPrefersAskOverShortAtBetterPrice checks that when both an ask
// and a short can cross a bid, the cheaper counterparty is matched
// first.
func TestMatchPrefersAskOverShortAtBetterPrice(t *testing.T) {
	db := openTestDB(t)
	e := New(db)

	bidder, asker, shorter := testAddr(t), testAddr(t), testAddr(t)
	bidPrice := blockchain.NewPriceFromRatio(3, 1, blockchain.USD, blockchain.BTS)
	askPrice := blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)
	shortPrice := blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)

	if err := db.InsertBid(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(1), Amount: blockchain.NewAsset(300, blockchain.USD), Price: bidPrice, PayAddress: bidder,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.BTS), Price: askPrice, PayAddress: asker,
	}); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertShort(blockchain.USD, blockchain.BTS, market.Order{
		Output: ref(3), Amount: blockchain.NewAsset(100, blockchain.BTS), Price: shortPrice, PayAddress: shorter,
	}); err != nil {
		t.Fatal(err)
	}

	trxs, err := e.Run(blockchain.USD, blockchain.BTS, 1, 10)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(trxs) == 0 {
		t.Fatalf("expected at least one crossing")
	}
	if _, isCover := trxs[0].Outputs[0].Claim.(blockchain.ClaimByCover); isCover {
		t.Fatalf("expected the cheaper ask to match before the short")
	}
}
