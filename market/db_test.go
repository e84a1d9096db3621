package market

import (
	"path/filepath"
	"testing"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "market.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func ref(n byte) blockchain.OutputRef {
	var h primitives.Hash
	h[0] = n
	return blockchain.OutputRef{TrxID: h, Index: 0}
}

func TestBidDepthOrderedHighestFirst(t *testing.T) {
	db := openTestDB(t)
	low := Order{Output: ref(1), Amount: blockchain.NewAsset(100, blockchain.USD), Price: blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)}
	high := Order{Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.USD), Price: blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)}
	if err := db.InsertBid(blockchain.USD, blockchain.BTS, low); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertBid(blockchain.USD, blockchain.BTS, high); err != nil {
		t.Fatal(err)
	}
	depth, err := db.BidDepth(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatal(err)
	}
	if len(depth) != 2 {
		t.Fatalf("expected 2 bids, got %d", len(depth))
	}
	if cmp, _ := depth[0].Price.Cmp(high.Price); cmp != 0 {
		t.Fatalf("expected highest bid first")
	}
}

func TestAskDepthOrderedLowestFirst(t *testing.T) {
	db := openTestDB(t)
	low := Order{Output: ref(1), Amount: blockchain.NewAsset(100, blockchain.USD), Price: blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)}
	high := Order{Output: ref(2), Amount: blockchain.NewAsset(100, blockchain.USD), Price: blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, high); err != nil {
		t.Fatal(err)
	}
	if err := db.InsertAsk(blockchain.USD, blockchain.BTS, low); err != nil {
		t.Fatal(err)
	}
	best, found, err := db.GetLowestAsk(blockchain.USD, blockchain.BTS)
	if err != nil || !found {
		t.Fatalf("GetLowestAsk: found=%v err=%v", found, err)
	}
	if cmp, _ := best.Price.Cmp(low.Price); cmp != 0 {
		t.Fatalf("expected lowest ask first")
	}
}

func TestRemoveBid(t *testing.T) {
	db := openTestDB(t)
	o := Order{Output: ref(1), Amount: blockchain.NewAsset(100, blockchain.USD), Price: blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)}
	if err := db.InsertBid(blockchain.USD, blockchain.BTS, o); err != nil {
		t.Fatal(err)
	}
	if err := db.RemoveBid(blockchain.USD, blockchain.BTS, o.Price, o.Output); err != nil {
		t.Fatal(err)
	}
	_, found, err := db.GetHighestBid(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatal(err)
	}
	if found {
		t.Fatalf("expected no bids after removal")
	}
}

func TestMarginCallSweepThreshold(t *testing.T) {
	db := openTestDB(t)
	call := MarginCall{
		Output:     ref(1),
		Collateral: blockchain.NewAsset(200, blockchain.BTS),
		Payoff:     blockchain.NewAsset(100, blockchain.USD),
		CallPrice:  blockchain.NewPriceFromRatio(3, 2, blockchain.USD, blockchain.BTS),
	}
	if err := db.InsertMarginCall(blockchain.USD, blockchain.BTS, call); err != nil {
		t.Fatal(err)
	}

	below := blockchain.NewPriceFromRatio(1, 1, blockchain.USD, blockchain.BTS)
	calls, err := db.GetCalls(blockchain.USD, blockchain.BTS, below)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Fatalf("should not call above-market shorts, got %d", len(calls))
	}

	atOrBelow := blockchain.NewPriceFromRatio(3, 2, blockchain.USD, blockchain.BTS)
	calls, err = db.GetCalls(blockchain.USD, blockchain.BTS, atOrBelow)
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected 1 call due, got %d", len(calls))
	}
}

func TestPricePointHistoryMerge(t *testing.T) {
	db := openTestDB(t)
	p1 := blockchain.NewPriceFromRatio(2, 1, blockchain.USD, blockchain.BTS)
	p2 := blockchain.NewPriceFromRatio(3, 1, blockchain.USD, blockchain.BTS)
	if err := db.RecordTrade(blockchain.USD, blockchain.BTS, 5, 10, p1, blockchain.NewAsset(10, blockchain.USD)); err != nil {
		t.Fatal(err)
	}
	if err := db.RecordTrade(blockchain.USD, blockchain.BTS, 7, 10, p2, blockchain.NewAsset(20, blockchain.USD)); err != nil {
		t.Fatal(err)
	}
	history, err := db.History(blockchain.USD, blockchain.BTS)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 {
		t.Fatalf("expected both trades to fall in one bucket, got %d points", len(history))
	}
	point := history[0]
	if point.Volume.Amount != 30 {
		t.Fatalf("expected merged volume 30, got %d", point.Volume.Amount)
	}
	if cmp, _ := point.High.Cmp(p2); cmp != 0 {
		t.Fatalf("expected high to track p2")
	}
	if cmp, _ := point.Open.Cmp(p1); cmp != 0 {
		t.Fatalf("expected open to track first trade")
	}
}
