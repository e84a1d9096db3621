// Package matching implements the continuous double-auction engine
// spec.md §4.4 runs once per block, after user transactions and before
// block finalisation: pairing the best resting bid against the best
// resting ask or short offer under strict price-time priority, minting
// the synthetic claim_by_cover/margin-call state a short produces, and
// sweeping covers whose call price the market has crossed.
//
// The engine never signs or authorises a spend itself; it only
// produces SignedTransaction values with no signatures, the way
// daglabs-btcd/mining.go's block template assembler produces
// transactions a miner then wraps into a block without being a wallet.
// The chain package is responsible for checking that a pushed block's
// trailing transactions equal exactly what a fresh run of this engine
// would produce (spec.md §4.5 step 3).
package matching

import (
	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/market"
)

// collateralRatioNum/Den is the 2x over-collateralisation a short position
// must post against the BitAsset it mints (spec.md §4.4).
const collateralRatioNum, collateralRatioDen = 2, 1

// callPriceRatioNum/Den is the 3/4 liquidation trigger a short's
// call price is set at relative to its offer price (spec.md §4.4).
const callPriceRatioNum, callPriceRatioDen = 3, 4

// Engine runs the matcher against one market.DB.
type Engine struct {
	db *market.DB
}

// New builds an Engine over db.
func New(db *market.DB) *Engine {
	return &Engine{db: db}
}

// Result is one crossing the engine resolved: the market transaction it
// produced plus the trade price/volume recorded into price-point
// history.
type Result struct {
	Trx    blockchain.SignedTransaction
	Price  blockchain.Price
	Volume blockchain.Asset // in base-asset units
}

// Run drives the matcher for one (quote, base) pair until no crossing
// remains (spec.md §4.4 steps 1-5), then sweeps any margin calls the
// resulting best price has triggered, then folds every trade into the
// pair's price_point history bucketed by blocksPerPoint. It returns the
// ordered sequence of synthetic market transactions produced, the exact
// sequence a pushed block's trailing transactions must equal.
func (e *Engine) Run(quote, base blockchain.AssetType, blockNum, blocksPerPoint uint32) ([]blockchain.SignedTransaction, error) {
	var trxs []blockchain.SignedTransaction

	for {
		results, more, err := e.matchOnce(quote, base)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			trxs = append(trxs, res.Trx)
			if err := e.db.RecordTrade(quote, base, blockNum, blocksPerPoint, res.Price, res.Volume); err != nil {
				return nil, err
			}
		}
		if !more {
			break
		}
	}

	swept, err := e.sweepCalls(quote, base, blockNum, blocksPerPoint)
	if err != nil {
		return nil, err
	}
	trxs = append(trxs, swept...)

	return trxs, nil
}

// matchOnce resolves at most one crossing (ask-side or short-side) and
// reports whether the book may still be crossing afterward.
func (e *Engine) matchOnce(quote, base blockchain.AssetType) ([]Result, bool, error) {
	bid, haveBid, err := e.db.GetHighestBid(quote, base)
	if err != nil {
		return nil, false, err
	}
	if !haveBid {
		return nil, false, nil
	}

	ask, haveAsk, err := e.db.GetLowestAsk(quote, base)
	if err != nil {
		return nil, false, err
	}
	short, haveShort, err := e.db.GetLowestShort(quote, base)
	if err != nil {
		return nil, false, err
	}
	if !haveAsk && !haveShort {
		return nil, false, nil
	}

	// Pick whichever counterparty crosses at the better (lower) price;
	// ties broken by earliest output_ref (spec.md §4.4: "time priority
	// encoded in block-num ordering", approximated here by output_ref
	// byte order since output refs are assigned in block order).
	useAsk := haveAsk && (!haveShort || lessOrderPriority(ask, short))

	if useAsk {
		if bid.Price.Less(ask.Price) {
			return nil, false, nil
		}
		res, err := e.matchAsk(quote, base, bid, ask)
		if err != nil {
			return nil, false, err
		}
		return []Result{res}, true, nil
	}

	if bid.Price.Less(short.Price) {
		return nil, false, nil
	}
	res, err := e.matchShort(quote, base, bid, short)
	if err != nil {
		return nil, false, err
	}
	return []Result{res}, true, nil
}

// lessOrderPriority breaks a tie between an ask and a short resting at
// the same price in favour of whichever output_ref sorts first.
func lessOrderPriority(a, b market.Order) bool {
	if cmp, err := a.Price.Cmp(b.Price); err == nil && cmp != 0 {
		return cmp < 0
	}
	return outputRefLess(a.Output, b.Output)
}

func outputRefLess(a, b blockchain.OutputRef) bool {
	for i := range a.TrxID {
		if a.TrxID[i] != b.TrxID[i] {
			return a.TrxID[i] < b.TrxID[i]
		}
	}
	return a.Index < b.Index
}

// matchAsk resolves a bid/ask crossing (spec.md §4.4 step 3). The bid's
// amount is quote-asset escrow; the ask's amount is base-asset escrow.
// trade_volume is computed in base-asset units so the two sides compare
// on common ground: the bid's quote escrow is converted to its
// base-asset equivalent at the ask price (maker priority) before taking
// the minimum.
func (e *Engine) matchAsk(quote, base blockchain.AssetType, bid, ask market.Order) (Result, error) {
	bidBaseEquiv := ask.Price.BaseForQuote(bid.Amount.Amount)
	volume := ask.Amount.Amount
	if bidBaseEquiv < volume {
		volume = bidBaseEquiv
	}

	quotePaid := ask.Price.QuoteForBase(volume)
	basePaid := volume

	outs := []blockchain.TrxOutput{
		{Amount: blockchain.NewAsset(quotePaid, quote), Claim: blockchain.ClaimBySignature{Owner: ask.PayAddress}},
		{Amount: blockchain.NewAsset(basePaid, base), Claim: blockchain.ClaimBySignature{Owner: bid.PayAddress}},
	}

	bidRemaining := bid.Amount.Amount - quotePaid
	if bidRemaining > 0 {
		outs = append(outs, blockchain.TrxOutput{
			Amount: blockchain.NewAsset(bidRemaining, quote),
			Claim:  blockchain.ClaimByBid{PayAddress: bid.PayAddress, Price: bid.Price},
		})
	}
	askRemaining := ask.Amount.Amount - basePaid
	if askRemaining > 0 {
		outs = append(outs, blockchain.TrxOutput{
			Amount: blockchain.NewAsset(askRemaining, base),
			Claim:  blockchain.ClaimByBid{PayAddress: ask.PayAddress, Price: ask.Price},
		})
	}

	trx := buildMarketTrx(bid.Output, ask.Output, outs)

	if err := e.db.RemoveBid(quote, base, bid.Price, bid.Output); err != nil {
		return Result{}, err
	}
	if err := e.db.RemoveAsk(quote, base, ask.Price, ask.Output); err != nil {
		return Result{}, err
	}
	if bidRemaining > 0 {
		if err := e.db.InsertBid(quote, base, market.Order{
			Output: blockchain.OutputRef{TrxID: trx.ID(), Index: 2},
			Amount: blockchain.NewAsset(bidRemaining, quote), Price: bid.Price, PayAddress: bid.PayAddress,
		}); err != nil {
			return Result{}, err
		}
	}
	if askRemaining > 0 {
		if err := e.db.InsertAsk(quote, base, market.Order{
			Output: blockchain.OutputRef{TrxID: trx.ID(), Index: uint16(len(outs) - 1)},
			Amount: blockchain.NewAsset(askRemaining, base), Price: ask.Price, PayAddress: ask.PayAddress,
		}); err != nil {
			return Result{}, err
		}
	}

	return Result{Trx: trx, Price: ask.Price, Volume: blockchain.NewAsset(volume, base)}, nil
}

// matchShort resolves a bid crossing a short-sell offer (spec.md §4.4
// step 4): the short mints a new BitAsset at 2x BTS collateral, paying
// the bidder the minted asset and registering a claim_by_cover output
// for the short seller with a margin call at 3/4 of the short's price.
func (e *Engine) matchShort(quote, base blockchain.AssetType, bid, short market.Order) (Result, error) {
	bidBaseEquiv := short.Price.BaseForQuote(bid.Amount.Amount)
	volume := short.Amount.Amount
	if bidBaseEquiv < volume {
		volume = bidBaseEquiv
	}

	quoteMinted := short.Price.QuoteForBase(volume)
	collateral := volume * collateralRatioNum / collateralRatioDen
	callPrice := short.Price.MulRat(callPriceRatioNum, callPriceRatioDen)

	coverOut := blockchain.TrxOutput{
		Amount: blockchain.NewAsset(collateral, base),
		Claim: blockchain.ClaimByCover{
			Owner:     short.PayAddress,
			Payoff:    blockchain.NewAsset(quoteMinted, quote),
			CallPrice: callPrice,
		},
	}
	mintedOut := blockchain.TrxOutput{
		Amount: blockchain.NewAsset(quoteMinted, quote),
		Claim:  blockchain.ClaimBySignature{Owner: bid.PayAddress},
	}
	outs := []blockchain.TrxOutput{coverOut, mintedOut}

	bidRemaining := bid.Amount.Amount - quoteMinted
	if bidRemaining > 0 {
		outs = append(outs, blockchain.TrxOutput{
			Amount: blockchain.NewAsset(bidRemaining, quote),
			Claim:  blockchain.ClaimByBid{PayAddress: bid.PayAddress, Price: bid.Price},
		})
	}
	shortRemaining := short.Amount.Amount - volume
	if shortRemaining > 0 {
		outs = append(outs, blockchain.TrxOutput{
			Amount: blockchain.NewAsset(shortRemaining, base),
			Claim:  blockchain.ClaimByLong{PayAddress: short.PayAddress, Price: short.Price},
		})
	}

	trx := buildMarketTrx(bid.Output, short.Output, outs)

	if err := e.db.RemoveBid(quote, base, bid.Price, bid.Output); err != nil {
		return Result{}, err
	}
	if err := e.db.RemoveShort(quote, base, short.Price, short.Output); err != nil {
		return Result{}, err
	}

	coverRef := blockchain.OutputRef{TrxID: trx.ID(), Index: 0}
	if err := e.db.InsertMarginCall(quote, base, market.MarginCall{
		Output:     coverRef,
		PayAddress: short.PayAddress,
		Collateral: blockchain.NewAsset(collateral, base),
		Payoff:     blockchain.NewAsset(quoteMinted, quote),
		CallPrice:  callPrice,
	}); err != nil {
		return Result{}, err
	}

	if bidRemaining > 0 {
		if err := e.db.InsertBid(quote, base, market.Order{
			Output: blockchain.OutputRef{TrxID: trx.ID(), Index: 2},
			Amount: blockchain.NewAsset(bidRemaining, quote), Price: bid.Price, PayAddress: bid.PayAddress,
		}); err != nil {
			return Result{}, err
		}
	}
	if shortRemaining > 0 {
		if err := e.db.InsertShort(quote, base, market.Order{
			Output: blockchain.OutputRef{TrxID: trx.ID(), Index: uint16(len(outs) - 1)},
			Amount: blockchain.NewAsset(shortRemaining, base), Price: short.Price, PayAddress: short.PayAddress,
		}); err != nil {
			return Result{}, err
		}
	}

	return Result{Trx: trx, Price: short.Price, Volume: blockchain.NewAsset(volume, base)}, nil
}

// sweepCalls force-liquidates every margin call whose call price the
// current best ask has crossed (spec.md §4.4: "if the head price moves
// against an outstanding cover such that current_ask <= call_price"),
// putting the cover's collateral into the book as an ask at its call
// price so the next matchOnce pass carries it through the ordinary
// crossing algorithm.
func (e *Engine) sweepCalls(quote, base blockchain.AssetType, blockNum, blocksPerPoint uint32) ([]blockchain.SignedTransaction, error) {
	ask, haveAsk, err := e.db.GetLowestAsk(quote, base)
	if err != nil || !haveAsk {
		return nil, err
	}
	calls, err := e.db.GetCalls(quote, base, ask.Price)
	if err != nil {
		return nil, err
	}

	var trxs []blockchain.SignedTransaction
	for _, call := range calls {
		if err := e.db.RemoveMarginCall(quote, base, call.CallPrice, call.Output); err != nil {
			return nil, err
		}
		// The liquidated cover's collateral re-enters the book as an ask
		// at the call price: it is, by construction, at or above what
		// the market will currently pay for it.
		if err := e.db.InsertAsk(quote, base, market.Order{
			Output: call.Output, Amount: call.Collateral, Price: call.CallPrice, PayAddress: call.PayAddress,
		}); err != nil {
			return nil, err
		}
	}

	for range calls {
		results, more, err := e.matchOnce(quote, base)
		if err != nil {
			return nil, err
		}
		for _, res := range results {
			trxs = append(trxs, res.Trx)
			if err := e.db.RecordTrade(quote, base, blockNum, blocksPerPoint, res.Price, res.Volume); err != nil {
				return nil, err
			}
		}
		if !more {
			break
		}
	}
	return trxs, nil
}

// buildMarketTrx assembles an unsigned market transaction consuming two
// resting orders' outputs. Market transactions carry no signatures: the
// matcher's own authority to consume claim_by_bid/claim_by_long/
// claim_by_cover outputs substitutes for the signature check that
// governs claim_by_signature spends (spec.md §4.2 step 3 applies only
// to ordinary transactions).
func buildMarketTrx(a, b blockchain.OutputRef, outs []blockchain.TrxOutput) blockchain.SignedTransaction {
	return blockchain.SignedTransaction{
		Transaction: blockchain.Transaction{
			Inputs:  []blockchain.Input{{Output: a}, {Output: b}},
			Outputs: outs,
		},
	}
}

