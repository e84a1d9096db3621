package chain

import (
	"bytes"
	"time"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/log"
	"github.com/mcdoku/bitshares-core/market"
	"github.com/mcdoku/bitshares-core/primitives"
)

// isMarketTrx reports whether strx is a matcher-produced synthetic
// transaction. Market transactions spend inputs but carry no
// signatures — the engine's authority to consume
// claim_by_bid/claim_by_long/claim_by_cover outputs substitutes for a
// spending signature — while every ordinary transaction that spends an
// input carries at least one (spec.md §4.2's is_market flag). A
// coinbase-style transaction with no inputs needs no signature either,
// so the zero-inputs case must not be mistaken for a market
// transaction.
func isMarketTrx(strx blockchain.SignedTransaction) bool {
	return len(strx.Inputs) > 0 && len(strx.Signatures) == 0
}

// fenceOf returns the index of the first matcher-produced transaction
// in trxs, or len(trxs) if there is none.
func fenceOf(trxs []blockchain.SignedTransaction) int {
	for i, strx := range trxs {
		if isMarketTrx(strx) {
			return i
		}
	}
	return len(trxs)
}

// PushBlock validates and applies b (spec.md §4.5). On any returned
// error, b's prior on-disk state is left untouched: non-market
// transactions are only validated (never applied) before the matcher
// comparison, and the UTXO store commit happens in a single atomic
// bolt transaction.
func (db *DB) PushBlock(b blockchain.TrxBlock) error {
	headNum, headID, haveHead := db.utxo.ChainHead()
	if haveHead {
		if b.Prev != headID {
			return fail(KindConsensus, ErrBadPrev)
		}
		if b.BlockNum != headNum+1 {
			return fail(KindConsensus, ErrBadBlockNum)
		}
	} else if b.BlockNum != 0 {
		return fail(KindConsensus, ErrBadBlockNum)
	}

	if !b.ValidateWork() {
		return fail(KindConsensus, ErrBadProofOfWork)
	}
	if blockchain.ComputeMerkleRoot(b.SignedTransactions) != b.TrxMerkleRoot {
		return fail(KindConsensus, ErrBadMerkleRoot)
	}

	validationHead := uint32(0)
	prevFeeRate := int64(GenesisFeeRate)
	prevDifficulty := uint64(GenesisDifficulty)
	prevTotalShares := int64(GenesisSupply)
	var prevAvailCDays int64
	if haveHead {
		validationHead = headNum
		if hb, err := db.utxo.FetchBlock(headNum); err == nil {
			prevFeeRate = hb.FeeRate
			prevDifficulty = hb.GetDifficulty()
			prevAvailCDays = hb.TotalCDD
			prevTotalShares = hb.TotalShares
		}
	}
	fence := fenceOf(b.SignedTransactions)

	var totalFees, totalCDD, totalInvalidCDD int64
	for i := 0; i < fence; i++ {
		trx := b.SignedTransactions[i]
		// A transaction with no inputs needs no fee or signature; the
		// only legitimate one is a coinbase-style issuance such as the
		// genesis block's award output.
		ignoreFees := len(trx.Inputs) == 0
		eval, err := db.evaluate(trx, ignoreFees, false, validationHead, b.FeeRate)
		if err != nil {
			return err
		}
		// An input-less transaction (coinbase-style issuance, e.g. the
		// genesis award) mints shares rather than burning a fee; its
		// negative balance must not be counted against total_shares.
		if !ignoreFees {
			totalFees += eval.Fees
		}
		totalCDD += eval.CoinDaysDestroyed
		totalInvalidCDD += eval.InvalidCoinDaysDestroyed
	}

	if b.TotalCDD != prevAvailCDays+totalCDD {
		return fail(KindConsensus, ErrBadTotalCDD)
	}
	if b.TotalShares != prevTotalShares-totalFees {
		return fail(KindConsensus, ErrBadTotalShares)
	}
	if required := blockchain.GetRequiredDifficulty(prevDifficulty, prevAvailCDays, totalCDD); b.GetDifficulty() < required {
		return fail(KindConsensus, ErrInsufficientWork)
	}
	if want := blockchain.CalculateNextFee(prevFeeRate, b.BlockSize()); b.FeeRate != want {
		return fail(KindConsensus, ErrBadFeeRate)
	}

	skipRematch := db.haveMatched && db.matchedThrough == b.BlockNum
	if skipRematch {
		db.haveMatched = false
	} else {
		var produced []blockchain.SignedTransaction
		for _, pair := range db.pairs {
			trxs, err := db.matcher.Run(pair.Quote, pair.Base, b.BlockNum, db.blocksPerPoint)
			if err != nil {
				return fail(KindStorage, err)
			}
			produced = append(produced, trxs...)
		}
		if err := compareMarketTrxs(produced, b.SignedTransactions[fence:]); err != nil {
			return fail(KindConsensus, err)
		}
	}

	if err := db.utxo.StoreBlock(b.BlockNum, b); err != nil {
		return fail(KindStorage, err)
	}

	if err := db.indexNewOrders(b, fence); err != nil {
		return fail(KindStorage, err)
	}

	log.Chain.Debug().
		Uint32("block_num", b.BlockNum).
		Int64("fees", totalFees).
		Int64("coindays_destroyed", totalCDD).
		Int64("invalid_coindays_destroyed", totalInvalidCDD).
		Msg("pushed block")
	return nil
}

func compareMarketTrxs(produced, want []blockchain.SignedTransaction) error {
	if len(produced) != len(want) {
		return ErrMatcherMismatch
	}
	for i := range produced {
		got, _ := produced[i].MarshalBinary()
		exp, _ := want[i].MarshalBinary()
		if !bytes.Equal(got, exp) {
			return ErrMatcherMismatch
		}
	}
	return nil
}

// indexNewOrders scans the non-market transactions just committed for
// still-unspent claim_by_bid/claim_by_long outputs and inserts them
// into the order book. An order only becomes visible to the matcher
// starting the following block — the same "only confirmed orders can
// cross" rule that keeps PushBlock's matcher comparison independent of
// the very transactions it is validating.
func (db *DB) indexNewOrders(b blockchain.TrxBlock, fence int) error {
	for i := 0; i < fence; i++ {
		strx := b.SignedTransactions[i]
		trxID := strx.ID()
		for idx, out := range strx.Outputs {
			ref := blockchain.OutputRef{TrxID: trxID, Index: uint16(idx)}
			if _, spent, err := db.utxo.IsSpent(ref); err != nil {
				return err
			} else if spent {
				continue
			}
			if err := db.insertBookOutput(ref, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// insertBookOutput inserts out (if it is a resting-order claim) into
// the order book it belongs to. Whether a claim_by_bid output is a bid
// or an ask is derived from the asset it escrows relative to its own
// price: quote-asset escrow is a bid, base-asset escrow is an ask.
func (db *DB) insertBookOutput(ref blockchain.OutputRef, out blockchain.TrxOutput) error {
	switch c := out.Claim.(type) {
	case blockchain.ClaimByBid:
		order := market.Order{Output: ref, Amount: out.Amount, Price: c.Price, PayAddress: c.PayAddress}
		if out.Amount.Type == c.Price.Quote {
			return db.market.InsertBid(c.Price.Quote, c.Price.Base, order)
		}
		if out.Amount.Type == c.Price.Base {
			return db.market.InsertAsk(c.Price.Quote, c.Price.Base, order)
		}
	case blockchain.ClaimByLong:
		order := market.Order{Output: ref, Amount: out.Amount, Price: c.Price, PayAddress: c.PayAddress}
		return db.market.InsertShort(c.Price.Quote, c.Price.Base, order)
	}
	return nil
}

// removeBookOutput undoes insertBookOutput, used by PopBlock.
func (db *DB) removeBookOutput(ref blockchain.OutputRef, out blockchain.TrxOutput) error {
	switch c := out.Claim.(type) {
	case blockchain.ClaimByBid:
		if out.Amount.Type == c.Price.Quote {
			return db.market.RemoveBid(c.Price.Quote, c.Price.Base, c.Price, ref)
		}
		if out.Amount.Type == c.Price.Base {
			return db.market.RemoveAsk(c.Price.Quote, c.Price.Base, c.Price, ref)
		}
	case blockchain.ClaimByLong:
		return db.market.RemoveShort(c.Price.Quote, c.Price.Base, c.Price, ref)
	}
	return nil
}

// PopBlock removes the current head block, reversing both the UTXO
// store commit and every order-book effect pushing it produced (spec.md
// §4.5 pop_block).
func (db *DB) PopBlock() (blockchain.TrxBlock, error) {
	num, _, ok := db.utxo.ChainHead()
	if !ok {
		return blockchain.TrxBlock{}, fail(KindConsensus, ErrNoHead)
	}

	blk, err := db.utxo.FetchBlock(num)
	if err != nil {
		return blockchain.TrxBlock{}, fail(KindStorage, err)
	}
	fence := fenceOf(blk.SignedTransactions)

	// Unindex resting orders the popped block's non-market transactions
	// created, before the pop makes their underlying outputs
	// unspendable-lookup targets again.
	for i := 0; i < fence; i++ {
		strx := blk.SignedTransactions[i]
		trxID := strx.ID()
		for idx, out := range strx.Outputs {
			ref := blockchain.OutputRef{TrxID: trxID, Index: uint16(idx)}
			if _, spent, err := db.utxo.IsSpent(ref); err == nil && !spent {
				_ = db.removeBookOutput(ref, out)
			}
		}
	}

	if err := db.reverseMarketTrxs(blk.SignedTransactions[fence:]); err != nil {
		return blockchain.TrxBlock{}, fail(KindStorage, err)
	}

	if _, err := db.utxo.PopBlock(num); err != nil {
		return blockchain.TrxBlock{}, fail(KindStorage, err)
	}

	log.Chain.Debug().Uint32("block_num", num).Msg("popped block")
	return blk, nil
}

// reverseMarketTrxs undoes every matcher-produced transaction in trxs,
// in reverse order, re-resting the bid and counter-order each one
// consumed and removing whatever residual orders or margin call it
// created — the mirror image of matching.Engine's matchAsk/matchShort.
func (db *DB) reverseMarketTrxs(trxs []blockchain.SignedTransaction) error {
	for i := len(trxs) - 1; i >= 0; i-- {
		if err := db.reverseMarketTrx(trxs[i]); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) reverseMarketTrx(trx blockchain.SignedTransaction) error {
	if len(trx.Inputs) != 2 {
		return nil
	}
	bidRef, counterRef := trx.Inputs[0].Output, trx.Inputs[1].Output

	bidMeta, err := db.utxo.FetchTrx(bidRef.TrxID)
	if err != nil {
		return err
	}
	bidOut := bidMeta.Outputs[bidRef.Index].Output
	bidClaim, ok := bidOut.Claim.(blockchain.ClaimByBid)
	if !ok {
		return nil
	}
	if err := db.market.InsertBid(bidClaim.Price.Quote, bidClaim.Price.Base, market.Order{
		Output: bidRef, Amount: bidOut.Amount, Price: bidClaim.Price, PayAddress: bidClaim.PayAddress,
	}); err != nil {
		return err
	}

	counterMeta, err := db.utxo.FetchTrx(counterRef.TrxID)
	if err != nil {
		return err
	}
	counterOut := counterMeta.Outputs[counterRef.Index].Output
	switch c := counterOut.Claim.(type) {
	case blockchain.ClaimByBid:
		if err := db.market.InsertAsk(c.Price.Quote, c.Price.Base, market.Order{
			Output: counterRef, Amount: counterOut.Amount, Price: c.Price, PayAddress: c.PayAddress,
		}); err != nil {
			return err
		}
	case blockchain.ClaimByLong:
		if err := db.market.InsertShort(c.Price.Quote, c.Price.Base, market.Order{
			Output: counterRef, Amount: counterOut.Amount, Price: c.Price, PayAddress: c.PayAddress,
		}); err != nil {
			return err
		}
	case blockchain.ClaimByCover:
		// The counterparty was a margin-call sweep: the matcher turned a
		// registered call into a synthetic ask at its call price
		// (matching.Engine.sweepCalls). Reversing restores the call
		// itself rather than a resting ask.
		if err := db.market.InsertMarginCall(bidClaim.Price.Quote, bidClaim.Price.Base, market.MarginCall{
			Output: counterRef, PayAddress: c.Owner, Collateral: counterOut.Amount, Payoff: c.Payoff, CallPrice: c.CallPrice,
		}); err != nil {
			return err
		}
	}

	// Remove whatever this transaction created: a margin call (short
	// trades) and/or bid/ask/short residuals.
	trxID := trx.ID()
	if cover, ok := trx.Outputs[0].Claim.(blockchain.ClaimByCover); ok {
		if err := db.market.RemoveMarginCall(bidClaim.Price.Quote, bidClaim.Price.Base, cover.CallPrice, blockchain.OutputRef{TrxID: trxID, Index: 0}); err != nil {
			return err
		}
	}
	for idx := 2; idx < len(trx.Outputs); idx++ {
		ref := blockchain.OutputRef{TrxID: trxID, Index: uint16(idx)}
		if err := db.removeBookOutput(ref, trx.Outputs[idx]); err != nil {
			return err
		}
	}
	return nil
}

// GenerateNextBlock assembles a mineable candidate block from pending
// (already fee-evaluated) user transactions plus a fresh matcher run
// (spec.md §6 generate_next_block). The header's NonceA/NonceB and
// Timestamp are left for the caller's momentum search to fill in before
// pushing; GenerateNextBlock fixes Timestamp to the current time as a
// starting point.
func (db *DB) GenerateNextBlock(pending []blockchain.SignedTransaction) (blockchain.TrxBlock, error) {
	headNum, headID, haveHead := db.utxo.ChainHead()
	nextNum := uint32(0)
	prev := primitives.ZeroHash
	prevFeeRate := int64(GenesisFeeRate)
	prevTotalShares := int64(GenesisSupply)
	var prevAvailCDays, totalCDD, totalFees int64

	if haveHead {
		nextNum = headNum + 1
		prev = headID
		if hb, err := db.utxo.FetchBlock(headNum); err == nil {
			prevFeeRate = hb.FeeRate
			prevAvailCDays = hb.TotalCDD
			prevTotalShares = hb.TotalShares
		}
	}

	trxs := append([]blockchain.SignedTransaction{}, pending...)
	for i := range trxs {
		ignoreFees := len(trxs[i].Inputs) == 0
		eval, err := db.evaluate(trxs[i], ignoreFees, false, headNum, prevFeeRate)
		if err != nil {
			return blockchain.TrxBlock{}, err
		}
		totalCDD += eval.CoinDaysDestroyed
		if !ignoreFees {
			totalFees += eval.Fees
		}
	}

	for _, pair := range db.pairs {
		produced, err := db.matcher.Run(pair.Quote, pair.Base, nextNum, db.blocksPerPoint)
		if err != nil {
			return blockchain.TrxBlock{}, fail(KindStorage, err)
		}
		trxs = append(trxs, produced...)
	}
	db.matchedThrough = nextNum
	db.haveMatched = true

	header := blockchain.BlockHeader{
		Prev:          prev,
		BlockNum:      nextNum,
		Timestamp:     uint32(time.Now().Unix()),
		TrxMerkleRoot: blockchain.ComputeMerkleRoot(trxs),
		TotalShares:   prevTotalShares - totalFees,
		TotalCDD:      prevAvailCDays + totalCDD,
	}
	blk := blockchain.TrxBlock{BlockHeader: header, SignedTransactions: trxs}
	blk.FeeRate = blockchain.CalculateNextFee(prevFeeRate, blk.BlockSize())
	// FeeRate packs as a fixed-width int64 (see writeInt64), so this second
	// pass always agrees with the first; re-deriving against the final
	// header keeps that true even if the encoding ever changes shape.
	blk.FeeRate = blockchain.CalculateNextFee(prevFeeRate, blk.BlockSize())
	return blk, nil
}
