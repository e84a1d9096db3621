package chain

import (
	"github.com/pkg/errors"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

// TrxEval is the full result of evaluating one signed transaction
// (spec.md §4.2): all four fields of the original trx_eval are
// preserved rather than collapsed to just fees (SPEC_FULL.md §3).
type TrxEval struct {
	Fees                     int64
	CoinDaysDestroyed        int64
	InvalidCoinDaysDestroyed int64
	TotalSpent               int64
}

// evaluate implements spec.md §4.2's 8-step algorithm against the
// current UTXO store. headNum and headFeeRate are the chain state the
// validity window, coin-day accounting, and fee floor are checked
// against. isMarket bypasses the signature requirement for
// claim_by_bid/claim_by_long/claim_by_cover inputs: the matching
// engine's own authority to consume resting-order outputs substitutes
// for a spending signature on its synthetic transactions.
func (db *DB) evaluate(trx blockchain.SignedTransaction, ignoreFees, isMarket bool, headNum uint32, headFeeRate int64) (TrxEval, error) {
	if trx.ValidBlocks != 0 {
		if headNum < trx.ValidAfter || headNum >= trx.ValidAfter+trx.ValidBlocks {
			return TrxEval{}, fail(KindValidation, ErrOutsideValidityWindow)
		}
	}

	signedAddrs, err := trx.GetSignedAddresses()
	if err != nil {
		return TrxEval{}, fail(KindValidation, errors.Wrap(err, "recover signed addresses"))
	}
	signedPTS, err := trx.GetSignedPTSAddresses()
	if err != nil {
		return TrxEval{}, fail(KindValidation, errors.Wrap(err, "recover signed pts addresses"))
	}

	balances := map[blockchain.AssetType]int64{}
	var validCDD, invalidCDD, totalSpent int64

	for _, in := range trx.Inputs {
		meta, err := db.utxo.FetchTrx(in.Output.TrxID)
		if err != nil {
			return TrxEval{}, fail(KindValidation, ErrInputNotFound)
		}
		if int(in.Output.Index) >= len(meta.Outputs) {
			return TrxEval{}, fail(KindValidation, ErrInputNotFound)
		}
		if _, spent, err := db.utxo.IsSpent(in.Output); err != nil {
			return TrxEval{}, fail(KindStorage, err)
		} else if spent {
			return TrxEval{}, fail(KindValidation, ErrInputAlreadySpent)
		}

		out := meta.Outputs[in.Output.Index].Output
		if !claimSatisfied(out.Claim, signedAddrs, signedPTS, isMarket) {
			return TrxEval{}, fail(KindValidation, ErrClaimNotSatisfied)
		}

		balances[out.Amount.Type] += out.Amount.Amount
		if out.Amount.Type == blockchain.BTS {
			totalSpent += out.Amount.Amount
			age := int64(headNum) - int64(meta.BlockNum)
			if age < 0 {
				age = 0
			}
			cdd := age * out.Amount.Amount
			if age <= blockchain.BlocksPerYear {
				validCDD += cdd
			} else {
				invalidCDD += cdd
			}
		}
	}

	for _, out := range trx.Outputs {
		balances[out.Amount.Type] -= out.Amount.Amount
	}

	fee := balances[blockchain.BTS]
	if !ignoreFees {
		size := trxByteSize(trx)
		if fee < headFeeRate*int64(size) {
			return TrxEval{}, fail(KindValidation, ErrFeeTooLow)
		}
	}

	if !isMarket {
		for t, b := range balances {
			if t != blockchain.BTS && b != 0 {
				return TrxEval{}, fail(KindValidation, ErrBalanceMismatch)
			}
		}
	}

	return TrxEval{
		Fees:                     fee,
		CoinDaysDestroyed:        validCDD,
		InvalidCoinDaysDestroyed: invalidCDD,
		TotalSpent:               totalSpent,
	}, nil
}

func trxByteSize(trx blockchain.SignedTransaction) int {
	data, _ := trx.MarshalBinary()
	return len(data)
}

// claimSatisfied implements spec.md §4.2 step 3's per-claim rules.
func claimSatisfied(claim blockchain.Claim, signed []primitives.Address, signedPTS [][]primitives.PTSAddress, isMarket bool) bool {
	switch c := claim.(type) {
	case blockchain.ClaimBySignature:
		return containsAddress(signed, c.Owner)
	case blockchain.ClaimByPTS:
		for _, set := range signedPTS {
			for _, p := range set {
				if p.Equal(c.Owner) {
					return true
				}
			}
		}
		return false
	case blockchain.ClaimByBid:
		return isMarket || containsAddress(signed, c.PayAddress)
	case blockchain.ClaimByLong:
		return isMarket || containsAddress(signed, c.PayAddress)
	case blockchain.ClaimByCover:
		return isMarket || containsAddress(signed, c.Owner)
	case blockchain.ClaimByMultiSig:
		have := 0
		for _, a := range c.Addresses {
			if containsAddress(signed, a) {
				have++
			}
		}
		return have >= int(c.Required)
	case blockchain.ClaimByEscrow:
		return containsAddress(signed, c.Owner) || containsAddress(signed, c.Escrow)
	case blockchain.ClaimByOptExecute:
		return containsAddress(signed, c.Owner)
	case blockchain.ClaimByPassword:
		return containsAddress(signed, c.Owner)
	default:
		return false
	}
}

func containsAddress(set []primitives.Address, addr primitives.Address) bool {
	for _, a := range set {
		if a.Equal(addr) {
			return true
		}
	}
	return false
}
