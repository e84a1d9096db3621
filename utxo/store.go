// Package utxo implements the persistent, ordered unspent-transaction-
// output store every chain state transition reads and writes: block
// storage, the trx-id and trx-number indices, spentness tracking, and
// the address index wallets scan. It is backed by go.etcd.io/bbolt, the
// same ordered key-value store the teacher's database package wraps,
// chosen because its byte-ordered bucket iteration matches the
// sequential block-number and lexicographic address scans this package
// needs without a secondary index layer.
package utxo

import (
	"encoding/binary"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/mcdoku/bitshares-core/blockchain"
	"github.com/mcdoku/bitshares-core/primitives"
)

var (
	bucketBlocksByNum   = []byte("blocks_by_num")
	bucketBlockNumByID  = []byte("block_num_by_id")
	bucketTrxNumByID    = []byte("trx_num_by_id")
	bucketMetaTrxByNum  = []byte("meta_trx_by_num")
	bucketOutputsByAddr = []byte("outputs_by_addr")
	bucketSpentBy       = []byte("spent_by")
	bucketMeta          = []byte("meta")

	keyNextTrxNum = []byte("next_trx_num")
	keyChainHead  = []byte("chain_head")
)

// ErrNotFound is returned by lookups that find no matching record.
var ErrNotFound = errors.New("utxo: not found")

// MetaInput augments a consumed Input with the fields the evaluator and
// wallet need without re-fetching the spent output's owning
// transaction: the amount and claim it satisfied, and the output's
// coin-age at the moment it was spent (spec.md §3/§9 "meta_trx_input:
// supplement the opaque input with enough of the spent output's shape
// that a wallet or explorer does not need a second lookup").
type MetaInput struct {
	Output      blockchain.OutputRef
	Amount      blockchain.Asset
	Claim       blockchain.Claim
	CoinAgeDays int64
}

// MetaOutput augments a TrxOutput with its spent/unspent status and,
// once spent, the transaction that spent it (SPEC_FULL.md §3).
type MetaOutput struct {
	Output  blockchain.TrxOutput
	SpentBy *primitives.Hash // nil while unspent
}

// MetaTrx is the stored, indexed form of a transaction: its signed body
// plus per-output spent tracking and the block it was confirmed in
// (SPEC_FULL.md §3's meta_trx_output/meta_trx_input supplement).
type MetaTrx struct {
	Signed   blockchain.SignedTransaction
	BlockNum uint32
	TrxNum   uint64
	Outputs  []MetaOutput
	Inputs   []MetaInput
}

// Store is the persistent UTXO database: block storage indexed by
// number and id, transaction storage indexed by id and a dense trx_num,
// and the address and spentness indices needed to answer "what can this
// address spend" and "has this output been spent" without scanning
// every block.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a Store at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(err, "utxo: open database")
	}
	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{
			bucketBlocksByNum, bucketBlockNumByID, bucketTrxNumByID,
			bucketMetaTrxByNum, bucketOutputsByAddr, bucketSpentBy, bucketMeta,
		} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "utxo: initialize buckets")
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func u32key(n uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], n)
	return b[:]
}

func u64key(n uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	return b[:]
}

// ChainHead returns the highest stored block number and its id, or
// (0, ZeroHash, false) if the store is empty.
func (s *Store) ChainHead() (num uint32, id primitives.Hash, ok bool) {
	_ = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketMeta).Get(keyChainHead)
		if raw == nil || len(raw) != 4+primitives.HashSize {
			return nil
		}
		num = binary.BigEndian.Uint32(raw[:4])
		id = primitives.HashFromBytes(raw[4:])
		ok = true
		return nil
	})
	return
}

// StoreBlock persists blk at blockNum, indexing every transaction it
// contains and marking every input it spends, within a single atomic
// bolt transaction (spec.md §4.5 push_block's all-or-nothing storage
// write).
func (s *Store) StoreBlock(blockNum uint32, blk blockchain.TrxBlock) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		blockID := blk.ID()
		data, err := blk.MarshalBinary()
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlocksByNum).Put(u32key(blockNum), data); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlockNumByID).Put(blockID[:], u32key(blockNum)); err != nil {
			return err
		}

		nextTrxNum := uint64(0)
		if raw := tx.Bucket(bucketMeta).Get(keyNextTrxNum); raw != nil {
			nextTrxNum = binary.BigEndian.Uint64(raw)
		}

		for _, signed := range blk.SignedTransactions {
			trxID := signed.ID()
			trxNum := nextTrxNum
			nextTrxNum++

			for i, out := range signed.Outputs {
				if owner, ok := ownerAddress(out.Claim); ok {
					if err := addOutputToAddressIndex(tx, owner, blockchain.OutputRef{TrxID: trxID, Index: uint16(i)}); err != nil {
						return err
					}
				}
			}
			for _, in := range signed.Inputs {
				key := outputRefKey(in.Output)
				if err := tx.Bucket(bucketSpentBy).Put(key, trxID[:]); err != nil {
					return err
				}
			}

			if err := putMetaTrx(tx, trxNum, MetaTrx{Signed: signed, BlockNum: blockNum, TrxNum: trxNum}); err != nil {
				return err
			}
			if err := tx.Bucket(bucketTrxNumByID).Put(trxID[:], u64key(trxNum)); err != nil {
				return err
			}
		}

		var nextBuf [8]byte
		binary.BigEndian.PutUint64(nextBuf[:], nextTrxNum)
		if err := tx.Bucket(bucketMeta).Put(keyNextTrxNum, nextBuf[:]); err != nil {
			return err
		}

		var head [4 + primitives.HashSize]byte
		binary.BigEndian.PutUint32(head[:4], blockNum)
		copy(head[4:], blockID[:])
		return tx.Bucket(bucketMeta).Put(keyChainHead, head[:])
	})
}

// PopBlock removes blockNum's block and every index entry it created,
// the inverse of StoreBlock (spec.md §4.5 pop_block).
func (s *Store) PopBlock(blockNum uint32) (blockchain.TrxBlock, error) {
	var blk blockchain.TrxBlock
	err := s.db.Update(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlocksByNum).Get(u32key(blockNum))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := blockchain.UnmarshalBlock(raw)
		if err != nil {
			return err
		}
		blk = decoded
		blockID := blk.ID()

		for _, signed := range blk.SignedTransactions {
			trxID := signed.ID()
			for i, out := range signed.Outputs {
				if owner, ok := ownerAddress(out.Claim); ok {
					_ = removeOutputFromAddressIndex(tx, owner, blockchain.OutputRef{TrxID: trxID, Index: uint16(i)})
				}
			}
			for _, in := range signed.Inputs {
				_ = tx.Bucket(bucketSpentBy).Delete(outputRefKey(in.Output))
			}
			rawNum := tx.Bucket(bucketTrxNumByID).Get(trxID[:])
			if rawNum != nil {
				trxNum := binary.BigEndian.Uint64(rawNum)
				_ = tx.Bucket(bucketMetaTrxByNum).Delete(u64key(trxNum))
			}
			_ = tx.Bucket(bucketTrxNumByID).Delete(trxID[:])
		}

		if raw := tx.Bucket(bucketMeta).Get(keyNextTrxNum); raw != nil {
			nextTrxNum := binary.BigEndian.Uint64(raw)
			nextTrxNum -= uint64(len(blk.SignedTransactions))
			var nextBuf [8]byte
			binary.BigEndian.PutUint64(nextBuf[:], nextTrxNum)
			if err := tx.Bucket(bucketMeta).Put(keyNextTrxNum, nextBuf[:]); err != nil {
				return err
			}
		}

		if err := tx.Bucket(bucketBlocksByNum).Delete(u32key(blockNum)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketBlockNumByID).Delete(blockID[:]); err != nil {
			return err
		}
		prevRaw := tx.Bucket(bucketBlocksByNum).Get(u32key(blockNum - 1))
		if blockNum == 0 || prevRaw == nil {
			return tx.Bucket(bucketMeta).Delete(keyChainHead)
		}
		prev, err := blockchain.UnmarshalBlock(prevRaw)
		if err != nil {
			return err
		}
		prevID := prev.ID()
		var head [4 + primitives.HashSize]byte
		binary.BigEndian.PutUint32(head[:4], blockNum-1)
		copy(head[4:], prevID[:])
		return tx.Bucket(bucketMeta).Put(keyChainHead, head[:])
	})
	return blk, err
}

// FetchBlock returns the block stored at blockNum.
func (s *Store) FetchBlock(blockNum uint32) (blockchain.TrxBlock, error) {
	var blk blockchain.TrxBlock
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketBlocksByNum).Get(u32key(blockNum))
		if raw == nil {
			return ErrNotFound
		}
		decoded, err := blockchain.UnmarshalBlock(raw)
		if err != nil {
			return err
		}
		blk = decoded
		return nil
	})
	return blk, err
}

// FetchTrx returns the indexed MetaTrx for trxID.
func (s *Store) FetchTrx(trxID primitives.Hash) (MetaTrx, error) {
	var meta MetaTrx
	err := s.db.View(func(tx *bolt.Tx) error {
		rawNum := tx.Bucket(bucketTrxNumByID).Get(trxID[:])
		if rawNum == nil {
			return ErrNotFound
		}
		trxNum := binary.BigEndian.Uint64(rawNum)
		m, err := getMetaTrx(tx, trxNum)
		if err != nil {
			return err
		}
		meta = m
		return nil
	})
	return meta, err
}

// IsSpent reports whether ref has already been consumed, and by which
// transaction.
func (s *Store) IsSpent(ref blockchain.OutputRef) (primitives.Hash, bool, error) {
	var spender primitives.Hash
	var spent bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketSpentBy).Get(outputRefKey(ref))
		if raw == nil {
			return nil
		}
		spender = primitives.HashFromBytes(raw)
		spent = true
		return nil
	})
	return spender, spent, err
}

// OutputsForAddress lists every OutputRef ever paid to addr, in the
// order they were indexed (callers filter spent ones via IsSpent).
func (s *Store) OutputsForAddress(addr primitives.Address) ([]blockchain.OutputRef, error) {
	var refs []blockchain.OutputRef
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOutputsByAddr).Bucket([]byte(addr.String()))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			ref, err := blockchain.OutputRefFromBytes(k)
			if err != nil {
				return err
			}
			refs = append(refs, ref)
			return nil
		})
	})
	return refs, err
}

func outputRefKey(ref blockchain.OutputRef) []byte {
	b, _ := ref.MarshalBinary()
	return b
}

func ownerAddress(c blockchain.Claim) (primitives.Address, bool) {
	switch v := c.(type) {
	case blockchain.ClaimBySignature:
		return v.Owner, true
	case blockchain.ClaimByBid:
		return v.PayAddress, true
	case blockchain.ClaimByLong:
		return v.PayAddress, true
	case blockchain.ClaimByCover:
		return v.Owner, true
	default:
		return primitives.Address{}, false
	}
}

func addOutputToAddressIndex(tx *bolt.Tx, addr primitives.Address, ref blockchain.OutputRef) error {
	b, err := tx.Bucket(bucketOutputsByAddr).CreateBucketIfNotExists([]byte(addr.String()))
	if err != nil {
		return err
	}
	return b.Put(outputRefKey(ref), []byte{1})
}

func removeOutputFromAddressIndex(tx *bolt.Tx, addr primitives.Address, ref blockchain.OutputRef) error {
	b := tx.Bucket(bucketOutputsByAddr).Bucket([]byte(addr.String()))
	if b == nil {
		return nil
	}
	return b.Delete(outputRefKey(ref))
}

func putMetaTrx(tx *bolt.Tx, trxNum uint64, meta MetaTrx) error {
	data, err := meta.Signed.MarshalBinary()
	if err != nil {
		return err
	}
	var buf []byte
	buf = append(buf, u32key(meta.BlockNum)...)
	buf = append(buf, data...)
	return tx.Bucket(bucketMetaTrxByNum).Put(u64key(trxNum), buf)
}

// getMetaTrx decodes trxNum's stored transaction and fills in both
// supplements from the indices already maintained alongside it:
// Outputs[i].SpentBy from bucketSpentBy, and Inputs[i]'s denormalized
// amount/claim/coin-age from the transaction each input references
// (SPEC_FULL.md §3). fillInputs is false for the one-level-deep lookup
// of a referenced output, so resolving an input never recurses past its
// immediate parent transaction.
func getMetaTrx(tx *bolt.Tx, trxNum uint64) (MetaTrx, error) {
	return getMetaTrxInner(tx, trxNum, true)
}

func getMetaTrxInner(tx *bolt.Tx, trxNum uint64, fillInputs bool) (MetaTrx, error) {
	raw := tx.Bucket(bucketMetaTrxByNum).Get(u64key(trxNum))
	if raw == nil {
		return MetaTrx{}, ErrNotFound
	}
	if len(raw) < 4 {
		return MetaTrx{}, errors.New("utxo: corrupt meta_trx record")
	}
	blockNum := binary.BigEndian.Uint32(raw[:4])
	signed, err := blockchain.UnmarshalSignedTransaction(raw[4:])
	if err != nil {
		return MetaTrx{}, err
	}
	trxID := signed.ID()

	meta := MetaTrx{Signed: signed, BlockNum: blockNum, TrxNum: trxNum}
	meta.Outputs = make([]MetaOutput, len(signed.Outputs))
	for i, out := range signed.Outputs {
		mo := MetaOutput{Output: out}
		ref := blockchain.OutputRef{TrxID: trxID, Index: uint16(i)}
		if spender := tx.Bucket(bucketSpentBy).Get(outputRefKey(ref)); spender != nil {
			h := primitives.HashFromBytes(spender)
			mo.SpentBy = &h
		}
		meta.Outputs[i] = mo
	}

	if fillInputs {
		meta.Inputs = make([]MetaInput, len(signed.Inputs))
		for i, in := range signed.Inputs {
			mi := MetaInput{Output: in.Output}
			if rawNum := tx.Bucket(bucketTrxNumByID).Get(in.Output.TrxID[:]); rawNum != nil {
				spentNum := binary.BigEndian.Uint64(rawNum)
				if spentMeta, err := getMetaTrxInner(tx, spentNum, false); err == nil && int(in.Output.Index) < len(spentMeta.Outputs) {
					spentOut := spentMeta.Outputs[in.Output.Index].Output
					mi.Amount = spentOut.Amount
					mi.Claim = spentOut.Claim
					age := int64(blockNum) - int64(spentMeta.BlockNum)
					if age < 0 {
						age = 0
					}
					mi.CoinAgeDays = age
				}
			}
			meta.Inputs[i] = mi
		}
	}
	return meta, nil
}
