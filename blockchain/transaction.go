package blockchain

import (
	"bytes"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/pkg/errors"

	"github.com/mcdoku/bitshares-core/primitives"
)

// OutputRef names a single output of a transaction already on chain:
// the pair (trx_id, output_index) spec.md §3 uses as the UTXO key.
type OutputRef struct {
	TrxID primitives.Hash
	Index uint16
}

func writeOutputRef(w io.Writer, ref OutputRef) error {
	if err := writeHash(w, ref.TrxID); err != nil {
		return err
	}
	return writeUint16(w, ref.Index)
}

func readOutputRef(r io.Reader) (OutputRef, error) {
	id, err := readHash(r)
	if err != nil {
		return OutputRef{}, err
	}
	idx, err := readUint16(r)
	if err != nil {
		return OutputRef{}, err
	}
	return OutputRef{TrxID: id, Index: idx}, nil
}

// MarshalBinary implements the pack format for an OutputRef, used as a
// flat storage key by the UTXO store.
func (ref OutputRef) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeOutputRef(&buf, ref); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// OutputRefFromBytes decodes an OutputRef from its pack encoding.
func OutputRefFromBytes(data []byte) (OutputRef, error) {
	return readOutputRef(bytes.NewReader(data))
}

// Input spends one existing output. Consensus code checks Output's claim
// against the addresses recovered from all of the enclosing
// SignedTransaction's signatures (spec.md §4.2 step 3).
type Input struct {
	Output OutputRef
}

func writeInput(w io.Writer, in Input) error { return writeOutputRef(w, in.Output) }

func readInput(r io.Reader) (Input, error) {
	ref, err := readOutputRef(r)
	if err != nil {
		return Input{}, err
	}
	return Input{Output: ref}, nil
}

// TrxOutput is a new UTXO created by a transaction: an asset amount
// locked behind a claim variant (spec.md §3).
type TrxOutput struct {
	Amount Asset
	Claim  Claim
}

func writeTrxOutput(w io.Writer, o TrxOutput) error {
	if err := writeAsset(w, o.Amount); err != nil {
		return err
	}
	return marshalClaim(w, o.Claim)
}

func readTrxOutput(r io.Reader) (TrxOutput, error) {
	amount, err := readAsset(r)
	if err != nil {
		return TrxOutput{}, err
	}
	claim, err := unmarshalClaim(r)
	if err != nil {
		return TrxOutput{}, err
	}
	return TrxOutput{Amount: amount, Claim: claim}, nil
}

// Transaction is the unsigned body of a state-transition (spec.md §3):
// a chain-tip nonce (Stake, carried and signed with the transaction;
// evaluation does not compare it with chain.DB.Stake()), a validity window
// (ValidAfter/ValidBlocks), and the inputs it spends and outputs it
// creates.
type Transaction struct {
	Version     uint16
	Stake       uint32
	ValidAfter  uint32
	ValidBlocks uint32
	Inputs      []Input
	Outputs     []TrxOutput
}

// Digest returns the hash signed by every input's signature: the pack
// encoding of the unsigned transaction body (spec.md §4.2 step 1).
func (t Transaction) Digest() primitives.Hash {
	var buf bytes.Buffer
	_ = writeTransactionBody(&buf, t)
	return primitives.SmallHash(buf.Bytes())
}

func writeTransactionBody(w io.Writer, t Transaction) error {
	if err := writeUint16(w, t.Version); err != nil {
		return err
	}
	if err := writeUint32(w, t.Stake); err != nil {
		return err
	}
	if err := writeUint32(w, t.ValidAfter); err != nil {
		return err
	}
	if err := writeUint32(w, t.ValidBlocks); err != nil {
		return err
	}
	if err := writeVarInt(w, uint64(len(t.Inputs))); err != nil {
		return err
	}
	for _, in := range t.Inputs {
		if err := writeInput(w, in); err != nil {
			return err
		}
	}
	if err := writeVarInt(w, uint64(len(t.Outputs))); err != nil {
		return err
	}
	for _, out := range t.Outputs {
		if err := writeTrxOutput(w, out); err != nil {
			return err
		}
	}
	return nil
}

func readTransactionBody(r io.Reader) (Transaction, error) {
	var t Transaction
	var err error
	if t.Version, err = readUint16(r); err != nil {
		return Transaction{}, err
	}
	if t.Stake, err = readUint32(r); err != nil {
		return Transaction{}, err
	}
	if t.ValidAfter, err = readUint32(r); err != nil {
		return Transaction{}, err
	}
	if t.ValidBlocks, err = readUint32(r); err != nil {
		return Transaction{}, err
	}
	nIn, err := readVarInt(r)
	if err != nil {
		return Transaction{}, err
	}
	t.Inputs = make([]Input, nIn)
	for i := range t.Inputs {
		if t.Inputs[i], err = readInput(r); err != nil {
			return Transaction{}, err
		}
	}
	nOut, err := readVarInt(r)
	if err != nil {
		return Transaction{}, err
	}
	t.Outputs = make([]TrxOutput, nOut)
	for i := range t.Outputs {
		if t.Outputs[i], err = readTrxOutput(r); err != nil {
			return Transaction{}, err
		}
	}
	return t, nil
}

// ErrNoMatchingSignature reports that no signature recovers to an
// expected address. Sign does not return it.
var ErrNoMatchingSignature = errors.New("blockchain: no signature recovers to the expected address")

// SignedTransaction wraps a Transaction with one compact signature per
// spending key (spec.md §3: "a signed transaction carries one compact
// signature per distinct spending key"). Signatures are order-
// independent: evaluation recovers each signature's address and matches
// it against whatever input claims require it.
type SignedTransaction struct {
	Transaction
	Signatures [][65]byte
}

// ID is the transaction's on-chain identifier: the hash of the signed
// transaction's full pack encoding, including signatures (spec.md §3).
func (t SignedTransaction) ID() primitives.Hash {
	var buf bytes.Buffer
	_ = writeSignedTransaction(&buf, t)
	return primitives.SmallHash(buf.Bytes())
}

func writeSignedTransaction(w io.Writer, t SignedTransaction) error {
	if err := writeTransactionBody(w, t.Transaction); err != nil {
		return err
	}
	if err := writeVarInt(w, uint64(len(t.Signatures))); err != nil {
		return err
	}
	for _, sig := range t.Signatures {
		if _, err := w.Write(sig[:]); err != nil {
			return err
		}
	}
	return nil
}

func readSignedTransaction(r io.Reader) (SignedTransaction, error) {
	body, err := readTransactionBody(r)
	if err != nil {
		return SignedTransaction{}, err
	}
	n, err := readVarInt(r)
	if err != nil {
		return SignedTransaction{}, err
	}
	sigs := make([][65]byte, n)
	for i := range sigs {
		if _, err := io.ReadFull(r, sigs[i][:]); err != nil {
			return SignedTransaction{}, err
		}
	}
	return SignedTransaction{Transaction: body, Signatures: sigs}, nil
}

// MarshalBinary implements the pack format for a SignedTransaction.
func (t SignedTransaction) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := writeSignedTransaction(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalSignedTransaction decodes a SignedTransaction from its pack
// encoding.
func UnmarshalSignedTransaction(data []byte) (SignedTransaction, error) {
	return readSignedTransaction(bytes.NewReader(data))
}

// Sign appends a compact signature over t's digest using priv, the way
// a wallet assembles a SignedTransaction one spending key at a time.
func (t *SignedTransaction) Sign(priv *secp256k1.PrivateKey) {
	digest := t.Transaction.Digest()
	sig := ecdsa.SignCompact(priv, digest[:], true)
	var out [65]byte
	copy(out[:], sig)
	t.Signatures = append(t.Signatures, out)
}

// GetSignedAddresses recovers the claim_by_signature Address for every
// signature on t, in signature order (spec.md §4.2 step 3).
func (t SignedTransaction) GetSignedAddresses() ([]primitives.Address, error) {
	digest := t.Transaction.Digest()
	out := make([]primitives.Address, 0, len(t.Signatures))
	for _, sig := range t.Signatures {
		pub, _, err := ecdsa.RecoverCompact(sig[:], digest[:])
		if err != nil {
			return nil, errors.Wrap(err, "recover signature")
		}
		out = append(out, primitives.NewAddressFromPublicKey(pub))
	}
	return out, nil
}

// GetSignedPTSAddresses recovers every legacy PTS address form each
// signature's recovered key could be paying to (spec.md §3,
// claim_by_pts compatibility sweep).
func (t SignedTransaction) GetSignedPTSAddresses() ([][]primitives.PTSAddress, error) {
	digest := t.Transaction.Digest()
	out := make([][]primitives.PTSAddress, 0, len(t.Signatures))
	for _, sig := range t.Signatures {
		pub, _, err := ecdsa.RecoverCompact(sig[:], digest[:])
		if err != nil {
			return nil, errors.Wrap(err, "recover signature")
		}
		out = append(out, primitives.PTSAddressesForKey(pub))
	}
	return out, nil
}
