package blockchain

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mcdoku/bitshares-core/primitives"
)

func TestSignedTransactionRoundTrip(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	addr := primitives.NewAddressFromPublicKey(priv.PubKey())

	trx := Transaction{
		Version: 1,
		Outputs: []TrxOutput{
			{Amount: NewAsset(100, BTS), Claim: ClaimBySignature{Owner: addr}},
		},
	}
	signed := SignedTransaction{Transaction: trx}
	signed.Sign(priv)

	data, err := signed.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	got, err := UnmarshalSignedTransaction(data)
	if err != nil {
		t.Fatalf("UnmarshalSignedTransaction: %v", err)
	}
	if got.ID() != signed.ID() {
		t.Fatalf("round trip ID mismatch")
	}
}

func TestGetSignedAddressesRecoversSigner(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	addr := primitives.NewAddressFromPublicKey(priv.PubKey())

	signed := SignedTransaction{Transaction: Transaction{Version: 1}}
	signed.Sign(priv)

	addrs, err := signed.GetSignedAddresses()
	if err != nil {
		t.Fatalf("GetSignedAddresses: %v", err)
	}
	if len(addrs) != 1 || !addrs[0].Equal(addr) {
		t.Fatalf("expected recovered address to equal signer, got %+v", addrs)
	}
}

func TestGetSignedPTSAddressesCoversFourForms(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	signed := SignedTransaction{Transaction: Transaction{Version: 1}}
	signed.Sign(priv)

	forms, err := signed.GetSignedPTSAddresses()
	if err != nil {
		t.Fatalf("GetSignedPTSAddresses: %v", err)
	}
	if len(forms) != 1 || len(forms[0]) != 4 {
		t.Fatalf("expected 1 signature with 4 PTS forms, got %+v", forms)
	}
}

func TestTransactionDigestExcludesSignatures(t *testing.T) {
	trx := Transaction{Version: 7}
	a := SignedTransaction{Transaction: trx}
	b := SignedTransaction{Transaction: trx}
	priv, _ := secp256k1.GeneratePrivateKey()
	b.Sign(priv)

	if a.Transaction.Digest() != b.Transaction.Digest() {
		t.Fatalf("digest must not depend on signatures")
	}
	if a.ID() == b.ID() {
		t.Fatalf("signed transaction ID must depend on signatures")
	}
}
