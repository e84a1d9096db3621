package bitname

import (
	"encoding/binary"
	"io"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/mcdoku/bitshares-core/primitives"
)

// Small hand-written binary pack helpers, the bitname chain's own copy
// of blockchain/pack.go's little-endian writers — kept local rather than
// exported from blockchain since the two chains' wire formats are
// independent and neither should depend on the other's internals.

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func writeHash(w io.Writer, h primitives.Hash) error {
	_, err := w.Write(h[:])
	return err
}

// writePubKey writes a public key in 33-byte compressed form, or 33
// zero bytes for a nil key (the genesis active_key before it diverges
// from master_key never needs this, but a zero-value NameHeader does).
func writePubKey(w io.Writer, pub *secp256k1.PublicKey) error {
	var buf [33]byte
	if pub != nil {
		copy(buf[:], pub.SerializeCompressed())
	}
	_, err := w.Write(buf[:])
	return err
}
