package blockchain

import (
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
	"github.com/mcdoku/bitshares-core/primitives"
)

// This file implements the hand-written binary pack format spec.md §6
// requires in place of the original's reflection-driven serialisation
// (§9): little-endian, length-prefixed vectors, tagged unions by a
// single leading discriminant byte. The shape follows
// daglabs-btcd/wire/common.go's ReadElement/WriteElement/VarInt
// conventions, adapted to a fixed, hand-rolled set of writers/readers
// per type instead of a type-switch dispatcher, since every type here is
// consensus-critical and must produce exactly the same bytes every time.

// ErrNonCanonicalVarInt is returned when a varint could have been
// encoded in fewer bytes, mirroring wire.ReadVarInt's canonical-encoding
// check.
var ErrNonCanonicalVarInt = errors.New("blockchain: non-canonical varint encoding")

func writeUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint16(w io.Writer, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint16(r io.Reader) (uint16, error) {
	var b [2]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func writeUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func writeUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	_, err := w.Write(b[:])
	return err
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func writeInt64(w io.Writer, v int64) error { return writeUint64(w, uint64(v)) }
func readInt64(r io.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

// writeVarInt encodes v the way wire.WriteVarInt does: a single byte for
// values below 0xfd, else a discriminant byte followed by the smallest
// fixed-width encoding that fits.
func writeVarInt(w io.Writer, v uint64) error {
	switch {
	case v < 0xfd:
		return writeUint8(w, uint8(v))
	case v <= math.MaxUint16:
		if err := writeUint8(w, 0xfd); err != nil {
			return err
		}
		return writeUint16(w, uint16(v))
	case v <= math.MaxUint32:
		if err := writeUint8(w, 0xfe); err != nil {
			return err
		}
		return writeUint32(w, uint32(v))
	default:
		if err := writeUint8(w, 0xff); err != nil {
			return err
		}
		return writeUint64(w, v)
	}
}

func readVarInt(r io.Reader) (uint64, error) {
	discriminant, err := readUint8(r)
	if err != nil {
		return 0, err
	}
	switch discriminant {
	case 0xff:
		v, err := readUint64(r)
		if err != nil {
			return 0, err
		}
		if v < 0x100000000 {
			return 0, ErrNonCanonicalVarInt
		}
		return v, nil
	case 0xfe:
		v, err := readUint32(r)
		if err != nil {
			return 0, err
		}
		if uint64(v) < 0xfd {
			return 0, ErrNonCanonicalVarInt
		}
		return uint64(v), nil
	case 0xfd:
		v, err := readUint16(r)
		if err != nil {
			return 0, err
		}
		if uint64(v) < 0xfd {
			return 0, ErrNonCanonicalVarInt
		}
		return uint64(v), nil
	default:
		return uint64(discriminant), nil
	}
}

func writeVarBytes(w io.Writer, b []byte) error {
	if err := writeVarInt(w, uint64(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

const maxVarBytes = 32 * 1024 * 1024

func readVarBytes(r io.Reader) ([]byte, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxVarBytes {
		return nil, errors.Errorf("blockchain: var bytes length %d exceeds maximum", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeHash(w io.Writer, h primitives.Hash) error {
	_, err := w.Write(h[:])
	return err
}

func readHash(r io.Reader) (primitives.Hash, error) {
	var h primitives.Hash
	_, err := io.ReadFull(r, h[:])
	return h, err
}
