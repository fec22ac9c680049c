package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/zeebo/xxh3"
)

// HashAlgorithm is a closed enumeration of page-checksum algorithms. The
// byte length of the stored hash selects the algorithm on read; an
// unrecognized length is CorruptHeader, not a silent
// default.
type HashAlgorithm byte

const (
	// HashXXH3 is the default: an 8-byte XXH3-64 digest, via
	// github.com/zeebo/xxh3 — grounded on jpl-au-folio and
	// steveyegge-beads in the example pack, both of which pair
	// klauspost/compress with zeebo/xxh3 for this exact role.
	HashXXH3 HashAlgorithm = iota
	// HashCRC32 is a 4-byte legacy/secondary algorithm via the standard
	// library hash/crc32, matching the
	// storage/wal.go, which already seals WAL records with
	// crc32.ChecksumIEEE.
	HashCRC32
)

const (
	xxh3Length  = 8
	crc32Length = 4
)

// HashLength returns the number of bytes a checksum produced by this
// algorithm occupies.
func (a HashAlgorithm) HashLength() int {
	switch a {
	case HashXXH3:
		return xxh3Length
	case HashCRC32:
		return crc32Length
	default:
		return 0
	}
}

func (a HashAlgorithm) String() string {
	switch a {
	case HashXXH3:
		return "XXH3"
	case HashCRC32:
		return "CRC32"
	default:
		return "unknown"
	}
}

// HashLong computes the algorithm's digest over b and returns it as a
// uint64 (CRC32's 32-bit value zero-extended).
func (a HashAlgorithm) HashLong(b []byte) uint64 {
	switch a {
	case HashXXH3:
		return xxh3.Hash(b)
	case HashCRC32:
		return uint64(crc32.ChecksumIEEE(b))
	default:
		return 0
	}
}

// Encode renders a HashLong result into the algorithm's fixed-width
// big-endian byte form. Encoding and comparisons in hot paths should
// prefer HashLong (a uint64 compare) over comparing these byte forms.
func (a HashAlgorithm) Encode(v uint64) []byte {
	switch a {
	case HashXXH3:
		var buf [xxh3Length]byte
		binary.BigEndian.PutUint64(buf[:], v)
		return buf[:]
	case HashCRC32:
		var buf [crc32Length]byte
		binary.BigEndian.PutUint32(buf[:], uint32(v))
		return buf[:]
	default:
		return nil
	}
}

// Decode is Encode's inverse: direct bit manipulation, no allocation
// beyond the fixed-size arrays already required by the call site.
func (a HashAlgorithm) Decode(b []byte) uint64 {
	switch a {
	case HashXXH3:
		return binary.BigEndian.Uint64(b)
	case HashCRC32:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return 0
	}
}

// AlgorithmForLength resolves the algorithm that produces hashes of the
// given byte length. Returns CorruptHeader for any length that does not
// match a known algorithm — this is the "length identifies algorithm"
// contract's failure mode.
func AlgorithmForLength(length int) (HashAlgorithm, error) {
	switch length {
	case xxh3Length:
		return HashXXH3, nil
	case crc32Length:
		return HashCRC32, nil
	default:
		return 0, newErr("AlgorithmForLength", KindCorruptHeader, fmt.Errorf("unknown hash length %d", length))
	}
}

// Seal computes and encodes the checksum for b under algorithm a.
func Seal(a HashAlgorithm, b []byte) []byte {
	return a.Encode(a.HashLong(b))
}

// Verify recomputes the checksum of b under the algorithm implied by
// expected's length and compares as uint64s (never as byte slices, to
// avoid a short-circuiting byte-by-byte comparison on the hot path).
func Verify(b []byte, expected []byte) error {
	algo, err := AlgorithmForLength(len(expected))
	if err != nil {
		return err
	}
	got := algo.HashLong(b)
	want := algo.Decode(expected)
	if got != want {
		return newErr("Verify", KindChecksumMismatch, fmt.Errorf("%s mismatch: expected %x got %x", algo, want, got))
	}
	return nil
}
