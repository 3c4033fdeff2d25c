// Package checksum computes the whole-file checksums carried in Metadata and EOF PDUs.
package checksum

import (
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"

	"github.com/pkg/errors"
)

// Kind identifies a checksum algorithm by its on-wire code.
type Kind uint8

const (
	Modular Kind = 0
	CRC32C  Kind = 2
	CRC32   Kind = 3
	Null    Kind = 15
)

// ErrUnsupportedKind is returned for checksum codes this engine cannot compute.
var ErrUnsupportedKind = errors.New("unsupported checksum kind")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func (k Kind) String() string {
	switch k {
	case Modular:
		return "modular"
	case CRC32C:
		return "crc32c"
	case CRC32:
		return "crc32"
	case Null:
		return "null"
	default:
		return "unknown"
	}
}

// Supported reports whether the kind can be computed.
func (k Kind) Supported() bool {
	switch k {
	case Modular, CRC32C, CRC32, Null:
		return true
	}
	return false
}

// Summer accumulates a checksum over file bytes written in file order.
type Summer struct {
	kind Kind
	pos  uint64
	sum  uint32
	crc  hash.Hash32
}

// New returns a Summer for the given kind.
func New(kind Kind) (*Summer, error) {
	s := &Summer{kind: kind}
	switch kind {
	case Modular, Null:
	case CRC32C:
		s.crc = crc32.New(castagnoli)
	case CRC32:
		s.crc = crc32.NewIEEE()
	default:
		return nil, errors.Wrapf(ErrUnsupportedKind, "code %d", kind)
	}

	return s, nil
}

// Write implements io.Writer.
func (s *Summer) Write(p []byte) (int, error) {
	switch s.kind {
	case Modular:
		s.addModular(p)
	case CRC32C, CRC32:
		s.crc.Write(p)
	}
	s.pos += uint64(len(p))

	return len(p), nil
}

// Sum32 returns the checksum of everything written so far.
func (s *Summer) Sum32() uint32 {
	switch s.kind {
	case Modular:
		return s.sum
	case CRC32C, CRC32:
		return s.crc.Sum32()
	}
	return 0
}

// addModular adds each byte to the 32-bit word it occupies when the file is
// viewed as big-endian words aligned on offset 0.
func (s *Summer) addModular(p []byte) {
	i := 0
	for ; i < len(p) && (s.pos+uint64(i))%4 != 0; i++ {
		shift := 8 * (3 - (s.pos+uint64(i))%4)
		s.sum += uint32(p[i]) << shift
	}
	for ; i+4 <= len(p); i += 4 {
		s.sum += binary.BigEndian.Uint32(p[i : i+4])
	}
	for ; i < len(p); i++ {
		shift := 8 * (3 - (s.pos+uint64(i))%4)
		s.sum += uint32(p[i]) << shift
	}
}

// Compute streams r through a Summer of the given kind.
func Compute(kind Kind, r io.Reader) (uint32, error) {
	s, err := New(kind)
	if err != nil {
		return 0, err
	}
	if _, err := io.Copy(s, r); err != nil {
		return 0, errors.Wrap(err, "read file for checksum")
	}

	return s.Sum32(), nil
}
