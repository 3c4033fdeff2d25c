package checksum

import (
	"bytes"
	"hash/crc32"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestModular_KnownValue(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	sum, err := Compute(Modular, bytes.NewReader(data))
	require.NoError(t, err)
	// 0x01020304 + 0x05060000
	require.Equal(t, uint32(0x06080304), sum)
}

func TestModular_ChunkingDoesNotMatter(t *testing.T) {
	data := make([]byte, 1031)
	for i := range data {
		data[i] = byte(i * 7)
	}
	whole, err := Compute(Modular, bytes.NewReader(data))
	require.NoError(t, err)

	for _, step := range []int{1, 3, 5, 64, 1000} {
		s, err := New(Modular)
		require.NoError(t, err)
		for off := 0; off < len(data); off += step {
			end := off + step
			if end > len(data) {
				end = len(data)
			}
			s.Write(data[off:end])
		}
		require.Equal(t, whole, s.Sum32(), "step %d", step)
	}
}

func TestCRC32Kinds(t *testing.T) {
	data := []byte("segmented delivery")

	sum, err := Compute(CRC32, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, crc32.ChecksumIEEE(data), sum)

	sum, err = Compute(CRC32C, bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, crc32.Checksum(data, crc32.MakeTable(crc32.Castagnoli)), sum)

	sum, err = Compute(Null, bytes.NewReader(data))
	require.NoError(t, err)
	require.Zero(t, sum)
}

func TestUnsupportedKind(t *testing.T) {
	_, err := New(Kind(9))
	require.True(t, errors.Is(err, ErrUnsupportedKind))
	require.False(t, Kind(9).Supported())
}
