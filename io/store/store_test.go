package store

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/cfdp/core/checksum"
	"github.com/vadiminshakov/cfdp/core/dto"
	"github.com/vadiminshakov/cfdp/core/pdu"
)

// objectStore is the contract shared by Bucket and MemBucket.
type objectStore interface {
	Put(name string, data []byte) error
	Get(name string) ([]byte, error)
	Size(name string) (uint64, error)
	ReadRange(name string, offset uint64, length int) ([]byte, error)
	WriteRange(name string, offset uint64, data []byte) error
	Checksum(name string, kind checksum.Kind) (uint32, error)
	Finalize(name string, kind checksum.Kind) (uint32, error)
	Complete(name string) (bool, error)
	Discard(name string) error
	List() ([]string, error)
}

func newBadgerBucket(t *testing.T) *Bucket {
	db, err := Open(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBucket(db)
}

func stores(t *testing.T) map[string]objectStore {
	return map[string]objectStore{
		"badger": newBadgerBucket(t),
		"memory": NewMemBucket(),
	}
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + i/BlockSize)
	}
	return data
}

func TestStore_PutGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := pattern(3*BlockSize + 17)
			require.NoError(t, s.Put("a.bin", data))

			got, err := s.Get("a.bin")
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, got))

			size, err := s.Size("a.bin")
			require.NoError(t, err)
			require.Equal(t, uint64(len(data)), size)

			part, err := s.ReadRange("a.bin", BlockSize-5, 10)
			require.NoError(t, err)
			require.Equal(t, data[BlockSize-5:BlockSize+5], part)

			_, err = s.ReadRange("a.bin", uint64(len(data))-1, 2)
			require.True(t, errors.Is(err, ErrOutOfRange))

			_, err = s.Size("missing")
			require.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestStore_OutOfOrderOverlappingWrites(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			data := pattern(BlockSize + 4000)
			segs := [][2]int{{2000, 1000}, {BlockSize, 4000}, {0, 2500}, {2400, BlockSize - 2400}, {100, 50}}
			for _, seg := range segs {
				require.NoError(t, s.WriteRange("b.bin", uint64(seg[0]), data[seg[0]:seg[0]+seg[1]]))
			}

			complete, err := s.Complete("b.bin")
			require.NoError(t, err)
			require.False(t, complete)

			want, err := checksum.Compute(checksum.CRC32, bytes.NewReader(data))
			require.NoError(t, err)
			sum, err := s.Finalize("b.bin", checksum.CRC32)
			require.NoError(t, err)
			require.Equal(t, want, sum)

			complete, err = s.Complete("b.bin")
			require.NoError(t, err)
			require.True(t, complete)

			got, err := s.Get("b.bin")
			require.NoError(t, err)
			require.True(t, bytes.Equal(data, got))
		})
	}
}

func TestStore_SparseReadsAsZeros(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteRange("c.bin", 2*BlockSize+10, []byte{1, 2, 3}))

			got, err := s.Get("c.bin")
			require.NoError(t, err)
			require.Len(t, got, 2*BlockSize+13)
			require.Equal(t, make([]byte, 2*BlockSize+10), got[:2*BlockSize+10])

			want, _ := checksum.Compute(checksum.Modular, bytes.NewReader(got))
			sum, err := s.Checksum("c.bin", checksum.Modular)
			require.NoError(t, err)
			require.Equal(t, want, sum)
		})
	}
}

func TestStore_Discard(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Put("d", []byte("one")))
			require.NoError(t, s.Put("d/e", []byte("two")))
			require.NoError(t, s.Discard("d"))
			require.NoError(t, s.Discard("never-existed"))

			_, err := s.Get("d")
			require.True(t, errors.Is(err, ErrNotFound))

			got, err := s.Get("d/e")
			require.NoError(t, err)
			require.Equal(t, []byte("two"), got)

			names, err := s.List()
			require.NoError(t, err)
			require.Equal(t, []string{"d/e"}, names)
		})
	}
}

func TestArchive_RecordAndList(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	defer db.Close()

	a := NewArchive(db)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := a.Record(dto.Summary{
			ID:             pdu.TransactionID{Source: 1, Destination: 2, Sequence: uint64(i + 1)},
			State:          dto.StateCompleted,
			SourceFileName: "f.bin",
			BytesTotal:     100,
			Condition:      pdu.NoError,
			Created:        base,
			Updated:        base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	recs, err := a.List(2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Sequence, "newest first")
	assert.Equal(t, uint64(2), recs[1].Sequence)
	assert.Equal(t, "COMPLETED", recs[0].State)
	assert.Equal(t, "NoError", recs[0].Condition)
	assert.NotEmpty(t, recs[0].ID)

	all, err := a.List(0)
	require.NoError(t, err)
	require.Len(t, all, 3)
}
