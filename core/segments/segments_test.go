package segments

import (
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestSet_ExactBoundaryMerge(t *testing.T) {
	s := New()
	require.Equal(t, uint64(10), s.Insert(0, 10))
	require.Equal(t, uint64(10), s.Insert(10, 10))

	require.Equal(t, []Range{{0, 20}}, s.Ranges())
	require.NoError(t, s.SetTotalLength(20))
	require.True(t, s.Complete())
	require.Empty(t, s.Missing())
}

func TestSet_OverlapAndDuplicates(t *testing.T) {
	s := New()
	s.Insert(100, 50)
	s.Insert(0, 10)
	require.Equal(t, uint64(0), s.Insert(100, 50), "duplicate adds nothing")
	require.Equal(t, uint64(0), s.Insert(110, 20), "covered sub-range adds nothing")
	require.Equal(t, uint64(20), s.Insert(90, 70))

	require.Equal(t, []Range{{0, 10}, {90, 160}}, s.Ranges())
	require.Equal(t, uint64(80), s.Covered())

	// one insert bridging both ranges
	require.Equal(t, uint64(80), s.Insert(5, 100))
	require.Equal(t, []Range{{0, 160}}, s.Ranges())
	require.Equal(t, uint64(160), s.Covered())
}

func TestSet_MissingRanges(t *testing.T) {
	s := New()
	require.Nil(t, s.Missing(), "unknown length")
	require.False(t, s.Complete())

	s.Insert(0, 1000)
	s.Insert(2000, 1000)
	require.NoError(t, s.SetTotalLength(3000))
	require.Equal(t, []Range{{1000, 2000}}, s.Missing())

	s.Insert(1000, 1000)
	require.True(t, s.Complete())
	require.Empty(t, s.Missing())
}

func TestSet_MissingTail(t *testing.T) {
	s := New()
	s.Insert(10, 10)
	require.NoError(t, s.SetTotalLength(50))
	require.Equal(t, []Range{{0, 10}, {20, 50}}, s.Missing())
}

func TestSet_EmptyFile(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTotalLength(0))
	require.True(t, s.Complete())
	require.Empty(t, s.Missing())
}

func TestSet_ConflictingLength(t *testing.T) {
	s := New()
	require.NoError(t, s.SetTotalLength(10))
	require.NoError(t, s.SetTotalLength(10))

	err := s.SetTotalLength(11)
	require.True(t, errors.Is(err, ErrConflictingLength))

	n, ok := s.TotalLength()
	require.True(t, ok)
	require.Equal(t, uint64(10), n)
}

func TestSet_Contains(t *testing.T) {
	s := New()
	s.Insert(0, 10)
	s.Insert(20, 10)

	require.True(t, s.Contains(0, 10))
	require.True(t, s.Contains(22, 3))
	require.False(t, s.Contains(5, 10))
	require.False(t, s.Contains(10, 5))
	require.True(t, s.Contains(40, 0))
}

// Any insertion order, with duplicates and overlaps, of segments covering
// [0, n) must end complete.
func TestSet_ShuffledCoverage(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	const n = 10_000

	for round := 0; round < 50; round++ {
		var segs []Range
		for off := uint64(0); off < n; {
			l := uint64(rnd.Intn(300) + 1)
			if off+l > n {
				l = n - off
			}
			segs = append(segs, Range{off, off + l})
			off += l
		}
		// duplicates and overlapping extras
		for k := 0; k < 20; k++ {
			a := uint64(rnd.Intn(n))
			b := a + uint64(rnd.Intn(500))
			if b > n {
				b = n
			}
			segs = append(segs, Range{a, b})
		}
		rnd.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

		s := New()
		require.NoError(t, s.SetTotalLength(n))
		for _, r := range segs {
			s.Insert(r.Start, r.Len())
		}
		require.True(t, s.Complete(), "round %d", round)
		require.Empty(t, s.Missing())
		require.Equal(t, uint64(n), s.Covered())
	}
}

// Leaving one hole out must report exactly that hole.
func TestSet_SingleHole(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	const n = 5000

	for round := 0; round < 50; round++ {
		holeStart := uint64(rnd.Intn(n - 100))
		hole := Range{holeStart, holeStart + uint64(rnd.Intn(99)+1)}

		var segs []Range
		for off := uint64(0); off < n; off += 100 {
			end := off + 100
			// cut the segment around the hole
			if off < hole.Start {
				segs = append(segs, Range{off, min(end, hole.Start)})
			}
			if end > hole.End {
				segs = append(segs, Range{max(off, hole.End), end})
			}
		}
		rnd.Shuffle(len(segs), func(i, j int) { segs[i], segs[j] = segs[j], segs[i] })

		s := New()
		for _, r := range segs {
			s.Insert(r.Start, r.Len())
			s.Insert(r.Start, r.Len())
		}
		require.NoError(t, s.SetTotalLength(n))
		require.Equal(t, []Range{hole}, s.Missing(), "round %d", round)
		require.False(t, s.Complete())
	}
}
