// Package segments tracks which byte ranges of a file have been received.
//
// A Set keeps its ranges sorted, disjoint and non-adjacent, so the missing
// ranges are simply the gaps between neighbours.
package segments

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrConflictingLength is returned when the total length is set twice with different values.
var ErrConflictingLength = errors.New("conflicting total length")

// Range is a half-open byte range [Start, End).
type Range struct {
	Start uint64
	End   uint64
}

// Len returns the number of bytes in the range.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// Set is a sparse interval set over the bytes of one file.
type Set struct {
	ranges   []Range
	total    uint64
	hasTotal bool
	covered  uint64
}

// New creates an empty set with unknown total length.
func New() *Set {
	return &Set{}
}

// Insert records [start, start+length) as received and returns how many
// bytes were not covered before.
func (s *Set) Insert(start, length uint64) uint64 {
	if length == 0 {
		return 0
	}
	end := start + length

	// first range that ends at or after start touches or follows the new one
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= start })

	j := i
	merged := Range{Start: start, End: end}
	var overlapped uint64
	for j < len(s.ranges) && s.ranges[j].Start <= end {
		r := s.ranges[j]
		overlapped += r.Len()
		if r.Start < merged.Start {
			merged.Start = r.Start
		}
		if r.End > merged.End {
			merged.End = r.End
		}
		j++
	}

	added := merged.Len() - overlapped
	if i == j {
		s.ranges = append(s.ranges, Range{})
		copy(s.ranges[i+1:], s.ranges[i:])
		s.ranges[i] = merged
	} else {
		s.ranges[i] = merged
		s.ranges = append(s.ranges[:i+1], s.ranges[j:]...)
	}
	s.covered += added

	return added
}

// SetTotalLength records the final length of the file.
func (s *Set) SetTotalLength(n uint64) error {
	if s.hasTotal && s.total != n {
		return errors.Wrapf(ErrConflictingLength, "have %d, got %d", s.total, n)
	}
	s.total = n
	s.hasTotal = true

	return nil
}

// TotalLength returns the expected length and whether it is known.
func (s *Set) TotalLength() (uint64, bool) {
	return s.total, s.hasTotal
}

// Missing returns the gaps within [0, total length) in ascending order.
// It returns nil while the total length is unknown.
func (s *Set) Missing() []Range {
	if !s.hasTotal {
		return nil
	}

	var missing []Range
	var pos uint64
	for _, r := range s.ranges {
		if r.Start >= s.total {
			break
		}
		if r.Start > pos {
			missing = append(missing, Range{Start: pos, End: r.Start})
		}
		pos = r.End
	}
	if pos < s.total {
		missing = append(missing, Range{Start: pos, End: s.total})
	}

	return missing
}

// Complete reports whether the total length is known and nothing is missing.
func (s *Set) Complete() bool {
	if !s.hasTotal {
		return false
	}
	if s.total == 0 {
		return true
	}

	return len(s.ranges) > 0 && s.ranges[0].Start == 0 && s.ranges[0].End >= s.total
}

// Covered returns the number of distinct bytes received.
func (s *Set) Covered() uint64 {
	return s.covered
}

// Contains reports whether [start, start+length) is already fully covered.
func (s *Set) Contains(start, length uint64) bool {
	if length == 0 {
		return true
	}
	end := start + length
	i := sort.Search(len(s.ranges), func(i int) bool { return s.ranges[i].End >= end })

	return i < len(s.ranges) && s.ranges[i].Start <= start
}

// Ranges returns a copy of the received ranges.
func (s *Set) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)

	return out
}
