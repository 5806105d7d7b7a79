// Package rangeset implements the interval algebra over half-open byte
// ranges [start, end) used to track which parts of a cached object are
// present on disk.
package rangeset

import "sort"

// Range is a half-open interval of byte offsets [Start, End).
type Range struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by r.
func (r Range) Len() int64 {
	return r.End - r.Start
}

// Empty reports whether r covers no bytes.
func (r Range) Empty() bool {
	return r.End <= r.Start
}

func (r Range) intersects(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) intersect(o Range) Range {
	return Range{max64(r.Start, o.Start), min64(r.End, o.End)}
}

// RangeSet is a sorted collection of disjoint, non-touching Ranges.
// The zero value is an empty set.
type RangeSet struct {
	ranges []Range
}

// New builds a RangeSet from the given ranges, merging as Insert would.
func New(rs ...Range) *RangeSet {
	s := &RangeSet{}
	for _, r := range rs {
		s.Insert(r)
	}
	return s
}

// Ranges returns a copy of the stored ranges in ascending order.
func (s *RangeSet) Ranges() []Range {
	out := make([]Range, len(s.ranges))
	copy(out, s.ranges)
	return out
}

// Insert unions r into the set, coalescing any touching or overlapping
// stored ranges. Inserting the empty range is a no-op.
func (s *RangeSet) Insert(r Range) {
	if r.Empty() {
		return
	}

	// Find the contiguous slice of stored ranges that touch r.
	lo := sort.Search(len(s.ranges), func(i int) bool {
		return s.ranges[i].End >= r.Start
	})
	hi := lo
	for hi < len(s.ranges) && s.ranges[hi].Start <= r.End {
		hi++
	}

	merged := r
	for _, existing := range s.ranges[lo:hi] {
		merged.Start = min64(merged.Start, existing.Start)
		merged.End = max64(merged.End, existing.End)
	}

	next := make([]Range, 0, len(s.ranges)-(hi-lo)+1)
	next = append(next, s.ranges[:lo]...)
	next = append(next, merged)
	next = append(next, s.ranges[hi:]...)
	s.ranges = next
}

// Covers reports whether q is entirely contained within a single stored
// range.
func (s *RangeSet) Covers(q Range) bool {
	if q.Empty() {
		return true
	}
	for _, r := range s.ranges {
		if q.Start >= r.Start && q.End <= r.End {
			return true
		}
		if r.Start > q.Start {
			break
		}
	}
	return false
}

// Gaps returns the ordered, disjoint maximal sub-ranges of q that are not
// present in the set. The result is exactly q \ S.
func (s *RangeSet) Gaps(q Range) []Range {
	if q.Empty() {
		return nil
	}
	var gaps []Range
	cursor := q.Start
	for _, r := range s.ranges {
		if r.End <= cursor {
			continue
		}
		if r.Start >= q.End {
			break
		}
		if r.Start > cursor {
			gaps = append(gaps, Range{cursor, min64(r.Start, q.End)})
		}
		cursor = max64(cursor, r.End)
		if cursor >= q.End {
			break
		}
	}
	if cursor < q.End {
		gaps = append(gaps, Range{cursor, q.End})
	}
	return gaps
}

// Intersection returns the sub-ranges of q that are already present in the
// set, in ascending order.
func (s *RangeSet) Intersection(q Range) []Range {
	if q.Empty() {
		return nil
	}
	var out []Range
	for _, r := range s.ranges {
		if !r.intersects(q) {
			if r.Start >= q.End {
				break
			}
			continue
		}
		out = append(out, r.intersect(q))
	}
	return out
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
