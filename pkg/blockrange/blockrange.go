// Package blockrange provides the half-open byte interval used for all
// on-disk layout math.
package blockrange

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// Range is a half-open byte interval [Start, End). A zero-length range is
// valid and represents "no space".
type Range struct {
	Start uint64
	End   uint64
}

// New returns the range [start, end). It panics if end < start; callers
// constructing ranges from untrusted input should use Clamped instead.
func New(start, end uint64) Range {
	if end < start {
		panic(fmt.Sprintf("blockrange: end %d < start %d", end, start))
	}
	return Range{Start: start, End: end}
}

// FromOffsetSize returns the range [offset, offset+size).
func FromOffsetSize(offset, size uint64) Range {
	return Range{Start: offset, End: offset + size}
}

// Clamped returns [start, end) with end raised to start when end < start.
func Clamped(start, end uint64) Range {
	if end < start {
		end = start
	}
	return Range{Start: start, End: end}
}

// Len returns the number of bytes covered.
func (r Range) Len() uint64 {
	return r.End - r.Start
}

// IsEmpty reports whether the range covers zero bytes.
func (r Range) IsEmpty() bool {
	return r.End == r.Start
}

// Contains reports whether off lies inside the range.
func (r Range) Contains(off uint64) bool {
	return off >= r.Start && off < r.End
}

// ContainsRange reports whether other is fully inside r. An empty range is
// contained if its position is within [Start, End].
func (r Range) ContainsRange(other Range) bool {
	return other.Start >= r.Start && other.End <= r.End
}

// Overlaps reports whether the two ranges share at least one byte.
func (r Range) Overlaps(other Range) bool {
	return r.Start < other.End && other.Start < r.End
}

// Clamp returns the portion of r that lies inside bounds. The result may be
// empty.
func (r Range) Clamp(bounds Range) Range {
	start := max(r.Start, bounds.Start)
	end := min(r.End, bounds.End)
	if end < start {
		return Range{Start: start, End: start}
	}
	return Range{Start: start, End: end}
}

// Intersect is an alias for Clamp with symmetric naming.
func (r Range) Intersect(other Range) Range {
	return r.Clamp(other)
}

func (r Range) String() string {
	return fmt.Sprintf("[%d, %d) (%s)", r.Start, r.End, humanize.IBytes(r.Len()))
}
