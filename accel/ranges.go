package accel

import (
	"fmt"
	"math"
)

// BoundKind is the kind of one end of a Range.
type BoundKind int

const (
	// Unbounded ends take the bound of the valid range they are resolved against.
	Unbounded BoundKind = iota
	Included
	Excluded
)

// Bound is one end of a Range.
type Bound struct {
	Kind  BoundKind
	Value int
}

// IncludedBound returns a bound that includes n.
func IncludedBound(n int) Bound { return Bound{Kind: Included, Value: n} }

// ExcludedBound returns a bound that excludes n.
func ExcludedBound(n int) Bound { return Bound{Kind: Excluded, Value: n} }

// UnboundedBound returns an open bound.
func UnboundedBound() Bound { return Bound{Kind: Unbounded} }

// Range of element indices, used to create views. The usual forms are created with:
//
//	Span(a, b)           a <= i < b
//	SpanInclusive(a, b)  a <= i <= b
//	From(a)              a <= i
//	To(b)                i < b
//	ToInclusive(b)       i <= b
//	Full()               all elements
//
// Less usual forms can be created with RangeOf.
type Range struct {
	Start, End Bound
}

// RangeOf creates a Range with the given bounds.
func RangeOf(start, end Bound) Range { return Range{Start: start, End: end} }

// Span returns the range [a, b).
func Span(a, b int) Range { return Range{IncludedBound(a), ExcludedBound(b)} }

// SpanInclusive returns the range [a, b].
func SpanInclusive(a, b int) Range { return Range{IncludedBound(a), IncludedBound(b)} }

// From returns the range [a, ...).
func From(a int) Range { return Range{IncludedBound(a), UnboundedBound()} }

// To returns the range [..., b).
func To(b int) Range { return Range{UnboundedBound(), ExcludedBound(b)} }

// ToInclusive returns the range [..., b].
func ToInclusive(b int) Range { return Range{UnboundedBound(), IncludedBound(b)} }

// Full returns the unbounded range.
func Full() Range { return Range{UnboundedBound(), UnboundedBound()} }

// Bounds resolves the range against valid, and returns the inclusive indices [start, end] it covers.
//
// Unbounded ends take the corresponding bound of valid (an unbounded start of valid is 0). It returns ok=false if a
// resolved bound is outside of valid, or if start > end. An excluded end of 0 never resolves.
func (r Range) Bounds(valid Range) (start, end int, ok bool) {
	validStart, validEnd, ok := valid.resolve(0, math.MaxInt)
	if !ok {
		return 0, 0, false
	}
	start, end, ok = r.resolve(validStart, validEnd)
	if !ok || start < validStart || end > validEnd || start > end {
		return 0, 0, false
	}
	return start, end, true
}

// resolve converts the bounds to inclusive indices, using the defaults for unbounded ends.
func (r Range) resolve(defaultStart, defaultEnd int) (start, end int, ok bool) {
	switch r.Start.Kind {
	case Included:
		start = r.Start.Value
	case Excluded:
		start = r.Start.Value + 1
	default:
		start = defaultStart
	}
	switch r.End.Kind {
	case Included:
		end = r.End.Value
	case Excluded:
		if r.End.Value == 0 {
			return 0, 0, false
		}
		end = r.End.Value - 1
	default:
		end = defaultEnd
	}
	return start, end, true
}

// String implements fmt.Stringer, using Go's slice expression notation extended with "=" for inclusive ends.
func (r Range) String() string {
	var start, end string
	switch r.Start.Kind {
	case Included:
		start = fmt.Sprintf("%d", r.Start.Value)
	case Excluded:
		start = fmt.Sprintf("%d<", r.Start.Value)
	}
	switch r.End.Kind {
	case Included:
		end = fmt.Sprintf("=%d", r.End.Value)
	case Excluded:
		end = fmt.Sprintf("%d", r.End.Value)
	}
	return fmt.Sprintf("[%s:%s]", start, end)
}
