package accel

import (
	"fmt"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestRangeBounds(t *testing.T) {
	type bounds struct {
		start, end int
		ok         bool
	}
	testCases := []struct {
		r, valid Range
		want     bounds
	}{
		{To(2), Span(0, 4), bounds{0, 1, true}},
		{Span(1, 2), Span(0, 4), bounds{1, 1, true}},
		{Full(), Span(1, 10), bounds{1, 9, true}},
		{SpanInclusive(2, 2), Span(0, 4), bounds{2, 2, true}},
		{SpanInclusive(2, 2), SpanInclusive(0, 1), bounds{}},
		{Span(2, 2), Span(0, 4), bounds{}},
		{Span(5, 6), Span(0, 4), bounds{}},
		{Span(2, 1), Span(0, 4), bounds{}},
		{From(3), Span(0, 4), bounds{3, 3, true}},
		{From(4), Span(0, 4), bounds{}},
		{ToInclusive(3), Span(0, 4), bounds{0, 3, true}},
		{ToInclusive(4), Span(0, 4), bounds{}},
		{To(0), Span(0, 4), bounds{}},
		{Full(), Span(0, 0), bounds{}},
		{Full(), RangeOf(UnboundedBound(), ExcludedBound(3)), bounds{0, 2, true}},
		{RangeOf(ExcludedBound(0), IncludedBound(2)), Span(0, 4), bounds{1, 2, true}},
		{RangeOf(ExcludedBound(3), UnboundedBound()), Span(0, 4), bounds{}},
	}
	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%s in %s", tc.r, tc.valid), func(t *testing.T) {
			start, end, ok := tc.r.Bounds(tc.valid)
			require.Equal(t, tc.want, bounds{start, end, ok})
		})
	}
}

func TestViews(t *testing.T) {
	dev, _ := newTestDevice(t)

	// 2x1x1x2 tensor [[[[0, 1]]], [[[2, 3]]]].
	s := must.M1(AllocFrom(dev, []float32{0, 1, 2, 3}))
	defer s.Close()
	require.Equal(t, []float32{0, 1, 2, 3}, must.M1(s.ToHost()))

	head, ok := s.TrySlice(To(2))
	require.True(t, ok)
	require.Equal(t, 2, head.Len())
	require.Equal(t, 0, head.Start())
	require.Equal(t, s.DevicePtr(), head.DevicePtr())
	require.Equal(t, []float32{0, 1}, must.M1(head.ToHost()))
	head.Release()

	_, ok = s.TrySlice(Span(5, 6))
	require.False(t, ok)
	_, ok = s.TrySlice(Span(2, 1))
	require.False(t, ok)
	require.Panics(t, func() { s.Slice(Span(5, 6)) })

	// Views agree with the bounds resolution.
	for _, r := range []Range{Full(), From(1), SpanInclusive(1, 2), Span(3, 4)} {
		start, end, ok := r.Bounds(Span(0, 4))
		require.True(t, ok)
		view := s.Slice(r)
		require.Equal(t, 1+end-start, view.Len())
		require.Equal(t, s.DevicePtr().Offset(4*start), view.DevicePtr())
		require.Equal(t, []float32{0, 1, 2, 3}[start:end+1], must.M1(view.ToHost()))
		view.Release()
	}

	tail := s.SliceMut(From(2))
	require.NoError(t, tail.Fill(9))
	require.Error(t, tail.CopyFromHost([]float32{1, 2, 3}))
	require.Equal(t, []float32{9, 9}, must.M1(tail.ToHost()))
	require.NoError(t, tail.CopyFromHost([]float32{7, 8}))
	tail.Release()
	require.Equal(t, []float32{0, 1, 7, 8}, must.M1(s.ToHost()))

	_, err := tail.ToHost()
	require.ErrorIs(t, err, ErrClosed)
}

func TestBorrowRules(t *testing.T) {
	dev, _ := newTestDevice(t)
	s := must.M1(AllocFrom(dev, []int32{0, 1, 2, 3}))

	// Many shared views are fine.
	v1 := s.Slice(Full())
	v2 := s.Slice(To(1))

	// But not a mutable view at the same time.
	require.Panics(t, func() { s.SliceMut(From(2)) })

	// Nor closing the slice.
	require.Panics(t, s.Close)
	v1.Release()
	v1.Release() // Idempotent.
	require.Panics(t, s.Close)
	v2.Release()

	// One mutable view excludes all others.
	m := s.SliceMut(Full())
	require.Panics(t, func() { s.Slice(To(1)) })
	require.Panics(t, func() { s.SliceMut(To(1)) })
	m.Release()

	s.Close()
	require.Panics(t, func() { s.Slice(To(1)) })
}
