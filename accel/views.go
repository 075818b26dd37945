package accel

import (
	"fmt"

	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

// View is a read-only window over a sub-range of a Slice. It doesn't own memory.
//
// While the View is not released, the Slice can't be closed nor mutably viewed: views are borrows of the Slice,
// checked at runtime. Release it when done.
type View[T dtypes.Supported] struct {
	slice    *Slice[T]
	start    int
	len      int
	released bool
}

// ViewMut is an exclusive, mutable window over a sub-range of a Slice. It doesn't own memory.
//
// While the ViewMut is not released, no other view of the Slice can be created, and the Slice can't be closed.
type ViewMut[T dtypes.Supported] struct {
	View[T]
}

// validRange of the Slice's indices.
func (s *Slice[T]) validRange() Range {
	return Span(0, s.len)
}

// borrow registers a view of the Slice. Conflicting borrows are fatal.
func (s *Slice[T]) borrow(exclusive bool, r Range) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		fatalf("cannot create view %s of %s: %v", r, s, ErrDeviceClosed)
	}
	if s.closed {
		fatalf("cannot create view %s of %s: %v", r, s, ErrClosed)
	}
	entry := d.table.get(s.handle)
	if entry == nil {
		fatalf("cannot create view %s of %s: allocation not found", r, s)
	}
	if entry.exclusive {
		fatalf("cannot create view %s of %s: it is already borrowed by a mutable view", r, s)
	}
	if exclusive {
		if entry.shared > 0 {
			fatalf("cannot create mutable view %s of %s: it is borrowed by %d views", r, s, entry.shared)
		}
		entry.exclusive = true
		return
	}
	entry.shared++
}

// unborrow returns a borrow taken with borrow. It's a no-op if the Slice allocation is gone.
func (s *Slice[T]) unborrow(exclusive bool) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	entry := d.table.get(s.handle)
	if entry == nil {
		return
	}
	if exclusive {
		entry.exclusive = false
	} else if entry.shared > 0 {
		entry.shared--
	}
}

// TrySlice returns a View of the elements of the Slice in the range r, or ok=false if r is not within the Slice.
func (s *Slice[T]) TrySlice(r Range) (view *View[T], ok bool) {
	start, end, ok := r.Bounds(s.validRange())
	if !ok {
		return nil, false
	}
	s.borrow(false, r)
	return &View[T]{slice: s, start: start, len: 1 + end - start}, true
}

// Slice is like TrySlice, but it panics if r is not within the Slice.
func (s *Slice[T]) Slice(r Range) *View[T] {
	view, ok := s.TrySlice(r)
	if !ok {
		panic(errors.Errorf("range %s out of bounds for %s", r, s))
	}
	return view
}

// TrySliceMut returns a ViewMut of the elements of the Slice in the range r, or ok=false if r is not within the Slice.
func (s *Slice[T]) TrySliceMut(r Range) (view *ViewMut[T], ok bool) {
	start, end, ok := r.Bounds(s.validRange())
	if !ok {
		return nil, false
	}
	s.borrow(true, r)
	return &ViewMut[T]{View[T]{slice: s, start: start, len: 1 + end - start}}, true
}

// SliceMut is like TrySliceMut, but it panics if r is not within the Slice.
func (s *Slice[T]) SliceMut(r Range) *ViewMut[T] {
	view, ok := s.TrySliceMut(r)
	if !ok {
		panic(errors.Errorf("range %s out of bounds for %s", r, s))
	}
	return view
}

// Release returns the borrow of the Slice. It's idempotent.
func (v *View[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	v.slice.unborrow(false)
}

// Release returns the exclusive borrow of the Slice. It's idempotent.
func (v *ViewMut[T]) Release() {
	if v.released {
		return
	}
	v.released = true
	v.slice.unborrow(true)
}

// Len returns the number of elements in the view.
func (v *View[T]) Len() int { return v.len }

// Start returns the index in the Slice of the first element of the view.
func (v *View[T]) Start() int { return v.start }

// Slice returns the Slice viewed.
func (v *View[T]) Slice() *Slice[T] { return v.slice }

// DevicePtr returns the address of the first element of the view in device memory.
func (v *View[T]) DevicePtr() driver.DevicePtr {
	return v.slice.ptr.Offset(v.start * sizeOf[T]())
}

// String implements fmt.Stringer.
func (v *View[T]) String() string {
	return fmt.Sprintf("View[%s](start=%d, len=%d) of %s", v.slice.DType(), v.start, v.len, v.slice)
}

// resolve checks that the view and its Slice are alive and returns the device pointer of the view.
func (v *View[T]) resolve() (driver.DevicePtr, error) {
	if v.released {
		return 0, errors.WithMessagef(ErrClosed, "%s already released", v)
	}
	ptr, err := v.slice.resolve()
	if err != nil {
		return 0, err
	}
	return ptr.Offset(v.start * sizeOf[T]()), nil
}

// ToHost copies the elements of the view to a new Go slice. Like Slice.ToHost, it blocks until the default queue
// is drained.
func (v *View[T]) ToHost() ([]T, error) {
	ptr, err := v.resolve()
	if err != nil {
		return nil, err
	}
	dst := make([]T, v.len)
	if err = copyToHost(v.slice.device, dst, ptr); err != nil {
		return nil, err
	}
	return dst, nil
}

// Fill sets the elements of the view to value, asynchronously in the default queue.
func (v *ViewMut[T]) Fill(value T) error {
	return v.FillOn(v.slice.device, value)
}

// FillOn sets the elements of the view to value, asynchronously in the queue q.
func (v *ViewMut[T]) FillOn(q Queue, value T) error {
	ptr, err := v.resolve()
	if err != nil {
		return err
	}
	stream, err := v.slice.queueFor(q)
	if err != nil {
		return err
	}
	return errors.WithMessagef(memset(v.slice.device, ptr, v.len, value, stream), "failed to fill %s", v)
}

// CopyFromHost copies src (that must have the same length as the view) into the view's elements, asynchronously in
// the default queue.
func (v *ViewMut[T]) CopyFromHost(src []T) error {
	return v.CopyFromHostOn(v.slice.device, src)
}

// CopyFromHostOn is like CopyFromHost, but the copy is ordered in the queue q.
func (v *ViewMut[T]) CopyFromHostOn(q Queue, src []T) error {
	if len(src) != v.len {
		return errors.Errorf("cannot copy %d host values into %s: lengths differ", len(src), v)
	}
	ptr, err := v.resolve()
	if err != nil {
		return err
	}
	stream, err := v.slice.queueFor(q)
	if err != nil {
		return err
	}
	return copyFromHost(v.slice.device, ptr, src, stream)
}

// queueFor checks q belongs to the device of the Slice and returns its stream.
func (s *Slice[T]) queueFor(q Queue) (driver.Stream, error) {
	if q.queueDevice() != s.device {
		return 0, errors.Errorf("queue of %s can't be used with a slice of %s", q.queueDevice(), s.device)
	}
	return q.queueStream()
}
