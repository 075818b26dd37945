package accel

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Slice is an owning allocation of Len() elements of type T in the memory of a Device.
//
// Allocation, copies and the final free are asynchronous, in the order of the default queue of the device (or of
// the queue given to the "...On" methods). Close it when done: otherwise the memory is only freed (with a warning)
// when the Slice is garbage collected or when the Device is closed.
type Slice[T dtypes.Supported] struct {
	device *Device
	handle allocationHandle
	ptr    driver.DevicePtr
	len    int

	// host is a copy of the values the slice was created from, if created with AllocFrom.
	host []T

	// closed is protected by device.mu.
	closed  bool
	cleanup runtime.Cleanup
}

// sizeOf returns the size in bytes of one element of type T.
func sizeOf[T dtypes.Supported]() int {
	var zero T
	return int(unsafe.Sizeof(zero))
}

// asBytes returns the memory of values as a byte slice, without copying.
func asBytes[T dtypes.Supported](values []T) []byte {
	if len(values) == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&values[0])), len(values)*sizeOf[T]())
}

// sliceRelease holds what the cleanup of a leaked Slice needs: it must not refer to the Slice itself.
type sliceRelease struct {
	device *Device
	handle allocationHandle
}

// Alloc allocates n elements of type T in the device, without initializing them.
//
// It returns without waiting for the allocation: it's ordered in the default queue of the device.
// An empty slice (n == 0) has no device memory and doesn't call the driver.
func Alloc[T dtypes.Supported](d *Device, n int) (*Slice[T], error) {
	if n < 0 {
		return nil, errors.Errorf("cannot allocate a negative number (%d) of elements", n)
	}
	s := &Slice[T]{device: d, handle: noAllocation, len: n}
	if n == 0 {
		if err := d.checkAlive(); err != nil {
			return nil, err
		}
		return s, nil
	}

	bytes := n * sizeOf[T]()
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.WithStack(ErrDeviceClosed)
	}
	ptr, err := d.drv.MemAllocAsync(d.ctx, bytes, d.stream)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %d elements of %s (%d bytes) in %s",
			n, dtypes.FromGenericsType[T](), bytes, d)
	}
	s.ptr = ptr
	s.handle = d.table.insert(ptr, bytes)
	slicesAlive.Add(1)
	s.cleanup = runtime.AddCleanup(s, func(r sliceRelease) {
		r.device.mu.Lock()
		defer r.device.mu.Unlock()
		r.device.freeLocked(r.handle, true)
	}, sliceRelease{device: d, handle: s.handle})
	klog.V(2).Infof("accel: allocated %d bytes at %s in %s", bytes, ptr, d)
	return s, nil
}

// AllocZeros allocates n elements of type T in the device, initialized to zero.
func AllocZeros[T dtypes.Supported](d *Device, n int) (*Slice[T], error) {
	s, err := Alloc[T](d, n)
	if err != nil {
		return nil, err
	}
	var zero T
	if err = s.Fill(zero); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// freeLocked frees the allocation of the handle in the default queue. It must be called with d.mu locked.
//
// If leaked is true, it's being called by the cleanup of a Slice garbage collected without being closed: problems
// are logged, instead of being fatal.
func (d *Device) freeLocked(h allocationHandle, leaked bool) {
	if d.closed {
		// Teardown already freed everything.
		return
	}
	entry := d.table.get(h)
	if entry == nil {
		return
	}
	if entry.borrowed() {
		if leaked {
			klog.Errorf("accel: leaked allocation at %s in %s still has views borrowing it", entry.ptr, d)
		} else {
			fatalf("closing allocation at %s in %s while it is still borrowed by views (shared=%d, exclusive=%v)",
				entry.ptr, d, entry.shared, entry.exclusive)
		}
	}
	removed, _ := d.table.remove(h)
	slicesAlive.Add(-1)
	err := d.drv.MemFreeAsync(d.ctx, removed.ptr, d.stream)
	if leaked {
		klog.Warningf("accel: allocation of %d bytes at %s in %s garbage collected without being closed",
			removed.bytes, removed.ptr, d)
		if err != nil {
			klog.Errorf("accel: failed to free leaked allocation at %s: %+v", removed.ptr, err)
		}
		return
	}
	fatalIfError(err, "failed to free %d bytes at %s in %s", removed.bytes, removed.ptr, d)
	klog.V(2).Infof("accel: freed %d bytes at %s in %s", removed.bytes, removed.ptr, d)
}

// Close frees the device memory, asynchronously in the default queue of the device.
//
// It's idempotent, and a no-op after the device was closed (the device teardown frees all allocations).
// Closing a Slice that still has views (not released) is a fatal error, and so are driver errors.
func (s *Slice[T]) Close() {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if s.closed {
		return
	}
	if s.len > 0 && !d.closed {
		d.freeLocked(s.handle, false)
	}
	s.closed = true
	s.cleanup.Stop()
}

// IsClosed returns whether the Slice was closed, or if its device was closed.
func (s *Slice[T]) IsClosed() bool {
	s.device.mu.Lock()
	defer s.device.mu.Unlock()
	return s.closed || s.device.closed
}

// Len returns the number of elements.
func (s *Slice[T]) Len() int { return s.len }

// Bytes returns the size of the allocation in bytes.
func (s *Slice[T]) Bytes() int { return s.len * sizeOf[T]() }

// DType returns the dtype of the elements.
func (s *Slice[T]) DType() dtypes.DType { return dtypes.FromGenericsType[T]() }

// Device returns the owning device.
func (s *Slice[T]) Device() *Device { return s.device }

// DevicePtr returns the address of the first element in device memory, or 0 for empty slices.
//
// It's only valid while the Slice is not closed.
func (s *Slice[T]) DevicePtr() driver.DevicePtr { return s.ptr }

// HostMirror returns the values the Slice was created from with AllocFrom, or nil. It's not updated by any operation
// on the Slice.
func (s *Slice[T]) HostMirror() []T { return s.host }

// String implements fmt.Stringer.
func (s *Slice[T]) String() string {
	return fmt.Sprintf("Slice[%s](len=%d, ptr=%s)", s.DType(), s.len, s.ptr)
}

// resolve checks that the Slice (and its device) are alive, and returns its device pointer.
func (s *Slice[T]) resolve() (driver.DevicePtr, error) {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, errors.WithStack(ErrDeviceClosed)
	}
	if s.closed || (s.len > 0 && d.table.get(s.handle) == nil) {
		return 0, errors.WithMessagef(ErrClosed, "%s", s)
	}
	return s.ptr, nil
}

// resolveOn checks that q belongs to the device of the Slice, and returns the device pointer and the queue's stream.
func (s *Slice[T]) resolveOn(q Queue) (driver.DevicePtr, driver.Stream, error) {
	stream, err := s.queueFor(q)
	if err != nil {
		return 0, 0, err
	}
	ptr, err := s.resolve()
	return ptr, stream, err
}

// memset sets n elements starting at ptr to v, in the given stream.
func memset[T dtypes.Supported](d *Device, ptr driver.DevicePtr, n int, v T, stream driver.Stream) error {
	if n == 0 {
		return nil
	}
	pattern := asBytes([]T{v})
	return d.drv.MemsetAsync(d.ctx, ptr, pattern, n, stream)
}

// Fill sets all elements to v, asynchronously in the default queue.
func (s *Slice[T]) Fill(v T) error {
	return s.FillOn(s.device, v)
}

// FillOn sets all elements to v, asynchronously in the queue q.
func (s *Slice[T]) FillOn(q Queue, v T) error {
	ptr, stream, err := s.resolveOn(q)
	if err != nil {
		return err
	}
	return errors.WithMessagef(memset(s.device, ptr, s.len, v, stream), "failed to fill %s", s)
}

// CopyFrom copies the contents of src (that must have the same length) into s, asynchronously in the default queue.
func (s *Slice[T]) CopyFrom(src *Slice[T]) error {
	return s.CopyFromOn(s.device, src)
}

// CopyFromOn copies the contents of src (that must have the same length) into s, asynchronously in the queue q.
func (s *Slice[T]) CopyFromOn(q Queue, src *Slice[T]) error {
	if src.len != s.len {
		return errors.Errorf("cannot copy %s into %s: lengths differ", src, s)
	}
	if src.device != s.device {
		return errors.Errorf("cannot copy %s into %s: slices are on different devices", src, s)
	}
	dstPtr, stream, err := s.resolveOn(q)
	if err != nil {
		return err
	}
	srcPtr, err := src.resolve()
	if err != nil {
		return err
	}
	if s.len == 0 {
		return nil
	}
	err = s.device.drv.MemcpyDtoDAsync(s.device.ctx, dstPtr, srcPtr, s.Bytes(), stream)
	return errors.WithMessagef(err, "failed to copy %s into %s", src, s)
}

// Duplicate allocates a new Slice and copies the contents of s into it, asynchronously in the default queue.
// The new Slice never aliases s.
func (s *Slice[T]) Duplicate() (*Slice[T], error) {
	if _, err := s.resolve(); err != nil {
		return nil, err
	}
	dup, err := Alloc[T](s.device, s.len)
	if err != nil {
		return nil, err
	}
	if err = dup.CopyFrom(s); err != nil {
		dup.Close()
		return nil, err
	}
	return dup, nil
}
