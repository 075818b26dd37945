// Package accel manages the resources of one accelerator device: its memory allocations, execution queues (streams)
// and the synchronization between them.
//
// The main types are:
//
//   - Device: the handle to one physical device. It owns the primary context, the default queue and the compiled
//     modules loaded in the device. Close it when done: it waits for all outstanding work and releases everything.
//   - Slice[T]: an owning allocation of device memory. Allocation, copies and frees are asynchronous, in the order
//     of the default queue. Only ToHost (and Synchronize) block.
//   - View[T] and ViewMut[T]: bounds-checked sub-ranges of a Slice, created with Range values.
//   - Stream: a secondary queue forked from the default queue: it starts after the work already enqueued in the
//     default queue, and the default queue waits for it when it is closed.
//
// Example:
//
//	dev, err := accel.New(0)
//	if err != nil { ... }
//	defer dev.Close()
//	x, err := accel.AllocFrom(dev, []float32{0, 1, 2, 3})
//	if err != nil { ... }
//	defer x.Close()
//	head := x.Slice(accel.To(2))  // Elements 0 and 1.
//	defer head.Release()
//	values, err := head.ToHost()
//
// Errors of the driver are returned, except during teardown (Close methods), where they are fatal: they are logged
// and the method panics. Misuse of the borrowing discipline of views also panics.
package accel

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrDeviceClosed is returned by operations on a Device, or on its slices and streams, after Device.Close.
	ErrDeviceClosed = errors.New("device already closed")

	// ErrClosed is returned by operations on a Slice, Stream or Event that was already closed.
	ErrClosed = errors.New("already closed")
)

// fatalf logs and panics with the formatted error.
func fatalf(format string, args ...any) {
	err := errors.Errorf(format, args...)
	klog.Errorf("accel: %v", err)
	panic(err)
}

// fatalIfError logs and panics if err is not nil.
func fatalIfError(err error, format string, args ...any) {
	if err == nil {
		return
	}
	err = errors.WithMessagef(err, format, args...)
	klog.Errorf("accel: %v", err)
	panic(err)
}

var slicesAlive atomic.Int64

// SlicesAlive returns the number of Slices (across all devices) with device memory still allocated.
func SlicesAlive() int64 {
	return slicesAlive.Load()
}

// noCopy may be embedded into structs which must not be copied after the first use: `go vet` flags copies.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
