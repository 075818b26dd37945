// Package driver defines the low-level accelerator API consumed by the accel package.
//
// It mirrors the shape of a vendor driver API (device enumeration, primary contexts, streams, events, asynchronous
// memory management, compiled modules and kernel launches), but as a Go interface so that different backends can be
// plugged in. See sub-package sim for a complete software implementation.
//
// All calls that act on a queue take the context explicitly: there is no ambient "current context".
package driver

import "fmt"

// DevicePtr is an address in the device address space of one context.
type DevicePtr uint64

// Offset returns the pointer moved by the given number of bytes.
func (p DevicePtr) Offset(bytes int) DevicePtr {
	return p + DevicePtr(bytes)
}

// String implements fmt.Stringer.
func (p DevicePtr) String() string {
	return fmt.Sprintf("0x%x", uint64(p))
}

// Handles are opaque values returned by the driver. The zero value is never a valid handle, except for Stream, where
// NullStream refers to the legacy default stream of a context.
type (
	Device   int
	Context  uintptr
	Stream   uintptr
	Event    uintptr
	Module   uintptr
	Function uintptr
)

// NullStream is the legacy default stream of every context.
const NullStream Stream = 0

// StreamKind selects how a new stream synchronizes with the NullStream.
type StreamKind int

const (
	// StreamDefault streams synchronize implicitly with the NullStream.
	StreamDefault StreamKind = iota

	// StreamNonBlocking streams only synchronize with other streams through events.
	StreamNonBlocking
)

// EventFlags configure a new event.
type EventFlags int

const (
	EventDefault EventFlags = 0

	// EventDisableTiming creates a lightweight event that can only be used for synchronization.
	EventDisableTiming EventFlags = 1 << 1
)

// Dim3 holds the dimensions of a launch grid or block.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the number of elements covered by the dimensions. Zero dimensions count as 1.
func (d Dim3) Size() int {
	return max(d.X, 1) * max(d.Y, 1) * max(d.Z, 1)
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", max(d.X, 1), max(d.Y, 1), max(d.Z, 1))
}

// LaunchConfig describes the geometry of a kernel launch.
type LaunchConfig struct {
	Grid, Block    Dim3
	SharedMemBytes int
}

// Driver is the accelerator API. Implementations must be safe for concurrent use.
//
// Asynchronous calls (the ones taking a Stream) only validate their arguments and enqueue the work: failures that
// happen while the work executes are reported by the next StreamSynchronize on that stream.
type Driver interface {
	// Name used to register the driver.
	Name() string

	// Init initializes the driver. It is idempotent.
	Init() error

	DeviceCount() (int, error)
	DeviceGet(ordinal int) (Device, error)
	DeviceName(dev Device) (string, error)
	DeviceTotalMem(dev Device) (int64, error)

	// PrimaryCtxRetain returns the primary context of the device, creating it on the first retain.
	PrimaryCtxRetain(dev Device) (Context, error)

	// PrimaryCtxRelease releases one reference to the primary context. The last release destroys it.
	PrimaryCtxRelease(dev Device) error
	CtxSetCurrent(ctx Context) error

	StreamCreate(ctx Context, kind StreamKind) (Stream, error)

	// StreamDestroy releases the stream: work already enqueued still runs to completion.
	StreamDestroy(ctx Context, stream Stream) error

	// StreamSynchronize blocks until all work enqueued in the stream is complete.
	StreamSynchronize(ctx Context, stream Stream) error

	// StreamWaitEvent makes all future work enqueued in stream wait for the last recording of event.
	StreamWaitEvent(ctx Context, stream Stream, event Event) error

	EventCreate(ctx Context, flags EventFlags) (Event, error)

	// EventRecord captures the work enqueued so far in stream: the event completes when that work completes.
	EventRecord(ctx Context, event Event, stream Stream) error
	EventSynchronize(ctx Context, event Event) error
	EventDestroy(ctx Context, event Event) error

	MemAllocAsync(ctx Context, bytes int, stream Stream) (DevicePtr, error)
	MemFreeAsync(ctx Context, ptr DevicePtr, stream Stream) error

	// MemsetAsync sets count consecutive elements starting at dst to the given byte pattern (one element).
	MemsetAsync(ctx Context, dst DevicePtr, pattern []byte, count int, stream Stream) error

	// MemcpyHtoDAsync copies src to the device. The driver is done with src when the call returns.
	MemcpyHtoDAsync(ctx Context, dst DevicePtr, src []byte, stream Stream) error

	// MemcpyDtoHAsync copies to dst when the work executes: dst must stay valid until the stream is synchronized.
	MemcpyDtoHAsync(ctx Context, dst []byte, src DevicePtr, stream Stream) error
	MemcpyDtoDAsync(ctx Context, dst, src DevicePtr, bytes int, stream Stream) error

	ModuleLoadData(ctx Context, image []byte) (Module, error)
	ModuleUnload(ctx Context, module Module) error
	ModuleGetFunction(ctx Context, module Module, name string) (Function, error)

	LaunchKernel(ctx Context, fn Function, config LaunchConfig, stream Stream, args []any) error
}
