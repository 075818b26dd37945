package accel

import (
	"fmt"
	"sync"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Device is a handle to one accelerator device. Create it with New or NewWithDriver, and Close it when done.
//
// It's shared by pointer and safe for concurrent use, but the ordering guarantees of the queues only hold for work
// enqueued from one goroutine.
type Device struct {
	noCopy noCopy

	drv         driver.Driver
	ordinal     int
	dev         driver.Device
	name        string
	totalMemory int64
	ctx         driver.Context

	// stream is the default queue: the driver's null stream, or a dedicated stream.
	stream    driver.Stream
	dedicated bool

	// event used to fork and join streams. muEvent makes each record and wait pair atomic.
	event   driver.Event
	muEvent sync.Mutex

	// mu protects the fields below.
	mu      sync.Mutex
	closed  bool
	table   allocationTable
	streams map[*Stream]struct{}
	events  map[*Event]struct{}

	// muModules protects modules.
	muModules sync.RWMutex
	modules   map[string]*module
}

// Option configures the creation of a Device.
type Option func(d *Device)

// WithDedicatedStream makes the Device create its own stream as the default queue, instead of using the driver's
// null stream.
func WithDedicatedStream() Option {
	return func(d *Device) {
		d.dedicated = true
	}
}

// New creates a Device for the accelerator with the given ordinal, using the default driver (see driver.Default).
func New(ordinal int, options ...Option) (*Device, error) {
	drv, err := driver.Default()
	if err != nil {
		return nil, err
	}
	return NewWithDriver(drv, ordinal, options...)
}

// NewWithDriver creates a Device for the accelerator with the given ordinal using the given driver.
//
// On failure, every resource already acquired is released, and no Device is returned.
func NewWithDriver(drv driver.Driver, ordinal int, options ...Option) (*Device, error) {
	d := &Device{
		drv:     drv,
		ordinal: ordinal,
		streams: make(map[*Stream]struct{}),
		events:  make(map[*Event]struct{}),
		modules: make(map[string]*module),
	}
	for _, option := range options {
		option(d)
	}

	var err error
	if err = drv.Init(); err != nil {
		return nil, errors.WithMessagef(err, "failed to initialize driver %q", drv.Name())
	}
	d.dev, err = drv.DeviceGet(ordinal)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get device #%d from driver %q", ordinal, drv.Name())
	}
	d.name, err = drv.DeviceName(d.dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get the name of device #%d", ordinal)
	}
	d.totalMemory, err = drv.DeviceTotalMem(d.dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get the memory of device #%d", ordinal)
	}

	// From here on, failures must undo the steps already taken. The undo functions capture the handles, not d.
	var undo []func() error
	created := false
	defer func() {
		if created {
			return
		}
		for ii := len(undo) - 1; ii >= 0; ii-- {
			if undoErr := undo[ii](); undoErr != nil {
				klog.Errorf("accel: while cleaning up failed creation of device #%d: %+v", ordinal, undoErr)
			}
		}
	}()

	dev := d.dev
	ctx, err := drv.PrimaryCtxRetain(dev)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to retain primary context of device #%d", ordinal)
	}
	undo = append(undo, func() error { return drv.PrimaryCtxRelease(dev) })
	if err = drv.CtxSetCurrent(ctx); err != nil {
		return nil, errors.WithMessagef(err, "failed to set context of device #%d", ordinal)
	}

	stream := driver.NullStream
	if d.dedicated {
		stream, err = drv.StreamCreate(ctx, driver.StreamDefault)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to create the default stream of device #%d", ordinal)
		}
		undo = append(undo, func() error { return drv.StreamDestroy(ctx, stream) })
	}

	event, err := drv.EventCreate(ctx, driver.EventDisableTiming)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create the synchronization event of device #%d", ordinal)
	}
	d.ctx, d.stream, d.event = ctx, stream, event
	created = true
	klog.V(1).Infof("accel: created %s", d)
	return d, nil
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	if d == nil {
		return "Device(nil)"
	}
	return fmt.Sprintf("Device #%d (%s, %s)", d.ordinal, d.name, d.drv.Name())
}

// Ordinal of the device in the driver.
func (d *Device) Ordinal() int { return d.ordinal }

// Name of the device reported by the driver.
func (d *Device) Name() string { return d.name }

// TotalMemory of the device in bytes.
func (d *Device) TotalMemory() int64 { return d.totalMemory }

// Driver used by the device.
func (d *Device) Driver() driver.Driver { return d.drv }

// IsClosed returns whether Close was called.
func (d *Device) IsClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// LiveAllocations returns the number of allocations of the device not yet closed.
func (d *Device) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.live
}

// AllocatedBytes returns the number of bytes in the allocations of the device not yet closed.
func (d *Device) AllocatedBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.bytes
}

// checkAlive returns ErrDeviceClosed if the device was closed.
func (d *Device) checkAlive() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.WithStack(ErrDeviceClosed)
	}
	return nil
}

// Synchronize blocks until all the work enqueued in the default queue is done.
func (d *Device) Synchronize() error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	if err := d.drv.StreamSynchronize(d.ctx, d.stream); err != nil {
		return errors.WithMessagef(err, "failed to synchronize %s", d)
	}
	return nil
}

// Close waits for all the work enqueued in the device, and releases all its resources: forked streams not yet
// closed are joined, allocations not yet closed are freed (with a warning), and modules are unloaded.
//
// It's idempotent: calls after the first are no-ops. Driver errors during the teardown are fatal (it panics).
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	streams := d.streams
	d.streams = nil
	for s := range streams {
		s.closed = true
	}
	events := d.events
	d.events = nil
	for e := range events {
		e.closed = true
	}
	d.mu.Unlock()

	drv, ctx := d.drv, d.ctx

	// Forked streams are joined into the default queue: the synchronization below waits for them.
	for s := range streams {
		klog.Warningf("accel: %s closed with a forked stream not closed, joining it", d)
		s.joinAndDestroy()
	}
	for e := range events {
		e.destroy()
	}
	fatalIfError(drv.StreamSynchronize(ctx, d.stream), "failed to synchronize %s while closing it", d)

	d.mu.Lock()
	leftovers := d.table.drain()
	d.mu.Unlock()
	if len(leftovers) > 0 {
		var bytes int
		for _, entry := range leftovers {
			fatalIfError(drv.MemFreeAsync(ctx, entry.ptr, d.stream), "failed to free %d bytes at %s while closing %s",
				entry.bytes, entry.ptr, d)
			bytes += entry.bytes
		}
		slicesAlive.Add(-int64(len(leftovers)))
		klog.Warningf("accel: %s closed with %d allocations (%d bytes) not closed, freed them", d, len(leftovers), bytes)
		fatalIfError(drv.StreamSynchronize(ctx, d.stream), "failed to synchronize %s while closing it", d)
	}

	d.muModules.Lock()
	for name, m := range d.modules {
		fatalIfError(drv.ModuleUnload(ctx, m.handle), "failed to unload module %q while closing %s", name, d)
	}
	d.modules = nil
	d.muModules.Unlock()

	if d.stream != driver.NullStream {
		fatalIfError(drv.StreamDestroy(ctx, d.stream), "failed to destroy the default stream of %s", d)
	}
	fatalIfError(drv.EventDestroy(ctx, d.event), "failed to destroy the synchronization event of %s", d)
	fatalIfError(drv.PrimaryCtxRelease(d.dev), "failed to release the primary context of %s", d)
	klog.V(1).Infof("accel: closed %s", d)
}

// Queue is where asynchronous work is enqueued: the default queue of a Device (the *Device itself), or a forked
// *Stream.
type Queue interface {
	queueDevice() *Device
	queueStream() (driver.Stream, error)
}

func (d *Device) queueDevice() *Device { return d }

func (d *Device) queueStream() (driver.Stream, error) {
	if err := d.checkAlive(); err != nil {
		return 0, err
	}
	return d.stream, nil
}

// Assert *Device is a Queue.
var _ Queue = (*Device)(nil)
