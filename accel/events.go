package accel

import (
	"fmt"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event marks a point in a queue, that other queues (or the host) can wait for.
//
// Events not closed are destroyed when their Device is closed.
type Event struct {
	device *Device
	handle driver.Event
	closed bool
}

// NewEvent creates an Event. It must be recorded (Event.Record) before being waited for, otherwise waits are no-ops.
func (d *Device) NewEvent() (*Event, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	handle, err := d.drv.EventCreate(d.ctx, driver.EventDisableTiming)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create event in %s", d)
	}
	e := &Event{device: d, handle: handle}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		fatalIfError(d.drv.EventDestroy(d.ctx, handle), "failed to destroy event created while closing %s", d)
		return nil, errors.WithStack(ErrDeviceClosed)
	}
	d.events[e] = struct{}{}
	return e, nil
}

// String implements fmt.Stringer.
func (e *Event) String() string {
	return fmt.Sprintf("Event(%d) of %s", e.handle, e.device)
}

func (e *Event) check() error {
	d := e.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.WithStack(ErrDeviceClosed)
	}
	if e.closed {
		return errors.WithMessagef(ErrClosed, "%s", e)
	}
	return nil
}

// Record captures the work enqueued so far in q.
func (e *Event) Record(q Queue) error {
	if err := e.check(); err != nil {
		return err
	}
	if q.queueDevice() != e.device {
		return errors.Errorf("can't record %s in a queue of %s", e, q.queueDevice())
	}
	stream, err := q.queueStream()
	if err != nil {
		return err
	}
	return errors.WithMessagef(e.device.drv.EventRecord(e.device.ctx, e.handle, stream), "failed to record %s", e)
}

// WaitOn makes the work enqueued in q from now on wait for the last recording of the event.
func (e *Event) WaitOn(q Queue) error {
	if err := e.check(); err != nil {
		return err
	}
	if q.queueDevice() != e.device {
		return errors.Errorf("can't wait for %s in a queue of %s", e, q.queueDevice())
	}
	stream, err := q.queueStream()
	if err != nil {
		return err
	}
	return errors.WithMessagef(e.device.drv.StreamWaitEvent(e.device.ctx, stream, e.handle), "failed to wait for %s", e)
}

// Synchronize blocks until the work captured by the last recording of the event is done.
func (e *Event) Synchronize() error {
	if err := e.check(); err != nil {
		return err
	}
	return errors.WithMessagef(e.device.drv.EventSynchronize(e.device.ctx, e.handle), "failed to synchronize %s", e)
}

// Close destroys the event. Waits already enqueued are not affected.
//
// It's idempotent, and a no-op after the device is closed. Driver errors are fatal.
func (e *Event) Close() {
	d := e.device
	d.mu.Lock()
	if e.closed || d.closed {
		d.mu.Unlock()
		return
	}
	e.closed = true
	delete(d.events, e)
	d.mu.Unlock()
	e.destroy()
}

func (e *Event) destroy() {
	d := e.device
	fatalIfError(d.drv.EventDestroy(d.ctx, e.handle), "failed to destroy %s", e)
	klog.V(2).Infof("accel: destroyed %s", e)
}
