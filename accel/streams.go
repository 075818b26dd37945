package accel

import (
	"fmt"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Stream is a secondary queue of a Device, created with Device.ForkStream.
//
// Work enqueued in the Stream starts only after the work enqueued in the default queue before the fork. Closing the
// Stream joins it: work enqueued in the default queue after the Close starts only after all the Stream's work.
// Between fork and join, the two queues run independently: use WaitFor and WaitForDefault to order them.
type Stream struct {
	device *Device
	handle driver.Stream
	closed bool
}

// ForkStream creates a new Stream that waits for the work already enqueued in the default queue.
// It doesn't block the calling goroutine.
func (d *Device) ForkStream() (*Stream, error) {
	if err := d.checkAlive(); err != nil {
		return nil, err
	}
	handle, err := d.drv.StreamCreate(d.ctx, driver.StreamNonBlocking)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create stream in %s", d)
	}
	s := &Stream{device: d, handle: handle}
	if err = s.waitFor(d.stream); err != nil {
		if destroyErr := d.drv.StreamDestroy(d.ctx, handle); destroyErr != nil {
			klog.Errorf("accel: failed to destroy stream after failed fork: %+v", destroyErr)
		}
		return nil, errors.WithMessagef(err, "failed to fork stream from the default queue of %s", d)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		// Device closed concurrently.
		fatalIfError(d.drv.StreamDestroy(d.ctx, handle), "failed to destroy stream forked while closing %s", d)
		return nil, errors.WithStack(ErrDeviceClosed)
	}
	d.streams[s] = struct{}{}
	klog.V(2).Infof("accel: forked %s", s)
	return s, nil
}

// String implements fmt.Stringer.
func (s *Stream) String() string {
	return fmt.Sprintf("Stream(%d) of %s", s.handle, s.device)
}

// Device returns the device of the stream.
func (s *Stream) Device() *Device { return s.device }

// record the work enqueued so far in from in the device event, and make `to` wait for it.
func (d *Device) recordAndWait(from, to driver.Stream) error {
	d.muEvent.Lock()
	defer d.muEvent.Unlock()
	if err := d.drv.EventRecord(d.ctx, d.event, from); err != nil {
		return err
	}
	return d.drv.StreamWaitEvent(d.ctx, to, d.event)
}

// waitFor makes s wait for the work enqueued so far in stream.
func (s *Stream) waitFor(stream driver.Stream) error {
	return s.device.recordAndWait(stream, s.handle)
}

func (s *Stream) check() error {
	d := s.device
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return errors.WithStack(ErrDeviceClosed)
	}
	if s.closed {
		return errors.WithMessagef(ErrClosed, "%s", s)
	}
	return nil
}

// WaitForDefault makes the work enqueued in the stream from now on wait for the work already enqueued in the
// default queue of its device.
func (s *Stream) WaitForDefault() error {
	if err := s.check(); err != nil {
		return err
	}
	return errors.WithMessagef(s.waitFor(s.device.stream), "%s failed to wait for the default queue", s)
}

// WaitFor makes the work enqueued in the default queue from now on wait for the work already enqueued in s.
func (d *Device) WaitFor(s *Stream) error {
	if s.device != d {
		return errors.Errorf("%s is not a stream of %s", s, d)
	}
	if err := s.check(); err != nil {
		return err
	}
	return errors.WithMessagef(d.recordAndWait(s.handle, d.stream), "default queue failed to wait for %s", s)
}

// Synchronize blocks until all the work enqueued in the stream is done.
func (s *Stream) Synchronize() error {
	if err := s.check(); err != nil {
		return err
	}
	return errors.WithMessagef(s.device.drv.StreamSynchronize(s.device.ctx, s.handle), "failed to synchronize %s", s)
}

// Close joins the stream into the default queue of the device (see Stream) and destroys it. It doesn't block.
//
// It's idempotent, and a no-op after the device is closed (Device.Close joins the streams not closed).
// Driver errors are fatal.
func (s *Stream) Close() {
	d := s.device
	d.mu.Lock()
	if s.closed || d.closed {
		d.mu.Unlock()
		return
	}
	s.closed = true
	delete(d.streams, s)
	d.mu.Unlock()
	s.joinAndDestroy()
}

func (s *Stream) joinAndDestroy() {
	d := s.device
	fatalIfError(d.recordAndWait(s.handle, d.stream), "failed to join %s", s)
	fatalIfError(d.drv.StreamDestroy(d.ctx, s.handle), "failed to destroy %s", s)
	klog.V(2).Infof("accel: joined %s", s)
}

func (s *Stream) queueDevice() *Device { return s.device }

func (s *Stream) queueStream() (driver.Stream, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.handle, nil
}

// Assert *Stream is a Queue.
var _ Queue = (*Stream)(nil)
