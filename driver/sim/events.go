package sim

import (
	"sync"

	"github.com/gomlx/gocu/driver"
	"k8s.io/klog/v2"
)

// event holds the completion channel of its last recording: nil if it was never recorded.
type event struct {
	handle driver.Event
	flags  driver.EventFlags

	mu       sync.Mutex
	recorded <-chan struct{}
}

func (e *event) last() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recorded
}

// EventCreate implements driver.Driver.
func (d *Driver) EventCreate(ctxHandle driver.Context, flags driver.EventFlags) (driver.Event, error) {
	ctx, err := d.context("EventCreate", ctxHandle)
	if err != nil {
		return 0, err
	}
	handle := driver.Event(d.newHandle())
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.events[handle] = &event{handle: handle, flags: flags}
	klog.V(2).Infof("sim: event %d created in context %d", handle, ctx.handle)
	return handle, nil
}

// EventRecord implements driver.Driver.
func (d *Driver) EventRecord(ctxHandle driver.Context, handle driver.Event, streamHandle driver.Stream) error {
	const op = "EventRecord"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	e, err := ctx.event(op, handle)
	if err != nil {
		return err
	}
	s, err := ctx.stream(op, streamHandle)
	if err != nil {
		return err
	}

	// The event is updated while holding its lock, so that a concurrent wait sees either the previous recording or
	// this one, never a recording that is not enqueued.
	e.mu.Lock()
	defer e.mu.Unlock()
	reached, err := s.marker(op)
	if err != nil {
		return err
	}
	e.recorded = reached
	return nil
}

// StreamWaitEvent implements driver.Driver. Waiting on an event that was never recorded is a no-op.
func (d *Driver) StreamWaitEvent(ctxHandle driver.Context, streamHandle driver.Stream, handle driver.Event) error {
	const op = "StreamWaitEvent"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	e, err := ctx.event(op, handle)
	if err != nil {
		return err
	}
	s, err := ctx.stream(op, streamHandle)
	if err != nil {
		return err
	}
	recorded := e.last()
	if recorded == nil {
		return nil
	}
	return s.enqueue(op, func() error {
		<-recorded
		return nil
	})
}

// EventSynchronize implements driver.Driver.
func (d *Driver) EventSynchronize(ctxHandle driver.Context, handle driver.Event) error {
	ctx, err := d.context("EventSynchronize", ctxHandle)
	if err != nil {
		return err
	}
	e, err := ctx.event("EventSynchronize", handle)
	if err != nil {
		return err
	}
	if recorded := e.last(); recorded != nil {
		<-recorded
	}
	return nil
}

// EventDestroy implements driver.Driver. Pending waits on the event are not affected.
func (d *Driver) EventDestroy(ctxHandle driver.Context, handle driver.Event) error {
	ctx, err := d.context("EventDestroy", ctxHandle)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if _, found := ctx.events[handle]; !found {
		return driver.Errorf("EventDestroy", driver.ErrorInvalidHandle, "event %d not found in context %d", handle, ctx.handle)
	}
	delete(ctx.events, handle)
	klog.V(2).Infof("sim: event %d destroyed", handle)
	return nil
}
