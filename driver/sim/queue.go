package sim

import (
	"sync"

	"github.com/gomlx/gocu/driver"
	"k8s.io/klog/v2"
)

// command is one unit of work executed by a stream.
type command func() error

// stream executes its commands in FIFO order in its own goroutine.
type stream struct {
	handle   driver.Stream
	commands chan command
	done     chan struct{}

	// mu protects stopped and the sending to commands.
	mu      sync.Mutex
	stopped bool

	// errMu protects err, the first error since the last synchronization.
	errMu sync.Mutex
	err   error
}

func newStream(handle driver.Stream, depth int) *stream {
	s := &stream{
		handle:   handle,
		commands: make(chan command, depth),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for cmd := range s.commands {
		if err := cmd(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			} else {
				klog.V(2).Infof("sim: stream %d: additional error after %v: %v", s.handle, s.err, err)
			}
			s.errMu.Unlock()
		}
	}
}

// enqueue adds cmd to the stream. It blocks if the stream queue is full.
func (s *stream) enqueue(op string, cmd command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return driver.Errorf(op, driver.ErrorInvalidHandle, "stream %d already destroyed", s.handle)
	}
	s.commands <- cmd
	return nil
}

// marker enqueues a command that closes the returned channel when it executes.
func (s *stream) marker(op string) (<-chan struct{}, error) {
	reached := make(chan struct{})
	err := s.enqueue(op, func() error {
		close(reached)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reached, nil
}

// synchronize waits for all commands enqueued so far, and returns (and clears) the first error they reported.
func (s *stream) synchronize(op string) error {
	reached, err := s.marker(op)
	if err != nil {
		return err
	}
	<-reached
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err = s.err
	s.err = nil
	return err
}

// stop lets the enqueued commands finish and then stops the worker goroutine. It is idempotent.
func (s *stream) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.commands)
	}
	s.mu.Unlock()
	<-s.done
	s.errMu.Lock()
	if s.err != nil {
		klog.Warningf("sim: stream %d destroyed with unreported error: %v", s.handle, s.err)
	}
	s.errMu.Unlock()
}

// StreamCreate implements driver.Driver. Streams of both kinds only synchronize with others through events.
func (d *Driver) StreamCreate(ctxHandle driver.Context, kind driver.StreamKind) (driver.Stream, error) {
	ctx, err := d.context("StreamCreate", ctxHandle)
	if err != nil {
		return 0, err
	}
	handle := driver.Stream(d.newHandle())
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.streams[handle] = newStream(handle, d.config.QueueDepth)
	klog.V(2).Infof("sim: stream %d (kind=%d) created in context %d", handle, kind, ctx.handle)
	return handle, nil
}

// StreamDestroy implements driver.Driver. Commands already enqueued still execute.
func (d *Driver) StreamDestroy(ctxHandle driver.Context, handle driver.Stream) error {
	ctx, err := d.context("StreamDestroy", ctxHandle)
	if err != nil {
		return err
	}
	if handle == driver.NullStream {
		return driver.Errorf("StreamDestroy", driver.ErrorInvalidHandle, "the null stream can't be destroyed")
	}
	ctx.mu.Lock()
	s, found := ctx.streams[handle]
	delete(ctx.streams, handle)
	ctx.mu.Unlock()
	if !found {
		return driver.Errorf("StreamDestroy", driver.ErrorInvalidHandle, "stream %d not found in context %d", handle, ctx.handle)
	}
	s.stop()
	klog.V(2).Infof("sim: stream %d destroyed", handle)
	return nil
}

// StreamSynchronize implements driver.Driver.
func (d *Driver) StreamSynchronize(ctxHandle driver.Context, handle driver.Stream) error {
	ctx, err := d.context("StreamSynchronize", ctxHandle)
	if err != nil {
		return err
	}
	s, err := ctx.stream("StreamSynchronize", handle)
	if err != nil {
		return err
	}
	return s.synchronize("StreamSynchronize")
}

// enqueue is a shortcut to resolve the stream and enqueue cmd.
func (ctx *simContext) enqueue(op string, handle driver.Stream, cmd command) error {
	s, err := ctx.stream(op, handle)
	if err != nil {
		return err
	}
	return s.enqueue(op, cmd)
}
