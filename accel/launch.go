package accel

import (
	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
)

// DevicePointer is implemented by Slice and views. Launch arguments implementing it are passed to the kernel as
// their device pointer.
type DevicePointer interface {
	DevicePtr() driver.DevicePtr
}

// resolver is implemented by Slice and views: resolve fails if they were closed or released.
type resolver interface {
	resolve() (driver.DevicePtr, error)
}

// LaunchConfig is returned by Function.Launch to configure the launch. Call Done to enqueue it.
type LaunchConfig struct {
	fn     *Function
	args   []any
	config driver.LaunchConfig
	queue  Queue
	err    error
}

// Launch returns a builder for a launch of the function with the given arguments. By default, it launches a single
// block of one thread in the default queue of the device. Example:
//
//	err := fn.Launch(x, n).WithGrid(driver.Dim3{X: (n+255)/256}).WithBlock(driver.Dim3{X: 256}).Done()
func (fn *Function) Launch(args ...any) *LaunchConfig {
	return &LaunchConfig{
		fn:    fn,
		args:  args,
		queue: fn.device,
		config: driver.LaunchConfig{
			Grid:  driver.Dim3{X: 1, Y: 1, Z: 1},
			Block: driver.Dim3{X: 1, Y: 1, Z: 1},
		},
	}
}

// WithGrid sets the dimensions of the grid of blocks.
func (c *LaunchConfig) WithGrid(grid driver.Dim3) *LaunchConfig {
	c.config.Grid = grid
	return c
}

// WithBlock sets the dimensions of each block.
func (c *LaunchConfig) WithBlock(block driver.Dim3) *LaunchConfig {
	c.config.Block = block
	return c
}

// WithSharedMemory sets the number of bytes of shared memory per block.
func (c *LaunchConfig) WithSharedMemory(bytes int) *LaunchConfig {
	if bytes < 0 {
		c.err = errors.Errorf("invalid shared memory size %d", bytes)
		return c
	}
	c.config.SharedMemBytes = bytes
	return c
}

// OnQueue sets the queue where to enqueue the launch: the default queue of the device, or a Stream.
func (c *LaunchConfig) OnQueue(q Queue) *LaunchConfig {
	if q.queueDevice() != c.fn.device {
		c.err = errors.Errorf("cannot launch %s on a queue of %s", c.fn, q.queueDevice())
		return c
	}
	c.queue = q
	return c
}

// Done enqueues the launch. It returns without waiting for the kernel to run: errors while it runs are reported by
// the next synchronization of the queue.
func (c *LaunchConfig) Done() error {
	if c.err != nil {
		return c.err
	}
	stream, err := c.queue.queueStream()
	if err != nil {
		return err
	}
	args := make([]any, len(c.args))
	for ii, arg := range c.args {
		switch typed := arg.(type) {
		case resolver:
			args[ii], err = typed.resolve()
			if err != nil {
				return errors.WithMessagef(err, "argument #%d of %s", ii, c.fn)
			}
		case DevicePointer:
			args[ii] = typed.DevicePtr()
		default:
			args[ii] = arg
		}
	}
	d := c.fn.device
	err = d.drv.LaunchKernel(d.ctx, c.fn.handle, c.config, stream, args)
	return errors.WithMessagef(err, "failed to launch %s with grid %s and block %s", c.fn, c.config.Grid, c.config.Block)
}
