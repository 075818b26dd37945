package sim

import (
	"slices"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// LaunchKernel implements driver.Driver.
//
// When the launch executes, the kernel is called for every block of the grid, with at most Config.Workers blocks
// running in parallel. The first error (or panic) of a block fails the launch, and it is reported by the next
// synchronization of the stream.
func (d *Driver) LaunchKernel(ctxHandle driver.Context, fnHandle driver.Function, config driver.LaunchConfig,
	streamHandle driver.Stream, args []any) error {
	const op = "LaunchKernel"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	fn, found := ctx.functions[fnHandle]
	ctx.mu.Unlock()
	if !found {
		return driver.Errorf(op, driver.ErrorInvalidHandle, "function %d not found in context %d", fnHandle, ctx.handle)
	}
	for _, dim := range []driver.Dim3{config.Grid, config.Block} {
		if dim.X < 0 || dim.Y < 0 || dim.Z < 0 {
			return driver.Errorf(op, driver.ErrorInvalidValue, "invalid launch dimensions grid=%s, block=%s",
				config.Grid, config.Block)
		}
	}
	if config.SharedMemBytes < 0 {
		return driver.Errorf(op, driver.ErrorInvalidValue, "negative shared memory %d", config.SharedMemBytes)
	}
	args = slices.Clone(args)
	mem := ctx.device.memory
	workers := d.config.Workers
	return ctx.enqueue(op, streamHandle, func() error {
		err := runGrid(fn, config, args, mem, workers)
		if err != nil {
			return driver.Errorf(op, driver.ErrorLaunchFailed, "kernel %s.%s: %+v", fn.module.name, fn.name, err)
		}
		return nil
	})
}

// normalizeDim3 replaces zero dimensions by 1.
func normalizeDim3(dim driver.Dim3) driver.Dim3 {
	return driver.Dim3{X: max(dim.X, 1), Y: max(dim.Y, 1), Z: max(dim.Z, 1)}
}

func runGrid(fn *function, config driver.LaunchConfig, args []any, mem *memory, workers int) error {
	grid := normalizeDim3(config.Grid)
	blockDim := normalizeDim3(config.Block)
	var g errgroup.Group
	g.SetLimit(workers)
	for z := range grid.Z {
		for y := range grid.Y {
			for x := range grid.X {
				block := &Block{
					Idx:  driver.Dim3{X: x, Y: y, Z: z},
					Grid: grid,
					Dim:  blockDim,
					Args: args,
					mem:  mem,
				}
				if config.SharedMemBytes > 0 {
					block.Shared = make([]byte, config.SharedMemBytes)
				}
				g.Go(func() (err error) {
					defer func() {
						if r := recover(); r != nil {
							err = errors.Errorf("%s panicked: %v", block, r)
						}
					}()
					if err := fn.kernel(block); err != nil {
						return errors.WithMessagef(err, "in %s", block)
					}
					return nil
				})
			}
		}
	}
	return g.Wait()
}
