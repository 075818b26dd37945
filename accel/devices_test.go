package accel

import (
	"fmt"
	"testing"

	"github.com/gomlx/gocu/driver"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestDevice(t *testing.T) {
	dev, drv := newTestDevice(t)
	fmt.Printf("Device: %s\n", dev)
	require.Equal(t, 0, dev.Ordinal())
	require.Equal(t, "gocu simulated device #0", dev.Name())
	require.Equal(t, int64(testMemoryBytes), dev.TotalMemory())
	require.Equal(t, driver.Driver(drv), dev.Driver())
	require.NoError(t, dev.Synchronize())
	require.True(t, drv.ContextAlive(0))

	_, err := NewWithDriver(drv, 1)
	require.Equal(t, driver.ErrorInvalidDevice, driver.CodeOf(err))
}

func TestNewDefaultDriver(t *testing.T) {
	t.Setenv(driver.DriverEnv, "sim")
	dev, err := New(0)
	require.NoError(t, err)
	defer dev.Close()
	require.Equal(t, "sim", dev.Driver().Name())

	t.Setenv(driver.DriverEnv, "nonexistent")
	_, err = New(0)
	require.Error(t, err)
}

func TestNewUndoesOnFailure(t *testing.T) {
	for _, op := range []string{"CtxSetCurrent", "StreamCreate", "EventCreate"} {
		t.Run(op, func(t *testing.T) {
			drv := newTestDriver()
			drv.InjectFault(op, driver.ErrorOutOfMemory)
			dev, err := NewWithDriver(drv, 0, WithDedicatedStream())
			require.Nil(t, dev)
			require.True(t, driver.IsOutOfMemory(err), "unexpected error: %+v", err)
			require.False(t, drv.ContextAlive(0))

			// Nothing was left behind: the device can be created again.
			dev = must.M1(NewWithDriver(drv, 0, WithDedicatedStream()))
			require.True(t, drv.ContextAlive(0))
			dev.Close()
			require.False(t, drv.ContextAlive(0))
		})
	}

	// Out-of-memory when retaining the context.
	drv := newTestDriver()
	drv.InjectFault("PrimaryCtxRetain", driver.ErrorOutOfMemory)
	_, err := NewWithDriver(drv, 0)
	require.True(t, driver.IsOutOfMemory(err))
}

func TestDeviceClose(t *testing.T) {
	for _, dedicated := range []bool{false, true} {
		t.Run(fmt.Sprintf("dedicated=%v", dedicated), func(t *testing.T) {
			drv := newTestDriver()
			var options []Option
			if dedicated {
				options = append(options, WithDedicatedStream())
			}
			dev := must.M1(NewWithDriver(drv, 0, options...))
			require.NoError(t, dev.LoadModule(testModule, simImage(), testIncrementFn))
			x := must.M1(AllocFrom(dev, []int32{1, 2, 3}))
			_ = must.M1(Alloc[float64](dev, 10))
			s := must.M1(dev.ForkStream())
			e := must.M1(dev.NewEvent())
			require.NoError(t, e.Record(s))
			require.Equal(t, 2, dev.LiveAllocations())
			require.Equal(t, int64(3*4+10*8), dev.AllocatedBytes())

			dev.Close()
			require.True(t, dev.IsClosed())
			require.False(t, drv.ContextAlive(0))
			require.Zero(t, drv.MemoryInUse(0))
			require.Equal(t, 0, dev.LiveAllocations())

			// Everything is a no-op or returns ErrDeviceClosed after the device is closed.
			dev.Close()
			x.Close()
			s.Close()
			e.Close()
			require.True(t, x.IsClosed())
			_, err := x.ToHost()
			require.ErrorIs(t, err, ErrDeviceClosed)
			_, err = Alloc[float32](dev, 1)
			require.ErrorIs(t, err, ErrDeviceClosed)
			_, err = dev.ForkStream()
			require.ErrorIs(t, err, ErrDeviceClosed)
			require.ErrorIs(t, dev.Synchronize(), ErrDeviceClosed)
			require.ErrorIs(t, s.Synchronize(), ErrDeviceClosed)
			require.ErrorIs(t, dev.LoadModule("other", simImage()), ErrDeviceClosed)
		})
	}
}

func TestDeviceCloseWaitsForWork(t *testing.T) {
	dev, drv := newTestDevice(t)
	require.NoError(t, dev.LoadModule(testModule, simImage(), testSlowScaleFn))
	fn := must.M1(dev.GetFunction(testModule, testSlowScaleFn))
	src := must.M1(AllocFrom(dev, []float32{1, 2, 3}))
	dst := must.M1(Alloc[float32](dev, 3))
	s := must.M1(dev.ForkStream())
	require.NoError(t, fn.Launch(dst, src, 3, float32(2)).WithBlock(driver.Dim3{X: 3, Y: 1, Z: 1}).OnQueue(s).Done())

	// The forked stream is still running the slow kernel: closing must join it before freeing the memory.
	dev.Close()
	require.Zero(t, drv.MemoryInUse(0))
}

func TestTeardownErrorsAreFatal(t *testing.T) {
	for _, op := range []string{"StreamSynchronize", "EventDestroy", "PrimaryCtxRelease", "ModuleUnload"} {
		t.Run(op, func(t *testing.T) {
			dev, drv := newTestDevice(t)
			require.NoError(t, dev.LoadModule(testModule, simImage()))
			drv.InjectFault(op, driver.ErrorUnknown)
			require.Panics(t, dev.Close)
		})
	}

	// Failure to free a slice on Close is fatal too.
	dev, drv := newTestDevice(t)
	x := must.M1(Alloc[float32](dev, 10))
	drv.InjectFault("MemFreeAsync", driver.ErrorUnknown)
	require.Panics(t, x.Close)
}

func TestEvents(t *testing.T) {
	dev, _ := newTestDevice(t)
	require.NoError(t, dev.LoadModule(testModule, simImage()))
	fn := must.M1(dev.GetFunction(testModule, testSlowScaleFn))
	src := must.M1(AllocFrom(dev, []float32{1, 2}))
	dst := must.M1(AllocZeros[float32](dev, 2))
	s := must.M1(dev.ForkStream())
	defer s.Close()
	e := must.M1(dev.NewEvent())

	// Never recorded: waiting is a no-op.
	require.NoError(t, e.Synchronize())
	require.NoError(t, e.WaitOn(dev))

	// The event makes the host wait for the slow kernel in the forked stream.
	require.NoError(t, s.WaitForDefault())
	require.NoError(t, fn.Launch(dst, src, 2, float32(10)).WithBlock(driver.Dim3{X: 2, Y: 1, Z: 1}).OnQueue(s).Done())
	require.NoError(t, e.Record(s))
	require.NoError(t, e.Synchronize())
	require.NoError(t, e.WaitOn(dev))
	require.Equal(t, []float32{10, 20}, must.M1(dst.ToHost()))

	e.Close()
	e.Close()
	require.ErrorIs(t, e.Record(dev), ErrClosed)

	// Events and queues of different devices don't mix.
	other, _ := newTestDevice(t)
	e2 := must.M1(other.NewEvent())
	err := e2.Record(dev)
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrClosed))
}
