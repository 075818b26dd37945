package sim

import (
	"encoding/binary"
	"flag"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gocu/driver"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var flagSlowKernel = flag.Duration("sim_slow_kernel", 50*time.Millisecond, "Duration of the slow kernel used in ordering tests.")

// newTestContext creates a driver with one device and retains its primary context.
func newTestContext(t *testing.T, memoryBytes int64) (*Driver, driver.Context) {
	drv := New(Config{Devices: 1, MemoryBytes: memoryBytes, Workers: 4, QueueDepth: 16})
	require.NoError(t, drv.Init())
	dev := must.M1(drv.DeviceGet(0))
	ctx := must.M1(drv.PrimaryCtxRetain(dev))
	t.Cleanup(func() {
		require.NoError(t, drv.PrimaryCtxRelease(dev))
	})
	return drv, ctx
}

func float32Bytes(values ...float32) []byte {
	buf := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(buf[4*ii:], math.Float32bits(v))
	}
	return buf
}

func TestDevices(t *testing.T) {
	drv := New(Config{Devices: 2, MemoryBytes: 1024})
	_, err := drv.DeviceCount()
	require.Equal(t, driver.ErrorNotInitialized, driver.CodeOf(err))
	require.NoError(t, drv.Init())
	require.NoError(t, drv.Init())
	require.Equal(t, 2, must.M1(drv.DeviceCount()))
	_, err = drv.DeviceGet(2)
	require.Equal(t, driver.ErrorInvalidDevice, driver.CodeOf(err))
	dev := must.M1(drv.DeviceGet(1))
	require.Equal(t, "gocu simulated device #1", must.M1(drv.DeviceName(dev)))
	require.Equal(t, int64(1024), must.M1(drv.DeviceTotalMem(dev)))

	// Primary context is reference counted.
	ctx1 := must.M1(drv.PrimaryCtxRetain(dev))
	ctx2 := must.M1(drv.PrimaryCtxRetain(dev))
	require.Equal(t, ctx1, ctx2)
	require.NoError(t, drv.CtxSetCurrent(ctx1))
	require.NoError(t, drv.PrimaryCtxRelease(dev))
	require.True(t, drv.ContextAlive(1))
	require.NoError(t, drv.PrimaryCtxRelease(dev))
	require.False(t, drv.ContextAlive(1))
	require.Equal(t, driver.ErrorInvalidContext, driver.CodeOf(drv.CtxSetCurrent(ctx1)))
	require.Equal(t, driver.ErrorInvalidContext, driver.CodeOf(drv.PrimaryCtxRelease(dev)))
}

func TestMemory(t *testing.T) {
	drv, ctx := newTestContext(t, 1024)
	s := driver.NullStream

	ptr := must.M1(drv.MemAllocAsync(ctx, 12, s))
	require.Zero(t, uint64(ptr)%memoryAlignment)
	ptr2 := must.M1(drv.MemAllocAsync(ctx, 100, s))
	require.Zero(t, uint64(ptr2)%memoryAlignment)
	require.Greater(t, ptr2, ptr)
	require.Equal(t, int64(112), drv.MemoryInUse(0))

	// Out-of-memory is reported at allocation.
	_, err := drv.MemAllocAsync(ctx, 1000, s)
	require.True(t, driver.IsOutOfMemory(err))
	_, err = drv.MemAllocAsync(ctx, 0, s)
	require.Equal(t, driver.ErrorInvalidValue, driver.CodeOf(err))

	// Round trip.
	require.NoError(t, drv.MemsetAsync(ctx, ptr, []byte{0xFF}, 12, s))
	require.NoError(t, drv.MemcpyHtoDAsync(ctx, ptr.Offset(4), float32Bytes(1, 2), s))
	require.NoError(t, drv.MemcpyDtoDAsync(ctx, ptr2, ptr, 12, s))
	got := make([]byte, 12)
	require.NoError(t, drv.MemcpyDtoHAsync(ctx, got, ptr2, s))
	require.NoError(t, drv.StreamSynchronize(ctx, s))
	require.Equal(t, append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, float32Bytes(1, 2)...), got)

	// Out of bounds accesses are rejected.
	err = drv.MemcpyHtoDAsync(ctx, ptr.Offset(8), float32Bytes(1, 2), s)
	require.Equal(t, driver.ErrorIllegalAddress, driver.CodeOf(err))

	// Frees are asynchronous, double frees rejected.
	require.NoError(t, drv.MemFreeAsync(ctx, ptr, s))
	require.Equal(t, driver.ErrorInvalidValue, driver.CodeOf(drv.MemFreeAsync(ctx, ptr, s)))
	require.Equal(t, driver.ErrorInvalidValue, driver.CodeOf(drv.MemFreeAsync(ctx, ptr2.Offset(4), s)))
	require.NoError(t, drv.StreamSynchronize(ctx, s))
	require.Equal(t, int64(100), drv.MemoryInUse(0))
	require.NoError(t, drv.MemFreeAsync(ctx, ptr2, s))
	require.NoError(t, drv.StreamSynchronize(ctx, s))
	require.Zero(t, drv.MemoryInUse(0))
}

func TestContextReleaseFreesMemory(t *testing.T) {
	drv := New(Config{Devices: 1, MemoryBytes: 1024})
	require.NoError(t, drv.Init())
	ctx := must.M1(drv.PrimaryCtxRetain(0))
	_ = must.M1(drv.MemAllocAsync(ctx, 512, driver.NullStream))
	require.Equal(t, int64(512), drv.MemoryInUse(0))
	require.NoError(t, drv.PrimaryCtxRelease(0))
	require.Zero(t, drv.MemoryInUse(0))
}

func init() {
	RegisterModule("sim_test", map[string]KernelFunc{
		// "scale" multiplies n float32 values at args[0] by args[2], for 1D launches.
		"scale": func(b *Block) error {
			ptr, err := Arg[driver.DevicePtr](b, 0)
			if err != nil {
				return err
			}
			n, err := Arg[int](b, 1)
			if err != nil {
				return err
			}
			factor, err := Arg[float32](b, 2)
			if err != nil {
				return err
			}
			values, err := Elements[float32](b, ptr, n)
			if err != nil {
				return err
			}
			for thread := range b.Dim.Size() {
				idx := b.GlobalIndex(thread)
				if idx < n {
					values[idx] *= factor
				}
			}
			return nil
		},
		// "slow" sleeps and then increments the int64 counter at args[0].
		"slow": func(b *Block) error {
			time.Sleep(*flagSlowKernel)
			counter, err := Elements[int64](b, must.M1(Arg[driver.DevicePtr](b, 0)), 1)
			if err != nil {
				return err
			}
			atomic.AddInt64(&counter[0], 1)
			return nil
		},
		"fail": func(b *Block) error {
			return errors.New("kernel failed on purpose")
		},
		"panic": func(b *Block) error {
			panic("kernel panicked on purpose")
		},
	})
}

func TestLaunch(t *testing.T) {
	drv, ctx := newTestContext(t, 1<<20)
	s := driver.NullStream
	_, err := drv.ModuleLoadData(ctx, []byte("garbage"))
	require.Equal(t, driver.ErrorInvalidImage, driver.CodeOf(err))
	_, err = drv.ModuleLoadData(ctx, Image("not_registered"))
	require.Equal(t, driver.ErrorInvalidImage, driver.CodeOf(err))

	module := must.M1(drv.ModuleLoadData(ctx, Image("sim_test")))
	_, err = drv.ModuleGetFunction(ctx, module, "unknown")
	require.Equal(t, driver.ErrorNotFound, driver.CodeOf(err))
	scale := must.M1(drv.ModuleGetFunction(ctx, module, "scale"))

	const n = 1000
	values := make([]float32, n)
	for ii := range values {
		values[ii] = float32(ii)
	}
	ptr := must.M1(drv.MemAllocAsync(ctx, 4*n, s))
	require.NoError(t, drv.MemcpyHtoDAsync(ctx, ptr, float32Bytes(values...), s))
	config := driver.LaunchConfig{Grid: driver.Dim3{X: (n + 127) / 128}, Block: driver.Dim3{X: 128}}
	require.NoError(t, drv.LaunchKernel(ctx, scale, config, s, []any{ptr, n, float32(2)}))
	got := make([]byte, 4*n)
	require.NoError(t, drv.MemcpyDtoHAsync(ctx, got, ptr, s))
	require.NoError(t, drv.StreamSynchronize(ctx, s))
	for ii := range values {
		values[ii] *= 2
	}
	require.Equal(t, float32Bytes(values...), got)

	// Errors and panics are reported (once) at synchronization.
	for _, name := range []string{"fail", "panic"} {
		fn := must.M1(drv.ModuleGetFunction(ctx, module, name))
		require.NoError(t, drv.LaunchKernel(ctx, fn, driver.LaunchConfig{}, s, nil))
		err = drv.StreamSynchronize(ctx, s)
		require.Equal(t, driver.ErrorLaunchFailed, driver.CodeOf(err))
		require.ErrorContains(t, err, "on purpose")
		require.NoError(t, drv.StreamSynchronize(ctx, s))
	}

	// Wrong arguments.
	require.NoError(t, drv.LaunchKernel(ctx, scale, config, s, []any{ptr, "n", float32(2)}))
	require.ErrorContains(t, drv.StreamSynchronize(ctx, s), "kernel argument #1 is a string")

	// Unloading invalidates the functions.
	require.NoError(t, drv.ModuleUnload(ctx, module))
	err = drv.LaunchKernel(ctx, scale, config, s, []any{ptr, n, float32(2)})
	require.Equal(t, driver.ErrorInvalidHandle, driver.CodeOf(err))
}

func TestStreamsAndEvents(t *testing.T) {
	drv, ctx := newTestContext(t, 1<<20)
	module := must.M1(drv.ModuleLoadData(ctx, Image("sim_test")))
	slow := must.M1(drv.ModuleGetFunction(ctx, module, "slow"))
	counter := must.M1(drv.MemAllocAsync(ctx, 8, driver.NullStream))
	require.NoError(t, drv.MemsetAsync(ctx, counter, []byte{0}, 8, driver.NullStream))

	forked := must.M1(drv.StreamCreate(ctx, driver.StreamNonBlocking))
	e := must.M1(drv.EventCreate(ctx, driver.EventDisableTiming))

	// Waiting on an event never recorded is a no-op.
	require.NoError(t, drv.StreamWaitEvent(ctx, forked, e))
	require.NoError(t, drv.EventSynchronize(ctx, e))

	// Fork: the forked stream waits for the memset in the null stream.
	require.NoError(t, drv.EventRecord(ctx, e, driver.NullStream))
	require.NoError(t, drv.StreamWaitEvent(ctx, forked, e))
	require.NoError(t, drv.LaunchKernel(ctx, slow, driver.LaunchConfig{}, forked, []any{counter}))

	// Join: the null stream waits for the slow kernel before reading the counter.
	require.NoError(t, drv.EventRecord(ctx, e, forked))
	require.NoError(t, drv.StreamWaitEvent(ctx, driver.NullStream, e))
	got := make([]byte, 8)
	require.NoError(t, drv.MemcpyDtoHAsync(ctx, got, counter, driver.NullStream))
	require.NoError(t, drv.StreamSynchronize(ctx, driver.NullStream))
	require.Equal(t, uint64(1), binary.LittleEndian.Uint64(got))

	require.NoError(t, drv.StreamDestroy(ctx, forked))
	require.Equal(t, driver.ErrorInvalidHandle, driver.CodeOf(drv.StreamDestroy(ctx, forked)))
	require.Equal(t, driver.ErrorInvalidHandle, driver.CodeOf(drv.StreamDestroy(ctx, driver.NullStream)))
	require.NoError(t, drv.EventDestroy(ctx, e))
	require.Equal(t, driver.ErrorInvalidHandle, driver.CodeOf(drv.EventRecord(ctx, e, driver.NullStream)))
}

func TestStreamDestroyDrains(t *testing.T) {
	drv, ctx := newTestContext(t, 1<<20)
	module := must.M1(drv.ModuleLoadData(ctx, Image("sim_test")))
	slow := must.M1(drv.ModuleGetFunction(ctx, module, "slow"))
	counter := must.M1(drv.MemAllocAsync(ctx, 8, driver.NullStream))
	require.NoError(t, drv.MemsetAsync(ctx, counter, []byte{0}, 8, driver.NullStream))
	require.NoError(t, drv.StreamSynchronize(ctx, driver.NullStream))

	s := must.M1(drv.StreamCreate(ctx, driver.StreamNonBlocking))
	require.NoError(t, drv.LaunchKernel(ctx, slow, driver.LaunchConfig{Grid: driver.Dim3{X: 3}}, s, []any{counter}))
	require.NoError(t, drv.StreamDestroy(ctx, s))
	got := make([]byte, 8)
	require.NoError(t, drv.MemcpyDtoHAsync(ctx, got, counter, driver.NullStream))
	require.NoError(t, drv.StreamSynchronize(ctx, driver.NullStream))
	require.Equal(t, uint64(3), binary.LittleEndian.Uint64(got))
}

func TestInjectFault(t *testing.T) {
	drv, ctx := newTestContext(t, 1<<20)
	drv.InjectFault("StreamCreate", driver.ErrorOutOfMemory)
	_, err := drv.StreamCreate(ctx, driver.StreamNonBlocking)
	require.True(t, driver.IsOutOfMemory(err))
	require.ErrorContains(t, err, "injected fault")

	// Only the next call fails.
	s := must.M1(drv.StreamCreate(ctx, driver.StreamNonBlocking))
	require.NoError(t, drv.StreamDestroy(ctx, s))
}

func TestDefaultConfig(t *testing.T) {
	t.Setenv(DevicesEnv, "3")
	t.Setenv(MemoryEnv, "4096")
	t.Setenv(WorkersEnv, "not a number")
	config := DefaultConfig()
	require.Equal(t, 3, config.Devices)
	require.Equal(t, int64(4096), config.MemoryBytes)
	require.Greater(t, config.Workers, 0)
	require.Equal(t, 1024, config.QueueDepth)

	drv, err := driver.Get(Name)
	require.NoError(t, err)
	require.Equal(t, Name, drv.Name())
}
