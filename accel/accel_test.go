package accel

import (
	"flag"
	"testing"
	"time"

	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/driver/sim"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

var flagKernelDelay = flag.Duration("kernel_delay", 30*time.Millisecond,
	"Delay of the slow kernels used to test the ordering between queues.")

const (
	testModule      = "accel_test"
	testMemoryBytes = 1 << 20
	testSlowScaleFn = "slow_scale"
	testIncrementFn = "increment"
	testUnlistedFn  = "unlisted"
)

func init() {
	sim.RegisterModule(testModule, map[string]sim.KernelFunc{
		// slow_scale(dst, src, n, factor) sleeps and then sets dst[i] = src[i] * factor, for 1D launches.
		testSlowScaleFn: func(b *sim.Block) error {
			time.Sleep(*flagKernelDelay)
			dst := must.M1(sim.Elements[float32](b, must.M1(sim.Arg[driver.DevicePtr](b, 0)), must.M1(sim.Arg[int](b, 2))))
			src := must.M1(sim.Elements[float32](b, must.M1(sim.Arg[driver.DevicePtr](b, 1)), len(dst)))
			factor := must.M1(sim.Arg[float32](b, 3))
			for thread := range b.Dim.Size() {
				if idx := b.GlobalIndex(thread); idx < len(dst) {
					dst[idx] = src[idx] * factor
				}
			}
			return nil
		},
		// increment(x, n) adds 1 to the n int32 values of x.
		testIncrementFn: func(b *sim.Block) error {
			x := must.M1(sim.Elements[int32](b, must.M1(sim.Arg[driver.DevicePtr](b, 0)), must.M1(sim.Arg[int](b, 1))))
			for thread := range b.Dim.Size() {
				if idx := b.GlobalIndex(thread); idx < len(x) {
					x[idx]++
				}
			}
			return nil
		},
		testUnlistedFn: func(b *sim.Block) error { return nil },
	})
}

// newTestDriver returns a new simulated driver, independent of the ones used by other tests.
func newTestDriver() *sim.Driver {
	return sim.New(sim.Config{Devices: 1, MemoryBytes: testMemoryBytes, Workers: 4, QueueDepth: 64})
}

// newTestDevice creates a Device on a new simulated driver, closed at the end of the test.
func newTestDevice(t *testing.T, options ...Option) (*Device, *sim.Driver) {
	drv := newTestDriver()
	dev, err := NewWithDriver(drv, 0, options...)
	require.NoError(t, err)
	t.Cleanup(dev.Close)
	return dev, drv
}

// simImage returns the image of the test module.
func simImage() []byte {
	return sim.Image(testModule)
}
