package accel

import (
	"runtime"
	"testing"
	"time"

	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// testRoundTrip allocates a slice from values and checks that it reads back the same.
func testRoundTrip[T dtypes.Supported](t *testing.T, d *Device, values []T) {
	s, err := AllocFrom(d, values)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, len(values), s.Len())
	require.Equal(t, dtypes.FromGenericsType[T](), s.DType())
	require.Equal(t, values, s.HostMirror())
	got, err := s.ToHost()
	require.NoError(t, err)
	require.Equal(t, values, got)
}

func TestRoundTrip(t *testing.T) {
	dev, _ := newTestDevice(t)
	testRoundTrip(t, dev, []float32{0, 1, 2, 3})
	testRoundTrip(t, dev, []float64{-1, 1e100})
	testRoundTrip(t, dev, []int8{-128, 0, 127})
	testRoundTrip(t, dev, []uint64{0, 1 << 63})
	testRoundTrip(t, dev, []bool{true, false, true})
	testRoundTrip(t, dev, []complex128{1 + 2i, -3i})
	testRoundTrip(t, dev, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2)})
	require.Zero(t, dev.LiveAllocations())
}

func TestAlloc(t *testing.T) {
	dev, drv := newTestDevice(t)

	// Empty slices don't allocate device memory.
	empty := must.M1(Alloc[float32](dev, 0))
	require.Equal(t, driver.DevicePtr(0), empty.DevicePtr())
	require.Equal(t, 0, dev.LiveAllocations())
	require.Empty(t, must.M1(empty.ToHost()))
	require.NoError(t, empty.Fill(1))
	empty.Close()
	_, err := empty.ToHost()
	require.ErrorIs(t, err, ErrClosed)

	_, err = Alloc[float32](dev, -1)
	require.Error(t, err)

	zeros := must.M1(AllocZeros[int32](dev, 5))
	require.Equal(t, []int32{0, 0, 0, 0, 0}, must.M1(zeros.ToHost()))
	require.NoError(t, zeros.Fill(7))
	require.Equal(t, []int32{7, 7, 7, 7, 7}, must.M1(zeros.ToHost()))
	require.NoError(t, zeros.CopyFromHost([]int32{5, 4, 3, 2, 1}))
	got := make([]int32, 5)
	require.NoError(t, zeros.ToHostInto(got))
	require.Equal(t, []int32{5, 4, 3, 2, 1}, got)
	require.Error(t, zeros.CopyFromHost([]int32{1}))
	require.Error(t, zeros.ToHostInto(got[:2]))
	require.Equal(t, 20, zeros.Bytes())
	require.Equal(t, int64(20), drv.MemoryInUse(0))

	// Closing is asynchronous and idempotent.
	zeros.Close()
	zeros.Close()
	require.NoError(t, dev.Synchronize())
	require.Zero(t, drv.MemoryInUse(0))
	require.ErrorIs(t, zeros.Fill(1), ErrClosed)
}

func TestOutOfMemory(t *testing.T) {
	dev, _ := newTestDevice(t)
	_, err := Alloc[float64](dev, testMemoryBytes/8+1)
	require.Error(t, err)
	require.True(t, driver.IsOutOfMemory(err))

	// Memory is available again after a Close.
	s := must.M1(Alloc[float64](dev, testMemoryBytes/8))
	s.Close()
	require.NoError(t, dev.Synchronize())
	s = must.M1(Alloc[float64](dev, testMemoryBytes/8))
	s.Close()
}

func TestDuplicateIndependence(t *testing.T) {
	dev, _ := newTestDevice(t)
	original := must.M1(AllocFrom(dev, []float32{1, 2, 3}))
	defer original.Close()
	dup := must.M1(original.Duplicate())
	defer dup.Close()
	require.NotEqual(t, original.DevicePtr(), dup.DevicePtr())
	require.Equal(t, []float32{1, 2, 3}, must.M1(dup.ToHost()))

	require.NoError(t, original.Fill(0))
	require.Equal(t, []float32{1, 2, 3}, must.M1(dup.ToHost()))
	require.NoError(t, dup.CopyFromHost([]float32{7, 8, 9}))
	require.Equal(t, []float32{0, 0, 0}, must.M1(original.ToHost()))

	require.NoError(t, original.CopyFrom(dup))
	require.Equal(t, []float32{7, 8, 9}, must.M1(original.ToHost()))
	short := must.M1(Alloc[float32](dev, 2))
	defer short.Close()
	require.Error(t, short.CopyFrom(original))
}

func TestLeakedSliceIsFreed(t *testing.T) {
	dev, _ := newTestDevice(t)
	func() {
		_ = must.M1(Alloc[float32](dev, 100))
	}()
	require.Equal(t, 1, dev.LiveAllocations())
	require.Eventually(t, func() bool {
		runtime.GC()
		return dev.LiveAllocations() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
