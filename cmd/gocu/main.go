// gocu lists the accelerator devices of a driver and runs a smoke test on one of them: allocations, round trips
// to the host, views, a forked stream and a workspace-bound convolution.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gomlx/gocu/accel"
	"github.com/gomlx/gocu/dnn"
	"github.com/gomlx/gocu/dnn/reference"
	"github.com/gomlx/gocu/driver"
	_ "github.com/gomlx/gocu/driver/sim"
	"github.com/gomlx/gocu/dtypes"
	"github.com/gomlx/gocu/workspace"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagDriver = flag.String("driver", "", fmt.Sprintf("Accelerator driver name. If empty it uses $%s, or %q.",
		driver.DriverEnv, driver.DefaultDriverName))
	flagDevice    = flag.Int("device", 0, "Ordinal of the device where to run the smoke test.")
	flagList      = flag.Bool("list", false, "Only list the devices, don't run the smoke test.")
	flagDedicated = flag.Bool("dedicated_stream", false, "Use a dedicated stream as the default queue of the device.")
	flagDType     = flag.String("dtype", "f32", "DType of the convolution of the smoke test: Float32 (f32) or Float64 (f64).")
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `gocu lists the devices of an accelerator driver and runs a smoke test on one of them.

$ gocu [-driver=<name>] [-device=<ordinal>] [-list] [-dtype=f32|f64]

Available drivers: %v

Usage:
`, driver.Available())
		flag.PrintDefaults()
	}
	klog.InitFlags(flag.CommandLine)
	flag.Parse()

	var drv driver.Driver
	if *flagDriver == "" {
		drv = must.M1(driver.Default())
	} else {
		drv = must.M1(driver.Get(*flagDriver))
	}
	listDevices(drv)
	if *flagList {
		return
	}

	var options []accel.Option
	if *flagDedicated {
		options = append(options, accel.WithDedicatedStream())
	}
	dev := must.M1(accel.NewWithDriver(drv, *flagDevice, options...))
	defer dev.Close()
	if err := smokeTest(dev); err != nil {
		klog.Errorf("Smoke test failed: %+v", err)
		dev.Close()
		os.Exit(1)
	}
	fmt.Println("Smoke test passed.")
}

func listDevices(drv driver.Driver) {
	must.M(drv.Init())
	count := must.M1(drv.DeviceCount())
	fmt.Printf("Driver %q: %d device(s)\n", drv.Name(), count)
	for ordinal := range count {
		d := must.M1(drv.DeviceGet(ordinal))
		name := must.M1(drv.DeviceName(d))
		total := must.M1(drv.DeviceTotalMem(d))
		fmt.Printf("\t#%d: %s, %.1f MiB\n", ordinal, name, float64(total)/(1<<20))
	}
}

func smokeTest(dev *accel.Device) error {
	fmt.Printf("Running on %s:\n", dev)

	// Round trip of the 2x1x1x2 tensor [[[[0, 1]]], [[[2, 3]]]].
	x, err := dnn.AllocTensor4DFrom(dev, 2, 1, 1, 2, []float32{0, 1, 2, 3})
	if err != nil {
		return err
	}
	defer x.Close()
	values, err := x.ToHost()
	if err != nil {
		return err
	}
	fmt.Printf("\tround trip: %v\n", values)

	// Views.
	head, ok := x.Data().TrySlice(accel.To(2))
	if !ok {
		return errors.New("view ..2 not available")
	}
	headValues, err := head.ToHost()
	head.Release()
	if err != nil {
		return err
	}
	fmt.Printf("\tview ..2: start=%d, len=%d, values=%v\n", head.Start(), head.Len(), headValues)
	if _, ok = x.Data().TrySlice(accel.Span(5, 6)); ok {
		return errors.New("view 5..6 should be out of bounds")
	}
	fmt.Printf("\tview 5..6: out of bounds\n")

	// Copy in a forked stream, joined on close.
	dup, err := accel.Alloc[float32](dev, x.Data().Len())
	if err != nil {
		return err
	}
	defer dup.Close()
	stream, err := dev.ForkStream()
	if err != nil {
		return err
	}
	err = dup.CopyFromOn(stream, x.Data())
	stream.Close()
	if err != nil {
		return err
	}
	dupValues, err := dup.ToHost()
	if err != nil {
		return err
	}
	fmt.Printf("\tforked stream copy: %v\n", dupValues)

	switch dtypes.MapOfNames[*flagDType] {
	case dtypes.Float32:
		return convolution[float32](dev, values)
	case dtypes.Float64:
		return convolution[float64](dev, values)
	default:
		return errors.Errorf("invalid -dtype=%q: the smoke test convolution supports Float32 or Float64", *flagDType)
	}
}

// convolution runs a 1x1 convolution that doubles the values of the 2x1x1x2 tensor, using the reference library.
func convolution[T dtypes.Float](dev *accel.Device, values []float32) error {
	lib, err := reference.New(dev, reference.DefaultConfig())
	if err != nil {
		klog.Warningf("Skipping convolution: %v", err)
		return nil
	}
	h, err := dnn.NewHandle(lib)
	if err != nil {
		return err
	}
	converted := make([]T, len(values))
	for ii, v := range values {
		converted[ii] = T(v)
	}
	x, err := dnn.AllocTensor4DFrom(dev, 2, 1, 1, 2, converted)
	if err != nil {
		return err
	}
	defer x.Close()
	w, err := dnn.AllocFilterAllSame(dev, 1, 1, 1, 1, T(2))
	if err != nil {
		return err
	}
	defer w.Close()
	xDesc := x.Descriptor()
	y, err := dnn.AllocTensor4D[T](dev, xDesc.N, xDesc.C, xDesc.H, xDesc.W)
	if err != nil {
		return err
	}
	defer y.Close()
	op, err := dnn.NewConvForward(h, dnn.NewConvolution(0, 0, 1, 1), x, w, y)
	if err != nil {
		return err
	}
	binding, err := workspace.Bind[dnn.AlgorithmPerf](dev, op)
	if err != nil {
		return err
	}
	defer binding.Close()
	if err = binding.Execute().Done(); err != nil {
		return err
	}
	result, err := y.ToHost()
	if err != nil {
		return err
	}
	fmt.Printf("\tconvolution (%s) with %s: %v\n", y.Descriptor().DType, binding.Algorithm(), result)
	return nil
}
