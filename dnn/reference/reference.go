// Package reference implements a dnn.Library that runs the convolutions as kernels of the simulated accelerator
// (package driver/sim).
//
// It offers two algorithms per operation: an implicit one, that needs no workspace, and an explicit one that expands
// the input patches into the workspace (im2col) and runs a matrix multiplication. The explicit one is preferred while
// its workspace fits Config.WorkspaceLimit.
package reference

import (
	"fmt"

	"github.com/gomlx/gocu/accel"
	"github.com/gomlx/gocu/dnn"
	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/driver/sim"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name of the library.
const Name = "reference"

// ModuleName is the name of the sim module with the kernels of the library.
const ModuleName = "gocu_dnn_reference"

// DefaultWorkspaceLimit is the default Config.WorkspaceLimit: 64 MiB.
const DefaultWorkspaceLimit = 64 << 20

// Config of the Library.
type Config struct {
	// WorkspaceLimit is the largest workspace, in bytes, an algorithm selected by FindAlgorithms can use.
	// With 0 only the implicit algorithms, that don't need workspace, are selected.
	WorkspaceLimit int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{WorkspaceLimit: DefaultWorkspaceLimit}
}

// Library implements dnn.Library on a device of the sim driver.
type Library struct {
	device *accel.Device
	config Config
}

var _ dnn.Library = (*Library)(nil)

// New loads the kernels of the library in the device.
func New(dev *accel.Device, config Config) (*Library, error) {
	if config.WorkspaceLimit < 0 {
		return nil, errors.Errorf("invalid negative workspace limit %d", config.WorkspaceLimit)
	}
	if err := dev.LoadModule(ModuleName, sim.Image(ModuleName), kernelNames()...); err != nil {
		return nil, errors.WithMessagef(err, "failed to load the %s library kernels (only the sim driver is supported)",
			Name)
	}
	klog.V(1).Infof("dnn/reference: library loaded in %s with %+v", dev, config)
	return &Library{device: dev, config: config}, nil
}

// Name implements dnn.Library.
func (l *Library) Name() string { return Name }

// Device implements dnn.Library.
func (l *Library) Device() *accel.Device { return l.device }

// Config returns the configuration of the library.
func (l *Library) Config() Config { return l.config }

func checkSupported(problem dnn.Problem) error {
	switch problem.X.DType {
	case dtypes.Float32, dtypes.Float64:
		return nil
	}
	return errors.Wrapf(dnn.ErrNotSupported, "%s library doesn't support dtype %s", Name, problem.X.DType)
}

// algorithms returns the implicit and the explicit algorithms for the kind.
func algorithms(kind dnn.OperationKind) (implicit, explicit dnn.Algorithm) {
	switch kind {
	case dnn.KindForward:
		return dnn.ForwardImplicitGEMM, dnn.ForwardGEMM
	case dnn.KindBackwardData:
		return dnn.BackwardDataImplicit, dnn.BackwardDataGEMM
	default:
		return dnn.BackwardFilterImplicit, dnn.BackwardFilterGEMM
	}
}

// colBytes is the size of the im2col matrix of one image: (C·R·S) x (OH·OW) elements.
func colBytes(problem dnn.Problem) int {
	return problem.W.C * problem.W.R * problem.W.S * problem.Y.H * problem.Y.W * problem.X.DType.Size()
}

// isExplicit returns whether algo is the explicit algorithm of the kind, or an error if it is not one of the
// library's algorithms.
func isExplicit(problem dnn.Problem, algo dnn.Algorithm) (bool, error) {
	implicit, explicit := algorithms(problem.Kind)
	switch algo {
	case implicit:
		return false, nil
	case explicit:
		return true, nil
	}
	return false, errors.Wrapf(dnn.ErrNotSupported, "%s library doesn't implement algorithm %v for %s", Name, algo,
		problem.Kind)
}

// FindAlgorithms implements dnn.Library. It selects by heuristics: the explicit algorithm first if its workspace fits
// Config.WorkspaceLimit, then the implicit one.
func (l *Library) FindAlgorithms(problem dnn.Problem, requested int) ([]dnn.AlgorithmPerf, error) {
	if requested <= 0 {
		return nil, errors.Errorf("invalid number of requested algorithms %d", requested)
	}
	if err := checkSupported(problem); err != nil {
		return nil, err
	}
	implicit, explicit := algorithms(problem.Kind)
	perfs := make([]dnn.AlgorithmPerf, 0, 2)
	if size := colBytes(problem); size <= l.config.WorkspaceLimit {
		perfs = append(perfs, dnn.AlgorithmPerf{Algorithm: explicit, Memory: size})
	}
	perfs = append(perfs, dnn.AlgorithmPerf{Algorithm: implicit})
	if len(perfs) > requested {
		perfs = perfs[:requested]
	}
	klog.V(2).Infof("dnn/reference: algorithms for %s: %v", problem, perfs)
	return perfs, nil
}

// WorkspaceSize implements dnn.Library.
func (l *Library) WorkspaceSize(problem dnn.Problem, algo dnn.Algorithm) (int, error) {
	explicit, err := isExplicit(problem, algo)
	if err != nil {
		return 0, err
	}
	if !explicit {
		return 0, nil
	}
	return colBytes(problem), nil
}

// Convolve implements dnn.Library.
func (l *Library) Convolve(problem dnn.Problem, algo dnn.Algorithm, args dnn.ConvArgs) error {
	if err := checkSupported(problem); err != nil {
		return err
	}
	explicit, err := isExplicit(problem, algo)
	if err != nil {
		return err
	}
	if explicit && args.Workspace.Bytes() < colBytes(problem) {
		return errors.Errorf("workspace of %d bytes too small for %s using %s, it needs %d bytes",
			args.Workspace.Bytes(), problem, algo, colBytes(problem))
	}
	name := kernelName(problem.Kind, explicit, problem.X.DType)
	fn, err := l.device.GetFunction(ModuleName, name)
	if err != nil {
		return err
	}
	p := newParams(problem)

	// Implicit kernels parallelize over independent outputs: images for forward and backward data, output channels
	// for backward filter. Explicit ones share the workspace, so they run as a single block.
	grid := 1
	if !explicit {
		grid = problem.X.N
		if problem.Kind == dnn.KindBackwardFilter {
			grid = problem.W.K
		}
	}
	err = fn.Launch(args.X, args.W, args.Y, args.Workspace, p, args.Scale.Alpha, args.Scale.Beta).
		WithGrid(driver.Dim3{X: grid, Y: 1, Z: 1}).
		Done()
	return errors.WithMessagef(err, "failed to run %s with %s", problem, algo)
}

// kernelName for the operation kind, algorithm and dtype.
func kernelName(kind dnn.OperationKind, explicit bool, dtype dtypes.DType) string {
	algo := "implicit"
	if explicit {
		algo = "gemm"
	}
	return fmt.Sprintf("%s_%s_%s", kind, algo, dtype)
}

// kernelNames lists all the kernels of the library.
func kernelNames() []string {
	var names []string
	for _, kind := range []dnn.OperationKind{dnn.KindForward, dnn.KindBackwardData, dnn.KindBackwardFilter} {
		for _, explicit := range []bool{false, true} {
			for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float64} {
				names = append(names, kernelName(kind, explicit, dtype))
			}
		}
	}
	return names
}
