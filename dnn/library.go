package dnn

import (
	"fmt"

	"github.com/gomlx/gocu/accel"
	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/workspace"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Problem fully describes one convolution operation, independent of the data.
//
// The meaning of the tensors is always the same: X is the convolution input (or its gradient dx), W the filter (or
// its gradient dw) and Y the output (or its gradient dy). Which one is written depends on Kind.
type Problem struct {
	Kind        OperationKind
	X           TensorDescriptor
	W           FilterDescriptor
	Y           TensorDescriptor
	Convolution ConvolutionDescriptor
}

// String implements fmt.Stringer.
func (p Problem) String() string {
	return fmt.Sprintf("%s(x=%s, w=%s, y=%s, %s)", p.Kind, p.X, p.W, p.Y, p.Convolution)
}

// NewProblem validates the shapes of the convolution and returns its Problem.
func NewProblem(kind OperationKind, conv ConvolutionDescriptor, x TensorDescriptor, w FilterDescriptor,
	y TensorDescriptor) (Problem, error) {
	want, err := conv.OutputDims(x, w)
	if err != nil {
		return Problem{}, err
	}
	if y != want {
		return Problem{}, errors.Wrapf(ErrShapeMismatch, "%s of %s by %s has shape %s, but got %s",
			conv, x, w, want, y)
	}
	return Problem{Kind: kind, X: x, W: w, Y: y, Convolution: conv}, nil
}

// ConvArgs holds the data of one execution.
type ConvArgs struct {
	X, W, Y   driver.DevicePtr
	Workspace workspace.Workspace
	Scale     workspace.Scale
}

// Library is a vendor strategy provider: it implements the convolution algorithms on a device.
type Library interface {
	// Name of the library.
	Name() string

	// Device where the library runs.
	Device() *accel.Device

	// FindAlgorithms returns up to requested candidate algorithms for the problem, best first.
	FindAlgorithms(problem Problem, requested int) ([]AlgorithmPerf, error)

	// WorkspaceSize returns the bytes of workspace needed to run the algorithm for the problem.
	WorkspaceSize(problem Problem, algo Algorithm) (int, error)

	// Convolve enqueues the execution of the problem using the algorithm, in the default queue of its device.
	Convolve(problem Problem, algo Algorithm, args ConvArgs) error
}

// Handle binds a Library to the device it runs on. Operations are created from a Handle.
type Handle struct {
	device  *accel.Device
	library Library
}

// NewHandle returns a Handle for the library.
func NewHandle(library Library) (*Handle, error) {
	dev := library.Device()
	if dev == nil || dev.IsClosed() {
		return nil, errors.Errorf("library %q has no usable device", library.Name())
	}
	klog.V(1).Infof("dnn: new handle for library %q in %s", library.Name(), dev)
	return &Handle{device: dev, library: library}, nil
}

// Device returns the device of the handle.
func (h *Handle) Device() *accel.Device { return h.device }

// Library returns the library of the handle.
func (h *Handle) Library() Library { return h.library }
