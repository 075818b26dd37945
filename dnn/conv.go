package dnn

import (
	"github.com/gomlx/gocu/accel"
	"github.com/gomlx/gocu/dtypes"
	"github.com/gomlx/gocu/workspace"
	"github.com/pkg/errors"
)

// convOp implements workspace.Operation[AlgorithmPerf] for the three convolution operations.
type convOp struct {
	handle  *Handle
	problem Problem
	x, w, y accel.DevicePointer
}

// Problem returns the description of the operation.
func (op *convOp) Problem() Problem { return op.problem }

// Algorithms implements workspace.Operation: it asks the library for the single best algorithm.
func (op *convOp) Algorithms() ([]AlgorithmPerf, error) {
	perfs, err := op.handle.library.FindAlgorithms(op.problem, 1)
	if err != nil {
		return nil, errors.WithMessagef(err, "library %q failed to find algorithms for %s",
			op.handle.library.Name(), op.problem)
	}
	return perfs, nil
}

func (op *convOp) checkAlgorithm(perf AlgorithmPerf) error {
	if perf.Algorithm == nil || perf.Algorithm.Kind() != op.problem.Kind {
		return errors.Wrapf(ErrNotSupported, "algorithm %v can't be used for %s", perf.Algorithm, op.problem.Kind)
	}
	return nil
}

// WorkspaceSize implements workspace.Operation.
func (op *convOp) WorkspaceSize(perf AlgorithmPerf) (int, error) {
	if err := op.checkAlgorithm(perf); err != nil {
		return 0, err
	}
	return op.handle.library.WorkspaceSize(op.problem, perf.Algorithm)
}

// Execute implements workspace.Operation.
func (op *convOp) Execute(perf AlgorithmPerf, ws workspace.Workspace, scale workspace.Scale) error {
	if err := op.checkAlgorithm(perf); err != nil {
		return err
	}
	return op.handle.library.Convolve(op.problem, perf.Algorithm, ConvArgs{
		X:         op.x.DevicePtr(),
		W:         op.w.DevicePtr(),
		Y:         op.y.DevicePtr(),
		Workspace: ws,
		Scale:     scale,
	})
}

func newConvOp[T dtypes.Supported](h *Handle, kind OperationKind, conv ConvolutionDescriptor, x *Tensor4D[T],
	w *Filter[T], y *Tensor4D[T]) (convOp, error) {
	for _, dev := range []*accel.Device{x.data.Device(), w.data.Device(), y.data.Device()} {
		if dev != h.device {
			return convOp{}, errors.Errorf("tensors of %s must be in the device of the handle, %s", kind, h.device)
		}
	}
	problem, err := NewProblem(kind, conv, x.desc, w.desc, y.desc)
	if err != nil {
		return convOp{}, errors.WithMessagef(err, "invalid %s convolution", kind)
	}
	return convOp{handle: h, problem: problem, x: x, w: w, y: y}, nil
}

// ConvForward computes y = alpha*conv(x, w) + beta*y. It implements workspace.Operation[AlgorithmPerf].
type ConvForward[T dtypes.Supported] struct {
	convOp
}

// NewConvForward validates the shapes and returns the forward convolution of x by w into y.
func NewConvForward[T dtypes.Supported](h *Handle, conv ConvolutionDescriptor, x *Tensor4D[T], w *Filter[T],
	y *Tensor4D[T]) (*ConvForward[T], error) {
	op, err := newConvOp(h, KindForward, conv, x, w, y)
	if err != nil {
		return nil, err
	}
	return &ConvForward[T]{op}, nil
}

// ConvBackwardData computes the gradient of the input of the convolution: dx = alpha*convᵀ(dy, w) + beta*dx.
// It implements workspace.Operation[AlgorithmPerf].
type ConvBackwardData[T dtypes.Supported] struct {
	convOp
}

// NewConvBackwardData validates the shapes and returns the operation writing dx from dy and w.
func NewConvBackwardData[T dtypes.Supported](h *Handle, conv ConvolutionDescriptor, w *Filter[T], dy *Tensor4D[T],
	dx *Tensor4D[T]) (*ConvBackwardData[T], error) {
	op, err := newConvOp(h, KindBackwardData, conv, dx, w, dy)
	if err != nil {
		return nil, err
	}
	return &ConvBackwardData[T]{op}, nil
}

// ConvBackwardFilter computes the gradient of the filter of the convolution: dw = alpha*corr(x, dy) + beta*dw.
// It implements workspace.Operation[AlgorithmPerf].
type ConvBackwardFilter[T dtypes.Supported] struct {
	convOp
}

// NewConvBackwardFilter validates the shapes and returns the operation writing dw from x and dy.
func NewConvBackwardFilter[T dtypes.Supported](h *Handle, conv ConvolutionDescriptor, x *Tensor4D[T],
	dy *Tensor4D[T], dw *Filter[T]) (*ConvBackwardFilter[T], error) {
	op, err := newConvOp(h, KindBackwardFilter, conv, x, dw, dy)
	if err != nil {
		return nil, err
	}
	return &ConvBackwardFilter[T]{op}, nil
}

var (
	_ workspace.Operation[AlgorithmPerf] = (*ConvForward[float32])(nil)
	_ workspace.Operation[AlgorithmPerf] = (*ConvBackwardData[float32])(nil)
	_ workspace.Operation[AlgorithmPerf] = (*ConvBackwardFilter[float64])(nil)
)
