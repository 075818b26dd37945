// Package dnn implements deep neural network convolutions on top of the accel and workspace packages.
//
// Tensors are 4D in NCHW layout (Tensor4D), filters in KCRS layout (Filter). The three convolution operations
// (ConvForward, ConvBackwardData and ConvBackwardFilter) implement workspace.Operation: they select an algorithm
// from a Library, and are executed with workspace.Bind or workspace.Run.
//
// A Library is the vendor strategy provider: it enumerates the algorithms for a problem, sizes their workspace and
// runs them. See package dnn/reference for one that runs on the simulated accelerator.
package dnn

import (
	"fmt"

	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch is returned when the shapes of the tensors of an operation are not compatible.
	ErrShapeMismatch = errors.New("dnn: shape mismatch")

	// ErrNotSupported is returned by a Library for problems (dtypes, algorithms) it can't handle.
	ErrNotSupported = errors.New("dnn: not supported")
)

// TensorDescriptor describes a 4D tensor in NCHW layout: batch, channels, height and width.
type TensorDescriptor struct {
	N, C, H, W int
	DType      dtypes.DType
}

// Size returns the number of elements.
func (d TensorDescriptor) Size() int { return d.N * d.C * d.H * d.W }

// Bytes returns the size in bytes.
func (d TensorDescriptor) Bytes() int { return d.Size() * d.DType.Size() }

// Validate checks all dimensions are positive and the dtype is valid.
func (d TensorDescriptor) Validate() error {
	if d.N <= 0 || d.C <= 0 || d.H <= 0 || d.W <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "invalid tensor dimensions %s", d)
	}
	if !d.DType.IsValid() {
		return errors.Errorf("invalid dtype for tensor %s", d)
	}
	return nil
}

// String implements fmt.Stringer.
func (d TensorDescriptor) String() string {
	return fmt.Sprintf("(%s)[N=%d, C=%d, H=%d, W=%d]", d.DType, d.N, d.C, d.H, d.W)
}

// FilterDescriptor describes a convolution filter in KCRS layout: output channels, input channels, height and
// width.
type FilterDescriptor struct {
	K, C, R, S int
	DType      dtypes.DType
}

// Size returns the number of elements.
func (d FilterDescriptor) Size() int { return d.K * d.C * d.R * d.S }

// Bytes returns the size in bytes.
func (d FilterDescriptor) Bytes() int { return d.Size() * d.DType.Size() }

// Validate checks all dimensions are positive and the dtype is valid.
func (d FilterDescriptor) Validate() error {
	if d.K <= 0 || d.C <= 0 || d.R <= 0 || d.S <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "invalid filter dimensions %s", d)
	}
	if !d.DType.IsValid() {
		return errors.Errorf("invalid dtype for filter %s", d)
	}
	return nil
}

// String implements fmt.Stringer.
func (d FilterDescriptor) String() string {
	return fmt.Sprintf("(%s)[K=%d, C=%d, R=%d, S=%d]", d.DType, d.K, d.C, d.R, d.S)
}

// ConvolutionMode selects whether the filter is flipped.
type ConvolutionMode int

const (
	// CrossCorrelation doesn't flip the filter. It's what deep learning frameworks call convolution.
	CrossCorrelation ConvolutionMode = iota

	// Convolution flips the filter, as in the mathematical definition.
	Convolution
)

// String implements fmt.Stringer.
func (m ConvolutionMode) String() string {
	switch m {
	case CrossCorrelation:
		return "CrossCorrelation"
	case Convolution:
		return "Convolution"
	}
	return fmt.Sprintf("ConvolutionMode(%d)", int(m))
}

// ConvolutionDescriptor holds the parameters of a 2D convolution.
// The zero value is not valid: strides and dilations must be at least 1. See NewConvolution.
type ConvolutionDescriptor struct {
	PadH, PadW           int
	StrideH, StrideW     int
	DilationH, DilationW int
	Mode                 ConvolutionMode
}

// NewConvolution returns a cross-correlation descriptor with the given padding and stride, and no dilation.
func NewConvolution(padH, padW, strideH, strideW int) ConvolutionDescriptor {
	return ConvolutionDescriptor{
		PadH: padH, PadW: padW,
		StrideH: strideH, StrideW: strideW,
		DilationH: 1, DilationW: 1,
		Mode: CrossCorrelation,
	}
}

// Validate checks the parameters are valid.
func (c ConvolutionDescriptor) Validate() error {
	if c.PadH < 0 || c.PadW < 0 {
		return errors.Errorf("negative padding in %s", c)
	}
	if c.StrideH < 1 || c.StrideW < 1 || c.DilationH < 1 || c.DilationW < 1 {
		return errors.Errorf("strides and dilations must be >= 1 in %s", c)
	}
	if c.Mode != CrossCorrelation && c.Mode != Convolution {
		return errors.Errorf("invalid mode in %s", c)
	}
	return nil
}

// String implements fmt.Stringer.
func (c ConvolutionDescriptor) String() string {
	return fmt.Sprintf("%s(pad=%dx%d, stride=%dx%d, dilation=%dx%d)", c.Mode, c.PadH, c.PadW, c.StrideH, c.StrideW,
		c.DilationH, c.DilationW)
}

// outputSize of one spatial dimension: (in + 2*pad - ((filter-1)*dilation+1)) / stride + 1.
func outputSize(in, pad, filter, dilation, stride int) int {
	effective := (filter-1)*dilation + 1
	if in+2*pad < effective {
		return 0
	}
	return (in+2*pad-effective)/stride + 1
}

// OutputDims returns the descriptor of the output of the convolution of x by w.
func (c ConvolutionDescriptor) OutputDims(x TensorDescriptor, w FilterDescriptor) (TensorDescriptor, error) {
	if err := c.Validate(); err != nil {
		return TensorDescriptor{}, err
	}
	if err := x.Validate(); err != nil {
		return TensorDescriptor{}, err
	}
	if err := w.Validate(); err != nil {
		return TensorDescriptor{}, err
	}
	if x.C != w.C {
		return TensorDescriptor{}, errors.Wrapf(ErrShapeMismatch, "input %s has %d channels, but filter %s expects %d",
			x, x.C, w, w.C)
	}
	if x.DType != w.DType {
		return TensorDescriptor{}, errors.Wrapf(ErrShapeMismatch, "input %s and filter %s have different dtypes", x, w)
	}
	if !x.DType.IsFloat() {
		return TensorDescriptor{}, errors.Wrapf(ErrNotSupported, "convolution of non-float input %s", x)
	}
	y := TensorDescriptor{
		N:     x.N,
		C:     w.K,
		H:     outputSize(x.H, c.PadH, w.R, c.DilationH, c.StrideH),
		W:     outputSize(x.W, c.PadW, w.S, c.DilationW, c.StrideW),
		DType: x.DType,
	}
	if y.H <= 0 || y.W <= 0 {
		return TensorDescriptor{}, errors.Wrapf(ErrShapeMismatch, "filter %s with %s larger than the padded input %s",
			w, c, x)
	}
	return y, nil
}
