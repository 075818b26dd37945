package dnn

import (
	"fmt"
	"time"
)

// OperationKind identifies the three convolution operations.
type OperationKind int

const (
	// KindForward computes y = conv(x, w).
	KindForward OperationKind = iota

	// KindBackwardData computes the gradient of the input: dx = convᵀ(dy, w).
	KindBackwardData

	// KindBackwardFilter computes the gradient of the filter: dw = corr(x, dy).
	KindBackwardFilter
)

// String implements fmt.Stringer.
func (k OperationKind) String() string {
	switch k {
	case KindForward:
		return "Forward"
	case KindBackwardData:
		return "BackwardData"
	case KindBackwardFilter:
		return "BackwardFilter"
	}
	return fmt.Sprintf("OperationKind(%d)", int(k))
}

// Algorithm is one of ForwardAlgorithm, BackwardDataAlgorithm or BackwardFilterAlgorithm.
// Algorithms of one kind can't be used by an operation of another kind.
type Algorithm interface {
	Kind() OperationKind
	String() string
}

// ForwardAlgorithm enumerates the algorithms of the forward convolution.
type ForwardAlgorithm int

const (
	// ForwardImplicitGEMM computes each output element directly from the input, without workspace.
	ForwardImplicitGEMM ForwardAlgorithm = iota

	// ForwardGEMM expands the input patches into the workspace (im2col) and multiplies them by the filter.
	ForwardGEMM
)

// Kind implements Algorithm.
func (a ForwardAlgorithm) Kind() OperationKind { return KindForward }

// String implements fmt.Stringer.
func (a ForwardAlgorithm) String() string {
	switch a {
	case ForwardImplicitGEMM:
		return "ForwardImplicitGEMM"
	case ForwardGEMM:
		return "ForwardGEMM"
	}
	return fmt.Sprintf("ForwardAlgorithm(%d)", int(a))
}

// BackwardDataAlgorithm enumerates the algorithms of the convolution gradient with respect to its input.
type BackwardDataAlgorithm int

const (
	// BackwardDataImplicit gathers each input gradient element directly, without workspace.
	BackwardDataImplicit BackwardDataAlgorithm = iota

	// BackwardDataGEMM multiplies the transposed filter by the output gradient into the workspace, and scatters it
	// back (col2im).
	BackwardDataGEMM
)

// Kind implements Algorithm.
func (a BackwardDataAlgorithm) Kind() OperationKind { return KindBackwardData }

// String implements fmt.Stringer.
func (a BackwardDataAlgorithm) String() string {
	switch a {
	case BackwardDataImplicit:
		return "BackwardDataImplicit"
	case BackwardDataGEMM:
		return "BackwardDataGEMM"
	}
	return fmt.Sprintf("BackwardDataAlgorithm(%d)", int(a))
}

// BackwardFilterAlgorithm enumerates the algorithms of the convolution gradient with respect to its filter.
type BackwardFilterAlgorithm int

const (
	// BackwardFilterImplicit reduces each filter gradient element directly, without workspace.
	BackwardFilterImplicit BackwardFilterAlgorithm = iota

	// BackwardFilterGEMM expands the input patches into the workspace (im2col) and multiplies them by the output
	// gradient.
	BackwardFilterGEMM
)

// Kind implements Algorithm.
func (a BackwardFilterAlgorithm) Kind() OperationKind { return KindBackwardFilter }

// String implements fmt.Stringer.
func (a BackwardFilterAlgorithm) String() string {
	switch a {
	case BackwardFilterImplicit:
		return "BackwardFilterImplicit"
	case BackwardFilterGEMM:
		return "BackwardFilterGEMM"
	}
	return fmt.Sprintf("BackwardFilterAlgorithm(%d)", int(a))
}

// AlgorithmPerf is a candidate algorithm returned by Library.FindAlgorithms.
type AlgorithmPerf struct {
	Algorithm Algorithm

	// Time is the measured execution time, or 0 if the algorithm was chosen by heuristics.
	Time time.Duration

	// Memory is the workspace size in bytes needed by the algorithm.
	Memory int
}

// String implements fmt.Stringer.
func (p AlgorithmPerf) String() string {
	if p.Time > 0 {
		return fmt.Sprintf("%s(workspace=%d bytes, time=%s)", p.Algorithm, p.Memory, p.Time)
	}
	return fmt.Sprintf("%s(workspace=%d bytes)", p.Algorithm, p.Memory)
}
