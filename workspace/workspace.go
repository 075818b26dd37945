// Package workspace implements the protocol of operations that need a runtime-selected algorithm and scratch device
// memory (the workspace) sized for that algorithm.
//
// The steps are always the same: select the algorithm (GetAlgorithm), ask for its workspace size, allocate the
// workspace in the device, execute, and free the workspace. Bind does the first three, and returns a Binding that can
// be executed any number of times until it is closed:
//
//	binding, err := workspace.Bind(dev, op)
//	if err != nil { ... }
//	defer binding.Close()
//	err = binding.Execute().Accumulate().Done()
//
// Or in one call, with Run.
package workspace

import (
	"fmt"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrReleased is returned when executing a Binding that was already closed.
var ErrReleased = errors.New("workspace binding already released")

// Scale holds the blending factors of an operation's output: output = Alpha*result + Beta*output.
type Scale struct {
	Alpha, Beta float64
}

var (
	// ReplaceScale overwrites the output with the result. This is the default.
	ReplaceScale = Scale{Alpha: 1, Beta: 0}

	// AccumulateScale adds the result to the output.
	AccumulateScale = Scale{Alpha: 1, Beta: 1}
)

// String implements fmt.Stringer.
func (s Scale) String() string {
	return fmt.Sprintf("(alpha=%g, beta=%g)", s.Alpha, s.Beta)
}

// Workspace is the scratch device memory given to Operation.Execute. It's valid only during the call.
//
// An empty Workspace has a null pointer.
type Workspace struct {
	ptr   driver.DevicePtr
	bytes int
}

// DevicePtr returns the address of the workspace in device memory, or 0 if it is empty.
// It implements accel.DevicePointer, so it can be passed directly as a kernel argument.
func (w Workspace) DevicePtr() driver.DevicePtr { return w.ptr }

// Bytes returns the size of the workspace.
func (w Workspace) Bytes() int { return w.bytes }

// IsNull returns whether the workspace is empty.
func (w Workspace) IsNull() bool { return w.ptr == 0 }

// String implements fmt.Stringer.
func (w Workspace) String() string {
	return fmt.Sprintf("Workspace(%d bytes at %s)", w.bytes, w.ptr)
}

// Operation is implemented by operations that need a workspace. A is the type of the algorithm descriptor.
type Operation[A any] interface {
	// Algorithms queries the candidate algorithms for the operation, asking for one result.
	Algorithms() ([]A, error)

	// WorkspaceSize returns the bytes of workspace needed by the operation using the algorithm.
	WorkspaceSize(algo A) (int, error)

	// Execute enqueues the operation using the algorithm and the workspace of (at least) the size it reported.
	Execute(algo A, ws Workspace, scale Scale) error
}

// GetAlgorithm returns the algorithm selected for op.
//
// The query asks for exactly one candidate: any other number of results is an inconsistency of the operation, and it
// panics. Errors of the query are returned.
func GetAlgorithm[A any](op Operation[A]) (algo A, err error) {
	candidates, err := op.Algorithms()
	if err != nil {
		err = errors.WithMessagef(err, "failed to query algorithms for %T", op)
		return
	}
	if len(candidates) != 1 {
		err = errors.Errorf("algorithm query for %T returned %d candidates, expected exactly one", op, len(candidates))
		klog.Errorf("workspace: %+v", err)
		panic(err)
	}
	return candidates[0], nil
}
