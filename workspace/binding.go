package workspace

import (
	"fmt"

	"github.com/gomlx/gocu/accel"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Binding of an operation to its selected algorithm and to a workspace allocated for it. Create it with Bind.
//
// It's owned by one goroutine: it can be executed many times, and it must be closed to free the workspace.
type Binding[A any] struct {
	device    *accel.Device
	op        Operation[A]
	algo      A
	size      int
	workspace *accel.Slice[byte]
	released  bool
}

// Bind selects the algorithm for op (see GetAlgorithm), queries its workspace size and allocates the workspace in
// the default queue of the device. The workspace is never smaller than the size reported by op.
//
// A zero size binds an empty (null) workspace.
func Bind[A any](dev *accel.Device, op Operation[A]) (*Binding[A], error) {
	algo, err := GetAlgorithm(op)
	if err != nil {
		return nil, err
	}
	size, err := op.WorkspaceSize(algo)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get workspace size of %T for algorithm %v", op, algo)
	}
	if size < 0 {
		return nil, errors.Errorf("invalid workspace size %d for %T using algorithm %v", size, op, algo)
	}
	ws, err := accel.Alloc[byte](dev, size)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate workspace of %d bytes for %T", size, op)
	}
	b := &Binding[A]{device: dev, op: op, algo: algo, size: size, workspace: ws}
	klog.V(2).Infof("workspace: bound %s", b)
	return b, nil
}

// String implements fmt.Stringer.
func (b *Binding[A]) String() string {
	return fmt.Sprintf("Binding(%T, algorithm=%v, workspace=%d bytes)", b.op, b.algo, b.size)
}

// Algorithm returns the selected algorithm.
func (b *Binding[A]) Algorithm() A { return b.algo }

// WorkspaceSize returns the size in bytes reported for the selected algorithm.
func (b *Binding[A]) WorkspaceSize() int { return b.size }

// Workspace returns the allocated workspace.
func (b *Binding[A]) Workspace() Workspace {
	return Workspace{ptr: b.workspace.DevicePtr(), bytes: b.workspace.Len()}
}

// IsReleased returns whether Close was called.
func (b *Binding[A]) IsReleased() bool { return b.released }

// Close frees the workspace, asynchronously in the default queue of the device: work already enqueued that uses it
// is not affected. It's idempotent.
func (b *Binding[A]) Close() {
	if b.released {
		return
	}
	b.released = true
	b.workspace.Close()
	klog.V(2).Infof("workspace: released %s", b)
}

// Execute returns an ExecutionConfig to execute the operation. Call ExecutionConfig.Done to enqueue it.
//
// The default scale is ReplaceScale. Example:
//
//	err := binding.Execute().WithScale(0.5, 1).Done()
func (b *Binding[A]) Execute() *ExecutionConfig[A] {
	return &ExecutionConfig[A]{binding: b, scale: ReplaceScale}
}

// ExecutionConfig configures one execution of a Binding. It is created with Binding.Execute.
type ExecutionConfig[A any] struct {
	binding *Binding[A]
	scale   Scale
}

// WithScale sets the blending factors: output = alpha*result + beta*output.
func (c *ExecutionConfig[A]) WithScale(alpha, beta float64) *ExecutionConfig[A] {
	c.scale = Scale{Alpha: alpha, Beta: beta}
	return c
}

// Replace overwrites the output with the result: alpha=1, beta=0. This is the default.
func (c *ExecutionConfig[A]) Replace() *ExecutionConfig[A] {
	c.scale = ReplaceScale
	return c
}

// Accumulate adds the result to the output: alpha=1, beta=1.
func (c *ExecutionConfig[A]) Accumulate() *ExecutionConfig[A] {
	c.scale = AccumulateScale
	return c
}

// Done enqueues the execution. It returns ErrReleased if the Binding was closed.
func (c *ExecutionConfig[A]) Done() error {
	b := c.binding
	if b.released {
		return errors.WithStack(ErrReleased)
	}
	if b.device.IsClosed() {
		return errors.WithStack(accel.ErrDeviceClosed)
	}
	err := b.op.Execute(b.algo, b.Workspace(), c.scale)
	if err != nil {
		return errors.WithMessagef(err, "failed to execute %s with scale %s", b, c.scale)
	}
	return nil
}

// Run binds op, executes it once with the given scale, and closes the binding.
func Run[A any](dev *accel.Device, op Operation[A], scale Scale) error {
	b, err := Bind(dev, op)
	if err != nil {
		return err
	}
	defer b.Close()
	return b.Execute().WithScale(scale.Alpha, scale.Beta).Done()
}
