package dnn

import (
	"fmt"

	"github.com/gomlx/gocu/accel"
	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

// Tensor4D is a 4D tensor in NCHW layout, stored in device memory. It owns its allocation: Close it when done.
type Tensor4D[T dtypes.Supported] struct {
	desc TensorDescriptor
	data *accel.Slice[T]
}

// AllocTensor4D allocates an uninitialized tensor with the given dimensions.
func AllocTensor4D[T dtypes.Supported](dev *accel.Device, n, c, h, w int) (*Tensor4D[T], error) {
	desc := TensorDescriptor{N: n, C: c, H: h, W: w, DType: dtypes.FromGenericsType[T]()}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	data, err := accel.Alloc[T](dev, desc.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate tensor %s", desc)
	}
	return &Tensor4D[T]{desc: desc, data: data}, nil
}

// AllocTensor4DFrom allocates a tensor with the given dimensions and copies values (in NCHW order) into it.
func AllocTensor4DFrom[T dtypes.Supported](dev *accel.Device, n, c, h, w int, values []T) (*Tensor4D[T], error) {
	desc := TensorDescriptor{N: n, C: c, H: h, W: w, DType: dtypes.FromGenericsType[T]()}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if len(values) != desc.Size() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values given for tensor %s of %d elements",
			len(values), desc, desc.Size())
	}
	data, err := accel.AllocFrom(dev, values)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate tensor %s", desc)
	}
	return &Tensor4D[T]{desc: desc, data: data}, nil
}

// AllocTensor4DAllSame allocates a tensor with the given dimensions and all elements set to value.
func AllocTensor4DAllSame[T dtypes.Supported](dev *accel.Device, n, c, h, w int, value T) (*Tensor4D[T], error) {
	t, err := AllocTensor4D[T](dev, n, c, h, w)
	if err != nil {
		return nil, err
	}
	if err = t.SetAll(value); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// Descriptor returns the shape and dtype of the tensor.
func (t *Tensor4D[T]) Descriptor() TensorDescriptor { return t.desc }

// Data returns the underlying device allocation.
func (t *Tensor4D[T]) Data() *accel.Slice[T] { return t.data }

// DevicePtr returns the address of the tensor in device memory.
func (t *Tensor4D[T]) DevicePtr() driver.DevicePtr { return t.data.DevicePtr() }

// SetAll sets all elements to value, asynchronously in the default queue of the device.
func (t *Tensor4D[T]) SetAll(value T) error { return t.data.Fill(value) }

// ToHost copies the tensor to a Go slice in NCHW order. It blocks until the default queue of the device is drained.
func (t *Tensor4D[T]) ToHost() ([]T, error) { return t.data.ToHost() }

// Close frees the device memory. It's idempotent.
func (t *Tensor4D[T]) Close() { t.data.Close() }

// String implements fmt.Stringer.
func (t *Tensor4D[T]) String() string { return fmt.Sprintf("Tensor4D%s", t.desc) }

// Filter is a convolution filter in KCRS layout, stored in device memory. It owns its allocation: Close it when done.
type Filter[T dtypes.Supported] struct {
	desc FilterDescriptor
	data *accel.Slice[T]
}

// AllocFilter allocates an uninitialized filter with the given dimensions.
func AllocFilter[T dtypes.Supported](dev *accel.Device, k, c, r, s int) (*Filter[T], error) {
	desc := FilterDescriptor{K: k, C: c, R: r, S: s, DType: dtypes.FromGenericsType[T]()}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	data, err := accel.Alloc[T](dev, desc.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate filter %s", desc)
	}
	return &Filter[T]{desc: desc, data: data}, nil
}

// AllocFilterFrom allocates a filter with the given dimensions and copies values (in KCRS order) into it.
func AllocFilterFrom[T dtypes.Supported](dev *accel.Device, k, c, r, s int, values []T) (*Filter[T], error) {
	desc := FilterDescriptor{K: k, C: c, R: r, S: s, DType: dtypes.FromGenericsType[T]()}
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if len(values) != desc.Size() {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values given for filter %s of %d elements",
			len(values), desc, desc.Size())
	}
	data, err := accel.AllocFrom(dev, values)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate filter %s", desc)
	}
	return &Filter[T]{desc: desc, data: data}, nil
}

// AllocFilterAllSame allocates a filter with the given dimensions and all elements set to value.
func AllocFilterAllSame[T dtypes.Supported](dev *accel.Device, k, c, r, s int, value T) (*Filter[T], error) {
	f, err := AllocFilter[T](dev, k, c, r, s)
	if err != nil {
		return nil, err
	}
	if err = f.SetAll(value); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

// Descriptor returns the shape and dtype of the filter.
func (f *Filter[T]) Descriptor() FilterDescriptor { return f.desc }

// Data returns the underlying device allocation.
func (f *Filter[T]) Data() *accel.Slice[T] { return f.data }

// DevicePtr returns the address of the filter in device memory.
func (f *Filter[T]) DevicePtr() driver.DevicePtr { return f.data.DevicePtr() }

// SetAll sets all elements to value, asynchronously in the default queue of the device.
func (f *Filter[T]) SetAll(value T) error { return f.data.Fill(value) }

// ToHost copies the filter to a Go slice in KCRS order. It blocks until the default queue of the device is drained.
func (f *Filter[T]) ToHost() ([]T, error) { return f.data.ToHost() }

// Close frees the device memory. It's idempotent.
func (f *Filter[T]) Close() { f.data.Close() }

// String implements fmt.Stringer.
func (f *Filter[T]) String() string { return fmt.Sprintf("Filter%s", f.desc) }
