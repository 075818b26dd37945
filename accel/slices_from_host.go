package accel

import (
	"slices"

	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

// AllocFrom allocates a Slice with the same length as host and copies host into it, asynchronously in the default
// queue of the device. The driver is done with host when AllocFrom returns: it can be reused.
//
// The Slice keeps a copy of host, returned by Slice.HostMirror.
func AllocFrom[T dtypes.Supported](d *Device, host []T) (*Slice[T], error) {
	s, err := Alloc[T](d, len(host))
	if err != nil {
		return nil, err
	}
	if err = s.CopyFromHost(host); err != nil {
		s.Close()
		return nil, err
	}
	s.host = slices.Clone(host)
	return s, nil
}

// CopyFromHost copies src (that must have the same length as the Slice) into the device memory, asynchronously in
// the default queue. The driver is done with src when it returns.
func (s *Slice[T]) CopyFromHost(src []T) error {
	return s.CopyFromHostOn(s.device, src)
}

// CopyFromHostOn is like CopyFromHost, but the copy is ordered in the queue q.
func (s *Slice[T]) CopyFromHostOn(q Queue, src []T) error {
	if len(src) != s.len {
		return errors.Errorf("cannot copy %d host values into %s: lengths differ", len(src), s)
	}
	ptr, stream, err := s.resolveOn(q)
	if err != nil {
		return err
	}
	return copyFromHost(s.device, ptr, src, stream)
}

func copyFromHost[T dtypes.Supported](d *Device, ptr driver.DevicePtr, src []T, stream driver.Stream) error {
	if len(src) == 0 {
		return nil
	}
	err := d.drv.MemcpyHtoDAsync(d.ctx, ptr, asBytes(src), stream)
	return errors.WithMessagef(err, "failed to copy %d values of %s from host to %s", len(src),
		dtypes.FromGenericsType[T](), ptr)
}
