package accel

import (
	"github.com/gomlx/gocu/driver"
	"github.com/gomlx/gocu/dtypes"
	"github.com/pkg/errors"
)

// ToHost copies the contents of the Slice to a new Go slice.
//
// The copy is enqueued in the default queue, and ToHost blocks until the default queue is drained: any error of the
// work enqueued before is reported here.
func (s *Slice[T]) ToHost() ([]T, error) {
	dst := make([]T, s.len)
	if err := s.ToHostInto(dst); err != nil {
		return nil, err
	}
	return dst, nil
}

// ToHostInto is like ToHost, but copies into dst, that must have the same length as the Slice.
func (s *Slice[T]) ToHostInto(dst []T) error {
	if len(dst) != s.len {
		return errors.Errorf("cannot copy %s into %d host values: lengths differ", s, len(dst))
	}
	ptr, err := s.resolve()
	if err != nil {
		return err
	}
	return copyToHost(s.device, dst, ptr)
}

// copyToHost enqueues the copy from ptr to dst in the default queue, and waits for the queue to drain.
func copyToHost[T dtypes.Supported](d *Device, dst []T, ptr driver.DevicePtr) error {
	if len(dst) > 0 {
		err := d.drv.MemcpyDtoHAsync(d.ctx, asBytes(dst), ptr, d.stream)
		if err != nil {
			return errors.WithMessagef(err, "failed to copy %d values of %s from %s to host", len(dst),
				dtypes.FromGenericsType[T](), ptr)
		}
	}
	return d.Synchronize()
}
