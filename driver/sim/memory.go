package sim

import (
	"cmp"
	"slices"
	"sync"
	"unsafe"

	"github.com/gomlx/gocu/driver"
	"k8s.io/klog/v2"
)

// memoryAlignment of the addresses returned by MemAllocAsync.
const memoryAlignment = 256

// region is one allocation in the device address space.
type region struct {
	addr    driver.DevicePtr
	size    int
	freeing bool // Set when a free is enqueued.

	// words backs data, so the data is 8-byte aligned.
	words []uint64
	data  []byte
}

func (r *region) end() driver.DevicePtr {
	return r.addr + driver.DevicePtr(r.size)
}

// memory is the address space of a device.
type memory struct {
	capacity int64

	mu       sync.Mutex
	reserved int64
	next     driver.DevicePtr
	regions  []*region // Sorted by addr.
}

func newMemory(ordinal int, capacity int64) *memory {
	return &memory{
		capacity: capacity,
		// Addresses of different devices never overlap.
		next: driver.DevicePtr(ordinal+1) << 40,
	}
}

func (m *memory) inUse() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reserved
}

func (m *memory) alloc(op string, bytes int) (driver.DevicePtr, error) {
	if bytes <= 0 {
		return 0, driver.Errorf(op, driver.ErrorInvalidValue, "cannot allocate %d bytes", bytes)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reserved+int64(bytes) > m.capacity {
		return 0, driver.Errorf(op, driver.ErrorOutOfMemory, "requested %d bytes, %d of %d bytes in use",
			bytes, m.reserved, m.capacity)
	}
	words := make([]uint64, (bytes+7)/8)
	r := &region{
		addr:  m.next,
		size:  bytes,
		words: words,
		data:  unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), bytes),
	}
	m.next += driver.DevicePtr((bytes + memoryAlignment - 1) / memoryAlignment * memoryAlignment)
	m.reserved += int64(bytes)
	m.regions = append(m.regions, r) // Addresses are monotonic, so it remains sorted.
	return r.addr, nil
}

// findLocked returns the index of the region containing ptr, or -1.
func (m *memory) findLocked(ptr driver.DevicePtr) int {
	idx, found := slices.BinarySearchFunc(m.regions, ptr, func(r *region, target driver.DevicePtr) int {
		return cmp.Compare(r.addr, target)
	})
	if found {
		return idx
	}
	// ptr may be inside the previous region.
	if idx > 0 && ptr < m.regions[idx-1].end() {
		return idx - 1
	}
	return -1
}

// markFree validates that ptr is the start of a live region and marks it as being freed.
func (m *memory) markFree(op string, ptr driver.DevicePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(ptr)
	if idx < 0 || m.regions[idx].addr != ptr {
		return driver.Errorf(op, driver.ErrorInvalidValue, "%s is not an allocated address", ptr)
	}
	if m.regions[idx].freeing {
		return driver.Errorf(op, driver.ErrorInvalidValue, "%s is already being freed", ptr)
	}
	m.regions[idx].freeing = true
	return nil
}

// free removes the region starting at ptr.
func (m *memory) free(op string, ptr driver.DevicePtr) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(ptr)
	if idx < 0 || m.regions[idx].addr != ptr {
		return driver.Errorf(op, driver.ErrorIllegalAddress, "%s is not an allocated address", ptr)
	}
	m.reserved -= int64(m.regions[idx].size)
	m.regions = slices.Delete(m.regions, idx, idx+1)
	return nil
}

// bytes returns the device memory in [ptr, ptr+n). The range must be inside one region.
func (m *memory) bytes(op string, ptr driver.DevicePtr, n int) ([]byte, error) {
	if n < 0 {
		return nil, driver.Errorf(op, driver.ErrorInvalidValue, "negative size %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := m.findLocked(ptr)
	if idx < 0 {
		return nil, driver.Errorf(op, driver.ErrorIllegalAddress, "%s is not in an allocated region", ptr)
	}
	r := m.regions[idx]
	start := int(ptr - r.addr)
	if start+n > r.size {
		return nil, driver.Errorf(op, driver.ErrorIllegalAddress, "[%s, %s) overflows the region [%s, %s)",
			ptr, ptr.Offset(n), r.addr, r.end())
	}
	return r.data[start : start+n], nil
}

// reset frees all regions, and returns the number of bytes that were still allocated.
func (m *memory) reset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	leaked := m.reserved
	m.regions = nil
	m.reserved = 0
	return leaked
}

// MemAllocAsync implements driver.Driver. The capacity is checked when the call is made, and the region is
// immediately valid.
func (d *Driver) MemAllocAsync(ctxHandle driver.Context, bytes int, streamHandle driver.Stream) (driver.DevicePtr, error) {
	const op = "MemAllocAsync"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return 0, err
	}
	if _, err = ctx.stream(op, streamHandle); err != nil {
		return 0, err
	}
	ptr, err := ctx.device.memory.alloc(op, bytes)
	if err != nil {
		return 0, err
	}
	klog.V(2).Infof("sim: allocated %d bytes at %s", bytes, ptr)
	return ptr, nil
}

// MemFreeAsync implements driver.Driver. The region is released when the free executes in the stream.
func (d *Driver) MemFreeAsync(ctxHandle driver.Context, ptr driver.DevicePtr, streamHandle driver.Stream) error {
	const op = "MemFreeAsync"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	s, err := ctx.stream(op, streamHandle)
	if err != nil {
		return err
	}
	mem := ctx.device.memory
	if err = mem.markFree(op, ptr); err != nil {
		return err
	}
	return s.enqueue(op, func() error {
		return mem.free(op, ptr)
	})
}

// MemsetAsync implements driver.Driver.
func (d *Driver) MemsetAsync(ctxHandle driver.Context, dst driver.DevicePtr, pattern []byte, count int, streamHandle driver.Stream) error {
	const op = "MemsetAsync"
	if len(pattern) == 0 {
		return driver.Errorf(op, driver.ErrorInvalidValue, "empty pattern")
	}
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	mem := ctx.device.memory
	if _, err = mem.bytes(op, dst, len(pattern)*count); err != nil {
		return err
	}
	pattern = slices.Clone(pattern)
	return ctx.enqueue(op, streamHandle, func() error {
		data, err := mem.bytes(op, dst, len(pattern)*count)
		if err != nil {
			return err
		}
		for pos := 0; pos < len(data); pos += len(pattern) {
			copy(data[pos:], pattern)
		}
		return nil
	})
}

// MemcpyHtoDAsync implements driver.Driver. src is copied before returning.
func (d *Driver) MemcpyHtoDAsync(ctxHandle driver.Context, dst driver.DevicePtr, src []byte, streamHandle driver.Stream) error {
	const op = "MemcpyHtoDAsync"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	mem := ctx.device.memory
	if _, err = mem.bytes(op, dst, len(src)); err != nil {
		return err
	}
	staged := slices.Clone(src)
	return ctx.enqueue(op, streamHandle, func() error {
		data, err := mem.bytes(op, dst, len(staged))
		if err != nil {
			return err
		}
		copy(data, staged)
		return nil
	})
}

// MemcpyDtoHAsync implements driver.Driver.
func (d *Driver) MemcpyDtoHAsync(ctxHandle driver.Context, dst []byte, src driver.DevicePtr, streamHandle driver.Stream) error {
	const op = "MemcpyDtoHAsync"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	mem := ctx.device.memory
	if _, err = mem.bytes(op, src, len(dst)); err != nil {
		return err
	}
	return ctx.enqueue(op, streamHandle, func() error {
		data, err := mem.bytes(op, src, len(dst))
		if err != nil {
			return err
		}
		copy(dst, data)
		return nil
	})
}

// MemcpyDtoDAsync implements driver.Driver.
func (d *Driver) MemcpyDtoDAsync(ctxHandle driver.Context, dst, src driver.DevicePtr, bytes int, streamHandle driver.Stream) error {
	const op = "MemcpyDtoDAsync"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	mem := ctx.device.memory
	if _, err = mem.bytes(op, src, bytes); err != nil {
		return err
	}
	if _, err = mem.bytes(op, dst, bytes); err != nil {
		return err
	}
	return ctx.enqueue(op, streamHandle, func() error {
		srcData, err := mem.bytes(op, src, bytes)
		if err != nil {
			return err
		}
		dstData, err := mem.bytes(op, dst, bytes)
		if err != nil {
			return err
		}
		copy(dstData, srcData)
		return nil
	})
}
