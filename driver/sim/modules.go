package sim

import (
	"bytes"
	"fmt"
	"sync"
	"unsafe"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// KernelFunc is the Go implementation of a kernel: it is called once per block of the launch grid, possibly
// concurrently, and it is responsible for iterating over the threads of its block.
type KernelFunc func(b *Block) error

// imageMagic prefixes the images created by Image.
const imageMagic = "GOCUSIM\x00"

var (
	// registeredModules holds the kernels of each module, by module name. Protected by muModules.
	registeredModules = make(map[string]map[string]KernelFunc)
	muModules         sync.RWMutex
)

// RegisterModule makes a module with the given kernels loadable by any sim.Driver, with the image returned by
// Image(name). Registering a module with the same name replaces it for future loads.
func RegisterModule(name string, kernels map[string]KernelFunc) {
	muModules.Lock()
	defer muModules.Unlock()
	copied := make(map[string]KernelFunc, len(kernels))
	for fnName, fn := range kernels {
		copied[fnName] = fn
	}
	registeredModules[name] = copied
	klog.V(1).Infof("sim: module %q registered with %d kernels", name, len(kernels))
}

// Image returns the loadable image of the module registered under name.
func Image(name string) []byte {
	return []byte(imageMagic + name)
}

// ParseImage returns the module name of an image created with Image.
func ParseImage(image []byte) (string, error) {
	if !bytes.HasPrefix(image, []byte(imageMagic)) {
		return "", errors.Errorf("not a sim module image (%d bytes)", len(image))
	}
	return string(image[len(imageMagic):]), nil
}

type loadedModule struct {
	handle  driver.Module
	name    string
	kernels map[string]KernelFunc
}

type function struct {
	handle driver.Function
	module *loadedModule
	name   string
	kernel KernelFunc
}

// ModuleLoadData implements driver.Driver.
func (d *Driver) ModuleLoadData(ctxHandle driver.Context, image []byte) (driver.Module, error) {
	const op = "ModuleLoadData"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return 0, err
	}
	name, err := ParseImage(image)
	if err != nil {
		return 0, driver.Errorf(op, driver.ErrorInvalidImage, "%v", err)
	}
	muModules.RLock()
	kernels, found := registeredModules[name]
	muModules.RUnlock()
	if !found {
		return 0, driver.Errorf(op, driver.ErrorInvalidImage, "module %q not registered", name)
	}
	m := &loadedModule{handle: driver.Module(d.newHandle()), name: name, kernels: kernels}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	ctx.modules[m.handle] = m
	klog.V(2).Infof("sim: module %q loaded as %d in context %d", name, m.handle, ctx.handle)
	return m.handle, nil
}

// ModuleUnload implements driver.Driver. Functions of the module become invalid.
func (d *Driver) ModuleUnload(ctxHandle driver.Context, handle driver.Module) error {
	const op = "ModuleUnload"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	m, found := ctx.modules[handle]
	if !found {
		return driver.Errorf(op, driver.ErrorInvalidHandle, "module %d not loaded in context %d", handle, ctx.handle)
	}
	delete(ctx.modules, handle)
	for fnHandle, fn := range ctx.functions {
		if fn.module == m {
			delete(ctx.functions, fnHandle)
		}
	}
	klog.V(2).Infof("sim: module %q (%d) unloaded", m.name, handle)
	return nil
}

// ModuleGetFunction implements driver.Driver. Each call returns a new handle.
func (d *Driver) ModuleGetFunction(ctxHandle driver.Context, handle driver.Module, name string) (driver.Function, error) {
	const op = "ModuleGetFunction"
	ctx, err := d.context(op, ctxHandle)
	if err != nil {
		return 0, err
	}
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	m, found := ctx.modules[handle]
	if !found {
		return 0, driver.Errorf(op, driver.ErrorInvalidHandle, "module %d not loaded in context %d", handle, ctx.handle)
	}
	kernel, found := m.kernels[name]
	if !found {
		return 0, driver.Errorf(op, driver.ErrorNotFound, "function %q not found in module %q", name, m.name)
	}
	fn := &function{handle: driver.Function(d.newHandle()), module: m, name: name, kernel: kernel}
	ctx.functions[fn.handle] = fn
	return fn.handle, nil
}

// Block is the view a kernel has of one block of the launch grid.
type Block struct {
	// Idx is the index of the block in the grid.
	Idx driver.Dim3

	// Grid and Dim are the dimensions of the grid, and of each block.
	Grid, Dim driver.Dim3

	// Args as given to the launch.
	Args []any

	// Shared is the block's shared memory, with the size requested by the launch.
	Shared []byte

	mem *memory
}

// Linear returns the linear index of the block in the grid, x varying fastest.
func (b *Block) Linear() int {
	gx, gy := max(b.Grid.X, 1), max(b.Grid.Y, 1)
	return b.Idx.X + gx*(b.Idx.Y+gy*b.Idx.Z)
}

// GlobalIndex returns the global linear index of the given thread of the block, for 1D launches.
func (b *Block) GlobalIndex(thread int) int {
	return b.Linear()*b.Dim.Size() + thread
}

// Bytes returns the device memory at [ptr, ptr+n).
func (b *Block) Bytes(ptr driver.DevicePtr, n int) ([]byte, error) {
	return b.mem.bytes("Kernel", ptr, n)
}

// Elements returns the n elements of type T stored at ptr.
func Elements[T any](b *Block, ptr driver.DevicePtr, n int) ([]T, error) {
	if n == 0 {
		return nil, nil
	}
	var zero T
	data, err := b.Bytes(ptr, n*int(unsafe.Sizeof(zero)))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&data[0])), n), nil
}

// Arg returns the i-th argument of the launch, converted to T.
func Arg[T any](b *Block, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(b.Args) {
		return zero, errors.Errorf("kernel argument #%d requested, but only %d given", i, len(b.Args))
	}
	value, ok := b.Args[i].(T)
	if !ok {
		return zero, errors.Errorf("kernel argument #%d is a %T, expected %T", i, b.Args[i], zero)
	}
	return value, nil
}

// String implements fmt.Stringer.
func (b *Block) String() string {
	return fmt.Sprintf("block %s of grid %s", b.Idx, b.Grid)
}
