// Package sim implements driver.Driver as a software accelerator running on the host.
//
// Every stream is served by its own goroutine, that executes the enqueued commands in FIFO order. Device memory is a
// per-device address space of 256-byte aligned regions, and kernels are Go functions registered with RegisterModule,
// run over all blocks of the launch grid in parallel.
//
// Importing the package registers a driver named "sim", configured from the environment (see DefaultConfig).
package sim

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/gomlx/gocu/driver"
	"k8s.io/klog/v2"
)

// Name under which the default instance is registered.
const Name = "sim"

// Environment variables read by DefaultConfig.
const (
	DevicesEnv    = "GOCU_SIM_DEVICES"
	MemoryEnv     = "GOCU_SIM_MEMORY"
	WorkersEnv    = "GOCU_SIM_WORKERS"
	QueueDepthEnv = "GOCU_SIM_QUEUE_DEPTH"
)

// Config of a simulated accelerator.
type Config struct {
	// Devices is the number of devices reported.
	Devices int

	// MemoryBytes is the capacity of each device.
	MemoryBytes int64

	// Workers is the max number of kernel blocks executed in parallel by one launch.
	Workers int

	// QueueDepth is the number of commands a stream holds before enqueueing blocks.
	QueueDepth int
}

// DefaultConfig returns the configuration given by the environment variables GOCU_SIM_DEVICES (default 1),
// GOCU_SIM_MEMORY (bytes per device, default 1GiB), GOCU_SIM_WORKERS (default runtime.NumCPU()) and
// GOCU_SIM_QUEUE_DEPTH (default 1024).
//
// Invalid values are reported in the logs and replaced by the default.
func DefaultConfig() Config {
	return Config{
		Devices:     envInt(DevicesEnv, 1),
		MemoryBytes: int64(envInt(MemoryEnv, 1<<30)),
		Workers:     envInt(WorkersEnv, runtime.NumCPU()),
		QueueDepth:  envInt(QueueDepthEnv, 1024),
	}
}

func envInt(name string, defaultValue int) int {
	str, found := os.LookupEnv(name)
	if !found || str == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(str)
	if err != nil || value <= 0 {
		klog.Warningf("invalid value %s=%q, using default %d", name, str, defaultValue)
		return defaultValue
	}
	return value
}

// Driver is the simulated accelerator. Create it with New.
type Driver struct {
	name   string
	config Config

	mu          sync.Mutex
	initialized bool
	devices     []*device
	contexts    map[driver.Context]*simContext
	faults      map[string]driver.Result

	// lastHandle is used to generate all handles: they are unique across handle types.
	lastHandle atomic.Uintptr
}

// Assert Driver implements driver.Driver.
var _ driver.Driver = (*Driver)(nil)

// New creates a simulated accelerator with the given configuration.
//
// Each Driver is independent: tests can create their own to not interfere with each other.
func New(config Config) *Driver {
	defaults := DefaultConfig()
	if config.Devices <= 0 {
		config.Devices = defaults.Devices
	}
	if config.MemoryBytes <= 0 {
		config.MemoryBytes = defaults.MemoryBytes
	}
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.QueueDepth <= 0 {
		config.QueueDepth = defaults.QueueDepth
	}
	return &Driver{
		name:     Name,
		config:   config,
		contexts: make(map[driver.Context]*simContext),
		faults:   make(map[string]driver.Result),
	}
}

// WithName changes the name the driver reports, and returns itself. Used to register more than one instance.
func (d *Driver) WithName(name string) *Driver {
	d.name = name
	return d
}

// Config returns the configuration of the driver.
func (d *Driver) Config() Config {
	return d.config
}

func (d *Driver) newHandle() uintptr {
	return d.lastHandle.Add(1)
}

// InjectFault makes the next call to the driver operation op (e.g. "StreamDestroy") fail with code.
func (d *Driver) InjectFault(op string, code driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.faults[op] = code
}

// fault returns the error injected for op, if any, and clears it.
func (d *Driver) fault(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	code, found := d.faults[op]
	if !found {
		return nil
	}
	delete(d.faults, op)
	return driver.Errorf(op, code, "injected fault")
}

// MemoryInUse returns the number of bytes currently allocated in the device with the given ordinal.
func (d *Driver) MemoryInUse(ordinal int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ordinal < 0 || ordinal >= len(d.devices) {
		return 0
	}
	return d.devices[ordinal].memory.inUse()
}

// ContextAlive returns whether the primary context of the device with the given ordinal is retained.
func (d *Driver) ContextAlive(ordinal int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ordinal >= 0 && ordinal < len(d.devices) && d.devices[ordinal].primary != nil
}

// device is one simulated device.
type device struct {
	ordinal int
	name    string
	memory  *memory

	// primary context and its reference count.
	primary *simContext
	refs    int
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return d.name }

// Init implements driver.Driver.
func (d *Driver) Init() error {
	if err := d.fault("Init"); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	d.devices = make([]*device, d.config.Devices)
	for ii := range d.devices {
		d.devices[ii] = &device{
			ordinal: ii,
			name:    fmt.Sprintf("gocu simulated device #%d", ii),
			memory:  newMemory(ii, d.config.MemoryBytes),
		}
	}
	d.initialized = true
	klog.V(1).Infof("sim driver %q initialized with %d device(s) of %d bytes", d.name, d.config.Devices, d.config.MemoryBytes)
	return nil
}

func (d *Driver) deviceLocked(op string, dev driver.Device) (*device, error) {
	if !d.initialized {
		return nil, driver.Errorf(op, driver.ErrorNotInitialized, "Init() not called")
	}
	if int(dev) < 0 || int(dev) >= len(d.devices) {
		return nil, driver.Errorf(op, driver.ErrorInvalidDevice, "device %d, only %d devices available", dev, len(d.devices))
	}
	return d.devices[dev], nil
}

// DeviceCount implements driver.Driver.
func (d *Driver) DeviceCount() (int, error) {
	if err := d.fault("DeviceCount"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.Errorf("DeviceCount", driver.ErrorNotInitialized, "Init() not called")
	}
	return len(d.devices), nil
}

// DeviceGet implements driver.Driver.
func (d *Driver) DeviceGet(ordinal int) (driver.Device, error) {
	if err := d.fault("DeviceGet"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	dev, err := d.deviceLocked("DeviceGet", driver.Device(ordinal))
	if err != nil {
		return 0, err
	}
	return driver.Device(dev.ordinal), nil
}

// DeviceName implements driver.Driver.
func (d *Driver) DeviceName(dev driver.Device) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	simDev, err := d.deviceLocked("DeviceName", dev)
	if err != nil {
		return "", err
	}
	return simDev.name, nil
}

// DeviceTotalMem implements driver.Driver.
func (d *Driver) DeviceTotalMem(dev driver.Device) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	simDev, err := d.deviceLocked("DeviceTotalMem", dev)
	if err != nil {
		return 0, err
	}
	return simDev.memory.capacity, nil
}

// PrimaryCtxRetain implements driver.Driver.
func (d *Driver) PrimaryCtxRetain(dev driver.Device) (driver.Context, error) {
	if err := d.fault("PrimaryCtxRetain"); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	simDev, err := d.deviceLocked("PrimaryCtxRetain", dev)
	if err != nil {
		return 0, err
	}
	if simDev.primary == nil {
		ctx := &simContext{
			handle:    driver.Context(d.newHandle()),
			device:    simDev,
			streams:   make(map[driver.Stream]*stream),
			events:    make(map[driver.Event]*event),
			modules:   make(map[driver.Module]*loadedModule),
			functions: make(map[driver.Function]*function),
		}
		ctx.streams[driver.NullStream] = newStream(driver.NullStream, d.config.QueueDepth)
		simDev.primary = ctx
		d.contexts[ctx.handle] = ctx
		klog.V(2).Infof("sim: primary context %d created for device %d", ctx.handle, simDev.ordinal)
	}
	simDev.refs++
	return simDev.primary.handle, nil
}

// PrimaryCtxRelease implements driver.Driver.
//
// The last release drains and stops every stream of the context and frees all its memory.
func (d *Driver) PrimaryCtxRelease(dev driver.Device) error {
	if err := d.fault("PrimaryCtxRelease"); err != nil {
		return err
	}
	d.mu.Lock()
	simDev, err := d.deviceLocked("PrimaryCtxRelease", dev)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if simDev.primary == nil {
		d.mu.Unlock()
		return driver.Errorf("PrimaryCtxRelease", driver.ErrorInvalidContext, "device %d has no retained primary context", dev)
	}
	simDev.refs--
	if simDev.refs > 0 {
		d.mu.Unlock()
		return nil
	}
	ctx := simDev.primary
	simDev.primary = nil
	delete(d.contexts, ctx.handle)
	d.mu.Unlock()

	ctx.destroy()
	klog.V(2).Infof("sim: primary context %d of device %d destroyed", ctx.handle, simDev.ordinal)
	return nil
}

// CtxSetCurrent implements driver.Driver. The simulated driver has no ambient context, it only validates ctx.
func (d *Driver) CtxSetCurrent(ctx driver.Context) error {
	_, err := d.context("CtxSetCurrent", ctx)
	return err
}

// context returns the live context for the handle.
func (d *Driver) context(op string, handle driver.Context) (*simContext, error) {
	if err := d.fault(op); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, found := d.contexts[handle]
	if !found {
		return nil, driver.Errorf(op, driver.ErrorInvalidContext, "context %d not found or already destroyed", handle)
	}
	return ctx, nil
}

// simContext holds the resources created in one context.
type simContext struct {
	handle driver.Context
	device *device

	mu        sync.Mutex
	streams   map[driver.Stream]*stream
	events    map[driver.Event]*event
	modules   map[driver.Module]*loadedModule
	functions map[driver.Function]*function
}

func (ctx *simContext) stream(op string, handle driver.Stream) (*stream, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	s, found := ctx.streams[handle]
	if !found {
		return nil, driver.Errorf(op, driver.ErrorInvalidHandle, "stream %d not found in context %d", handle, ctx.handle)
	}
	return s, nil
}

func (ctx *simContext) event(op string, handle driver.Event) (*event, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	e, found := ctx.events[handle]
	if !found {
		return nil, driver.Errorf(op, driver.ErrorInvalidHandle, "event %d not found in context %d", handle, ctx.handle)
	}
	return e, nil
}

// destroy drains and stops all streams, and releases all the memory of the context.
func (ctx *simContext) destroy() {
	ctx.mu.Lock()
	streams := ctx.streams
	ctx.streams = make(map[driver.Stream]*stream)
	ctx.events = make(map[driver.Event]*event)
	ctx.modules = make(map[driver.Module]*loadedModule)
	ctx.functions = make(map[driver.Function]*function)
	ctx.mu.Unlock()

	for _, s := range streams {
		s.stop()
	}
	if leaked := ctx.device.memory.reset(); leaked > 0 {
		klog.V(1).Infof("sim: context %d destroyed with %d bytes still allocated", ctx.handle, leaked)
	}
}
