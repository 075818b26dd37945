package accel

import (
	"fmt"

	"github.com/gomlx/gocu/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// module is a compiled module loaded in the device, with the functions resolved so far.
type module struct {
	name      string
	handle    driver.Module
	functions map[string]*Function
}

// Function is a kernel of a module loaded in a Device. It's returned by Device.GetFunction, and it's valid until the
// device is closed.
type Function struct {
	device *Device
	module string
	name   string
	handle driver.Function
}

// String implements fmt.Stringer.
func (fn *Function) String() string {
	return fmt.Sprintf("Function %s.%s of %s", fn.module, fn.name, fn.device)
}

// Name of the function in its module.
func (fn *Function) Name() string { return fn.name }

// Module name where the function was loaded from.
func (fn *Function) Module() string { return fn.module }

// LoadModule loads the compiled module image under the given name, and resolves the listed functions.
//
// Loading a module with a name already loaded is a no-op.
func (d *Device) LoadModule(name string, image []byte, functionNames ...string) error {
	if err := d.checkAlive(); err != nil {
		return err
	}
	d.muModules.Lock()
	defer d.muModules.Unlock()
	if d.modules == nil {
		return errors.WithStack(ErrDeviceClosed)
	}
	if _, found := d.modules[name]; found {
		return nil
	}
	handle, err := d.drv.ModuleLoadData(d.ctx, image)
	if err != nil {
		return errors.WithMessagef(err, "failed to load module %q in %s", name, d)
	}
	m := &module{name: name, handle: handle, functions: make(map[string]*Function, len(functionNames))}
	for _, fnName := range functionNames {
		if _, err = d.resolveFunctionLocked(m, fnName); err != nil {
			if unloadErr := d.drv.ModuleUnload(d.ctx, handle); unloadErr != nil {
				klog.Errorf("accel: failed to unload module %q after failing to load it: %+v", name, unloadErr)
			}
			return err
		}
	}
	d.modules[name] = m
	klog.V(1).Infof("accel: loaded module %q (%d functions) in %s", name, len(functionNames), d)
	return nil
}

// resolveFunctionLocked resolves the function in the module and caches it. d.muModules must be write locked.
func (d *Device) resolveFunctionLocked(m *module, name string) (*Function, error) {
	handle, err := d.drv.ModuleGetFunction(d.ctx, m.handle, name)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to get function %q from module %q in %s", name, m.name, d)
	}
	fn := &Function{device: d, module: m.name, name: name, handle: handle}
	m.functions[name] = fn
	return fn, nil
}

// HasModule returns whether a module with the given name was loaded.
func (d *Device) HasModule(name string) bool {
	d.muModules.RLock()
	defer d.muModules.RUnlock()
	_, found := d.modules[name]
	return found
}

// HasFunction returns whether the function was already resolved in the module with the given name.
func (d *Device) HasFunction(moduleName, function string) bool {
	d.muModules.RLock()
	defer d.muModules.RUnlock()
	m, found := d.modules[moduleName]
	if !found {
		return false
	}
	_, found = m.functions[function]
	return found
}

// GetFunction returns the function of the loaded module. Functions not listed when the module was loaded are
// resolved (and cached) on the first request. Repeated requests return the same Function.
func (d *Device) GetFunction(moduleName, function string) (*Function, error) {
	d.muModules.RLock()
	m, found := d.modules[moduleName]
	var fn *Function
	if found {
		fn = m.functions[function]
	}
	d.muModules.RUnlock()
	if fn != nil {
		return fn, nil
	}
	if !found {
		if err := d.checkAlive(); err != nil {
			return nil, err
		}
		return nil, errors.Errorf("module %q not loaded in %s", moduleName, d)
	}

	d.muModules.Lock()
	defer d.muModules.Unlock()
	m, found = d.modules[moduleName]
	if !found {
		return nil, errors.Errorf("module %q no longer loaded in %s", moduleName, d)
	}
	if fn, found = m.functions[function]; found {
		return fn, nil
	}
	return d.resolveFunctionLocked(m, function)
}
