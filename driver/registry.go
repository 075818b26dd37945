package driver

import (
	"os"
	"slices"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DriverEnv is the name of the environment variable that selects the driver returned by Default.
	DriverEnv = "GOCU_DRIVER"

	// DefaultDriverName is used by Default when DriverEnv is not set.
	DefaultDriverName = "sim"
)

var (
	// registeredDrivers caches the drivers registered so far. Protected by muDrivers.
	registeredDrivers = make(map[string]Driver)
	muDrivers         sync.Mutex
)

// Register makes a driver available by its name. Registering a second driver with the same name replaces the first.
//
// Drivers typically register themselves in the init() function of their package, so importing the package (even
// with `_`) is enough to make them available.
func Register(drv Driver) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	name := drv.Name()
	if _, found := registeredDrivers[name]; found {
		klog.Warningf("driver %q registered more than once, the last registration is used", name)
	}
	registeredDrivers[name] = drv
	klog.V(1).Infof("registered accelerator driver %q", name)
}

// Get returns the driver registered with the given name.
func Get(name string) (Driver, error) {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	drv, found := registeredDrivers[name]
	if !found {
		return nil, errors.Errorf("accelerator driver %q not registered, available drivers: %v -- "+
			"did you forget to import the driver package (e.g. `import _ \"github.com/gomlx/gocu/driver/sim\"`)?",
			name, availableLocked())
	}
	return drv, nil
}

// Default returns the driver named by the environment variable GOCU_DRIVER, or "sim" if it is not set.
func Default() (Driver, error) {
	name, found := os.LookupEnv(DriverEnv)
	if !found || name == "" {
		name = DefaultDriverName
	}
	return Get(name)
}

// Available returns the sorted names of the registered drivers.
func Available() []string {
	muDrivers.Lock()
	defer muDrivers.Unlock()
	return availableLocked()
}

func availableLocked() []string {
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
