/*
 *	Copyright 2025 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package accel

import (
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// ModulePathsEnv is the name of the environment variable that define the search paths for compiled modules.
	ModulePathsEnv = "GOCU_MODULE_PATH"

	// ModuleExtension of compiled module files.
	ModuleExtension = ".gocumod"

	// DefaultModulePath is searched if GOCU_MODULE_PATH is not set.
	DefaultModulePath = "/usr/local/lib/gocu"
)

// ModuleSearchPaths returns the directories where LoadModuleFromFile searches for modules.
//
// Modules are searched in the GOCU_MODULE_PATH directory -- or directories, if it is a ":" separated list.
// If it is not set it will search in `/usr/local/lib/gocu`.
func ModuleSearchPaths() []string {
	modulePaths, found := os.LookupEnv(ModulePathsEnv)
	if !found {
		return []string{DefaultModulePath}
	}
	return slices.DeleteFunc(strings.Split(modulePaths, ":"), func(p string) bool {
		return p == "" // Remove empty paths.
	})
}

// AvailableModules searches for compiled modules in the search paths and returns a map from their name to their
// paths. If a module name is present in more than one directory, the first in the search paths is used.
func AvailableModules() (modulePaths map[string]string) {
	modulePaths = make(map[string]string)
	for _, dir := range ModuleSearchPaths() {
		candidates, err := filepath.Glob(path.Join(dir, "*"+ModuleExtension))
		if err != nil {
			continue
		}
		for _, candidate := range candidates {
			name := strings.TrimSuffix(path.Base(candidate), ModuleExtension)
			if _, found := modulePaths[name]; found {
				continue
			}
			modulePaths[name] = candidate
		}
	}
	return
}

// LoadModuleFromFile searches for the file `<name>.gocumod` in the module search paths (see ModuleSearchPaths),
// and loads it with LoadModule. name can also be an absolute path to the module file.
func (d *Device) LoadModuleFromFile(name string, functionNames ...string) error {
	if d.HasModule(name) {
		return nil
	}
	modulePath := name
	if !path.IsAbs(modulePath) {
		var found bool
		modulePath, found = AvailableModules()[name]
		if !found {
			return errors.Errorf("module %q not found in paths %v: set %s to the path(s) to search; "+
				"modules should be named <name>%s", name, ModuleSearchPaths(), ModulePathsEnv, ModuleExtension)
		}
	}
	klog.V(1).Infof("accel: loading module %q from %s", name, modulePath)
	image, err := os.ReadFile(modulePath)
	if err != nil {
		return errors.Wrapf(err, "failed to read module %q from %s", name, modulePath)
	}
	return d.LoadModule(name, image, functionNames...)
}
