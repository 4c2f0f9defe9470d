package cryptoprov

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
)

// DefaultModuleMapName is the name of the built-in module map
const DefaultModuleMapName = "default"

var (
	lockModules sync.RWMutex
	modules     = map[string]ModuleMap{
		DefaultModuleMapName: DefaultModules,
	}
)

// Register module map by name
func Register(name string, m ModuleMap) error {
	lockModules.Lock()
	defer lockModules.Unlock()

	if _, ok := modules[name]; ok {
		return errors.Errorf("already registered: %s", name)
	}

	modules[name] = m

	return nil
}

// Unregister module map by name
func Unregister(name string) (ModuleMap, error) {
	lockModules.Lock()
	defer lockModules.Unlock()

	if m, ok := modules[name]; ok {
		delete(modules, name)
		return m, nil
	}

	return nil, errors.Errorf("not registered: %s", name)
}

// Registered returns sorted names of registered module maps
func Registered() []string {
	lockModules.RLock()
	defer lockModules.RUnlock()

	list := make([]string, 0, len(modules))
	for name := range modules {
		list = append(list, name)
	}
	sort.Strings(list)
	return list
}

// ModulePaths returns existing libraries for the cards,
// from all registered module maps in order of their names
func ModulePaths(atrs [][]byte) []string {
	lockModules.RLock()
	defer lockModules.RUnlock()

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	var res []string
	for _, name := range names {
		res = modules[name].appendPaths(res, atrs)
	}
	return res
}

// ResolvePath returns the library path of the configuration,
// or the first library found for the cards.
// The module map of the configuration takes precedence over the registered maps.
func ResolvePath(cfg TokenConfig, atrs [][]byte) (string, error) {
	if cfg != nil && cfg.Path() != "" {
		return cfg.Path(), nil
	}

	var paths []string
	if cfg != nil && cfg.Modules() != "" {
		m, err := LoadModuleMap(cfg.Modules())
		if err != nil {
			return "", err
		}
		paths = m.Paths(atrs)
	}
	paths = append(paths, ModulePaths(atrs)...)

	if len(paths) == 0 {
		return "", errors.New("no PKCS#11 module found for the card")
	}
	return paths[0], nil
}
