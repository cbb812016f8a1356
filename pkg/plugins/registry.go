package plugins

import (
	"fmt"
	"sort"
	"sync"
)

// Context carries what a factory needs to construct a plugin instance:
// the plugin's identity, its unpacked directory and its parsed
// metadata.
type Context struct {
	ID   string
	Dir  string
	Info PluginInfo
}

// Factory constructs a plugin instance for an unpacked plugin
// directory. The plugin.info entry field names the factory to use.
type Factory func(ctx Context) (Plugin, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// RegisterFactory makes a plugin factory available under the given
// entry name. Vendor packages call it from init. It panics when the
// factory is nil or the name is already taken.
func RegisterFactory(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("plugins: RegisterFactory factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("plugins: RegisterFactory called twice for factory " + name)
	}
	factories[name] = factory
}

// Factories returns the sorted names of the registered factories.
func Factories() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupFactory(name string) (Factory, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown plugin factory %q (registered: %v)", name, Factories())
	}
	return factory, nil
}

// unregisterAllFactories removes every registered factory. Tests use it
// to isolate registry state.
func unregisterAllFactories() {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	factories = make(map[string]Factory)
}
