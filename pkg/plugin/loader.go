package plugin

import (
	"errors"
	"fmt"
	goplugin "plugin"
)

// Loader resolves plugin binaries into Plugin implementations.
type Loader interface {
	Load(path string) (Plugin, error)
}

// GoPluginLoader opens shared objects built with -buildmode=plugin and looks
// up an exported `Plugin` symbol.
type GoPluginLoader struct{}

// Load opens the shared object at path.
func (GoPluginLoader) Load(path string) (Plugin, error) {
	if path == "" {
		return nil, errors.New("plugin path cannot be empty")
	}
	so, err := goplugin.Open(path)
	if err != nil {
		return nil, err
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, err
	}
	return asPlugin(symbol)
}

// asPlugin accepts the shapes a plugin may export: a value, a pointer to a
// Plugin variable or a constructor.
func asPlugin(symbol any) (Plugin, error) {
	switch p := symbol.(type) {
	case *Plugin:
		if p == nil || *p == nil {
			return nil, errors.New("plugin symbol is nil")
		}
		return *p, nil
	case func() Plugin:
		return p(), nil
	case Plugin:
		return p, nil
	default:
		return nil, fmt.Errorf("plugin symbol %T must implement plugin.Plugin", symbol)
	}
}
