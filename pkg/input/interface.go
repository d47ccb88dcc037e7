// Package input defines the contract between the host and input source plugins.
package input

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// Plugin is the interface every input source implements.
//
// The host drives the lifecycle from a single goroutine. Frame production is
// owned by the plugin and may run on its own goroutines, so the buffer
// callbacks injected with SetCallbacks are safe to call from anywhere.
type Plugin interface {
	// Lifecycle
	Init() error
	Release()
	Start() Result
	Stop() Result

	// Buffer exchange
	SetCallbacks(request RequestBufferFunc, finalize FinalizeBufferFunc)

	// Identity, assigned once by the host
	UniqueID() int
	SetUniqueID(id int)
}

// UIInitializer is implemented by plugins that render UI through a context
// shared with the host.
type UIInitializer interface {
	InitUI(ctx *UIContext) error
}

// SettingsReader is implemented by plugins that consume host settings.
type SettingsReader interface {
	ReadSettings(settings Settings)
}

// SettingsDrawer is implemented by plugins with a settings panel. The plugin
// may modify settings in place and clear *show to close the panel.
type SettingsDrawer interface {
	DrawSettingsUI(settings Settings, show *bool)
}

// CustomDrawer is implemented by plugins that draw UI every host frame.
type CustomDrawer interface {
	DrawCustomUI(settings Settings)
}

// LoggerSetter is implemented by plugins that log through the host. The
// host calls SetLogger before Init with an entry carrying the instance
// identity. Base implements it.
type LoggerSetter interface {
	SetLogger(log *logrus.Entry)
}

// ErrorReporter is implemented by plugins whose frame production can end on
// its own while started, e.g. when a finite input runs out. Err returns why,
// or nil while producing. It may be called concurrently with other methods.
type ErrorReporter interface {
	Err() error
}

// Factory creates a new, unconfigured plugin instance
type Factory func() Plugin

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register registers a plugin factory under a source type. Registering the
// same type twice panics.
func Register(typ string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if factory == nil {
		panic(fmt.Sprintf("input: nil factory for %q", typ))
	}
	if _, exists := registry[typ]; exists {
		panic(fmt.Sprintf("input: source type %q registered twice", typ))
	}
	registry[typ] = factory
}

// Get returns a new plugin instance for a source type
func Get(typ string) (Plugin, bool) {
	registryMu.RLock()
	factory, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Types returns the registered source types, sorted
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for typ := range registry {
		types = append(types, typ)
	}
	sort.Strings(types)
	return types
}
