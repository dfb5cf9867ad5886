// Package transport holds the registry of named change feed transports. Each adapter package
// registers itself on import.
package transport

import (
	"github.com/autom8ter/rtsync"
	"github.com/autom8ter/rtsync/errors"
	"github.com/autom8ter/rtsync/internal/safe"
)

// Opener opens a transport from its parameters
type Opener func(params map[string]any, logger rtsync.Logger) (rtsync.Transport, error)

var openers = safe.NewMap[Opener](nil)

// Register registers a transport opener by name
func Register(name string, opener Opener) {
	openers.Set(name, opener)
}

// Open opens a registered transport. A nil logger discards transport logs.
func Open(name string, params map[string]any, logger rtsync.Logger) (rtsync.Transport, error) {
	opener, ok := openers.Load(name)
	if !ok {
		return nil, errors.New(errors.NotFound, "transport %s is not registered (registered: %v)", name, Names())
	}
	if logger == nil {
		logger = rtsync.NewZapLogger(nil)
	}
	if params == nil {
		params = map[string]any{}
	}
	return opener(params, logger)
}

// Names returns the registered transport names in order
func Names() []string {
	var names []string
	openers.Range(func(key string, _ Opener) bool {
		names = append(names, key)
		return true
	})
	return names
}
