// Package zibai is an HTTP/1.1 application server. It serves callables
// implementing the wsgi contract over TCP and unix-domain sockets, with
// keep-alive, streamed bodies, graceful shutdown and a multi-process
// supervisor.
//
// Applications, application factories and lifecycle hooks are resolved by
// name through a registry, the statically-linked replacement for dynamic
// "module:attribute" imports: the embedding binary registers its callables
// at startup and the CLI selects them by name.
package zibai

import (
	"fmt"
	"sort"
	"sync"

	"github.com/zibai-server/zibai/wsgi"
)

var (
	registryMu sync.RWMutex
	apps       = map[string]wsgi.App{}
	factories  = map[string]func() wsgi.App{}
	hooks      = map[string]func(){}
)

// Register makes an application available under name.
func Register(name string, app wsgi.App) {
	registryMu.Lock()
	defer registryMu.Unlock()
	apps[name] = app
}

// RegisterFactory makes an application factory available under name; it is
// selected with the --call flag and invoked once at startup.
func RegisterFactory(name string, factory func() wsgi.App) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// RegisterHook makes a lifecycle hook available under name for
// --before-serve, --before-graceful-exit and --before-died.
func RegisterHook(name string, hook func()) {
	registryMu.Lock()
	defer registryMu.Unlock()
	hooks[name] = hook
}

// lookupApp resolves an application by name. With call set the name must
// refer to a registered factory, which is invoked to produce the app.
func lookupApp(name string, call bool) (wsgi.App, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	if call {
		factory, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("zibai: no application factory registered as %q (known: %v)",
				name, sortedKeys(factories))
		}
		return factory(), nil
	}

	app, ok := apps[name]
	if !ok {
		return nil, fmt.Errorf("zibai: no application registered as %q (known: %v)",
			name, sortedKeys(apps))
	}
	return app, nil
}

// lookupHook resolves an optional hook; an empty name yields nil.
func lookupHook(name string) (func(), error) {
	if name == "" {
		return nil, nil
	}
	registryMu.RLock()
	defer registryMu.RUnlock()
	hook, ok := hooks[name]
	if !ok {
		return nil, fmt.Errorf("zibai: no hook registered as %q (known: %v)", name, sortedKeys(hooks))
	}
	return hook, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
