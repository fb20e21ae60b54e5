package bluez

import (
	"context"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

// propertiesChange is a decoded PropertiesChanged signal
type propertiesChange struct {
	Iface   string
	Changed map[string]dbus.Variant
}

type watchFunc func(propertiesChange)

// router dispatches bus signals to per-object watchers.
// Watchers are scoped: each watch returns its own cancel func.
type router struct {
	logger *logrus.Logger

	mu       sync.Mutex
	nextID   uint64
	watchers map[dbus.ObjectPath]map[uint64]watchFunc

	onAdded   func(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant)
	onRemoved func(path dbus.ObjectPath, ifaces []string)
}

func newRouter(logger *logrus.Logger) *router {
	return &router{
		logger:   logger,
		watchers: make(map[dbus.ObjectPath]map[uint64]watchFunc),
	}
}

// watch registers fn for PropertiesChanged on path
func (r *router) watch(path dbus.ObjectPath, fn watchFunc) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	if r.watchers[path] == nil {
		r.watchers[path] = make(map[uint64]watchFunc)
	}
	r.watchers[path][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			delete(r.watchers[path], id)
			if len(r.watchers[path]) == 0 {
				delete(r.watchers, path)
			}
		})
	}
}

// watchCount returns the number of live watchers on path
func (r *router) watchCount(path dbus.ObjectPath) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers[path])
}

// run dispatches signals until ctx is done or the channel closes
func (r *router) run(ctx context.Context, signals <-chan *dbus.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			r.dispatch(sig)
		}
	}
}

func (r *router) dispatch(sig *dbus.Signal) {
	if sig == nil {
		return
	}
	switch sig.Name {
	case signalPropertiesChanged:
		if len(sig.Body) < 2 {
			return
		}
		iface, _ := sig.Body[0].(string)
		changed, _ := sig.Body[1].(map[string]dbus.Variant)
		if changed == nil {
			return
		}

		r.mu.Lock()
		fns := make([]watchFunc, 0, len(r.watchers[sig.Path]))
		for _, fn := range r.watchers[sig.Path] {
			fns = append(fns, fn)
		}
		r.mu.Unlock()

		// Watchers run outside the lock so they may cancel themselves
		for _, fn := range fns {
			fn(propertiesChange{Iface: iface, Changed: changed})
		}

	case signalInterfacesAdded:
		if len(sig.Body) < 2 || r.onAdded == nil {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
		if ifaces == nil {
			return
		}
		r.onAdded(path, ifaces)

	case signalInterfacesRemoved:
		if len(sig.Body) < 2 || r.onRemoved == nil {
			return
		}
		path, _ := sig.Body[0].(dbus.ObjectPath)
		ifaces, _ := sig.Body[1].([]string)
		r.onRemoved(path, ifaces)

	default:
		r.logger.WithField("signal", sig.Name).Trace("Ignoring D-Bus signal")
	}
}
