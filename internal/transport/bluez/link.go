package bluez

import (
	"context"
	"fmt"
	"sort"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/transport"
)

// link is a confirmed BlueZ connection. It owns the signal watches attached
// for the device and its characteristics and releases them on Close.
type link struct {
	id     string
	path   dbus.ObjectPath
	conn   Conn
	router *router
	logger *logrus.Logger

	mu          sync.Mutex
	cancels     []func()
	established bool
	closed      bool
}

func newLink(id string, path dbus.ObjectPath, conn Conn, r *router, logger *logrus.Logger) *link {
	return &link{id: id, path: path, conn: conn, router: r, logger: logger}
}

func (l *link) addCancel(cancel func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		cancel()
		return
	}
	l.cancels = append(l.cancels, cancel)
	l.mu.Unlock()
}

func (l *link) establish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.established = true
}

func (l *link) isEstablished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.established && !l.closed
}

func (l *link) ReadRSSI(ctx context.Context) (int, error) {
	v, err := l.conn.Property(ctx, l.path, deviceIface, "RSSI")
	if err != nil {
		return 0, NormalizeError(err)
	}
	rssi, ok := variantRSSI(map[string]dbus.Variant{"RSSI": v})
	if !ok {
		return 0, fmt.Errorf("unexpected RSSI type %s", v.Signature())
	}
	return rssi, nil
}

// Discover enumerates GATT service and characteristic objects under the device path
func (l *link) Discover(ctx context.Context) ([]transport.Service, error) {
	objs, err := l.conn.ManagedObjects(ctx)
	if err != nil {
		return nil, NormalizeError(err)
	}

	paths := make([]dbus.ObjectPath, 0)
	for path := range objs {
		if isUnder(path, l.path) {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	byPath := make(map[dbus.ObjectPath]int)
	var services []transport.Service
	for _, path := range paths {
		props, ok := objs[path][gattSvcIface]
		if !ok {
			continue
		}
		uuid, _ := variantString(props, "UUID")
		byPath[path] = len(services)
		services = append(services, transport.Service{UUID: device.NormalizeUUID(uuid)})
	}

	for _, path := range paths {
		props, ok := objs[path][gattCharIface]
		if !ok {
			continue
		}
		uuid, _ := variantString(props, "UUID")
		flags, _ := variantStrings(props, "Flags")

		var svcPath dbus.ObjectPath
		if v, ok := props["Service"]; ok {
			svcPath, _ = v.Value().(dbus.ObjectPath)
		}
		idx, ok := byPath[svcPath]
		if !ok {
			l.logger.WithField("path", path).Debug("Characteristic without a known service")
			continue
		}

		svc := &services[idx]
		svc.Characteristics = append(svc.Characteristics, transport.Characteristic{
			Key:         string(path),
			ServiceUUID: svc.UUID,
			UUID:        device.NormalizeUUID(uuid),
			Properties:  append([]string{}, flags...),
		})
	}

	l.logger.WithFields(logrus.Fields{
		"id":       l.id,
		"services": len(services),
	}).Debug("GATT objects enumerated")
	return services, nil
}

// Subscribe listens for Value changes on the characteristic object and calls StartNotify
func (l *link) Subscribe(ctx context.Context, char transport.Characteristic, fn func([]byte)) error {
	path := dbus.ObjectPath(char.Key)
	if !isUnder(path, l.path) {
		return &device.NotFoundError{Resource: "characteristic", ID: char.Key}
	}

	cancel := l.router.watch(path, func(change propertiesChange) {
		if change.Iface != gattCharIface {
			return
		}
		v, ok := change.Changed["Value"]
		if !ok {
			return
		}
		if data, ok := variantBytes(v); ok {
			fn(data)
		}
	})

	if err := l.conn.Call(ctx, path, gattCharIface+".StartNotify"); err != nil {
		cancel()
		return NormalizeError(err)
	}
	l.addCancel(cancel)
	return nil
}

func (l *link) Disconnect(ctx context.Context) error {
	return NormalizeError(l.conn.Call(ctx, l.path, deviceIface+".Disconnect"))
}

// Close detaches every watch owned by the link
func (l *link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	cancels := l.cancels
	l.cancels = nil
	l.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}
