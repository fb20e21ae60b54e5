package bluez

import (
	"context"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	gattSvcIface    = "org.bluez.GattService1"
	gattCharIface   = "org.bluez.GattCharacteristic1"
	objManagerIface = "org.freedesktop.DBus.ObjectManager"
	propsIface      = "org.freedesktop.DBus.Properties"

	signalPropertiesChanged = propsIface + ".PropertiesChanged"
	signalInterfacesAdded   = objManagerIface + ".InterfacesAdded"
	signalInterfacesRemoved = objManagerIface + ".InterfacesRemoved"
	signalBufferSize        = 256
)

// ManagedObjects is the GetManagedObjects reply: path → interface → property → value
type ManagedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Conn is the slice of the system bus the backend needs
type Conn interface {
	ManagedObjects(ctx context.Context) (ManagedObjects, error)
	// Call invokes a BlueZ method on the object at path and discards the reply
	Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error
	Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error)
	// Signals delivers PropertiesChanged, InterfacesAdded and InterfacesRemoved signals
	Signals() <-chan *dbus.Signal
	Close() error
}

// ConnFactory opens the bus connection (can be overridden in tests)
//
//nolint:revive // ConnFactory name is intentional for test mocking
var ConnFactory = func() (Conn, error) {
	return ConnectSystemBus()
}

// systemConn talks to BlueZ over the system bus
type systemConn struct {
	bus     *dbus.Conn
	signals chan *dbus.Signal
	matches [][]dbus.MatchOption
}

// ConnectSystemBus opens a private system bus connection and subscribes to
// the BlueZ signals the backend routes
func ConnectSystemBus() (Conn, error) {
	bus, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	c := &systemConn{
		bus:     bus,
		signals: make(chan *dbus.Signal, signalBufferSize),
		matches: [][]dbus.MatchOption{
			{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged"), dbus.WithMatchSender(bluezService)},
			{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesAdded"), dbus.WithMatchSender(bluezService)},
			{dbus.WithMatchInterface(objManagerIface), dbus.WithMatchMember("InterfacesRemoved"), dbus.WithMatchSender(bluezService)},
		},
	}
	for _, m := range c.matches {
		if err := bus.AddMatchSignal(m...); err != nil {
			_ = bus.Close()
			return nil, fmt.Errorf("AddMatchSignal: %w", err)
		}
	}
	bus.Signal(c.signals)
	return c, nil
}

func (c *systemConn) ManagedObjects(ctx context.Context) (ManagedObjects, error) {
	var objs ManagedObjects
	call := c.bus.Object(bluezService, dbus.ObjectPath("/")).CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func (c *systemConn) Call(ctx context.Context, path dbus.ObjectPath, method string, args ...any) error {
	return c.bus.Object(bluezService, path).CallWithContext(ctx, method, 0, args...).Err
}

func (c *systemConn) Property(ctx context.Context, path dbus.ObjectPath, iface, name string) (dbus.Variant, error) {
	var v dbus.Variant
	call := c.bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".Get", 0, iface, name)
	if call.Err != nil {
		return v, call.Err
	}
	err := call.Store(&v)
	return v, err
}

func (c *systemConn) Signals() <-chan *dbus.Signal {
	return c.signals
}

func (c *systemConn) Close() error {
	for _, m := range c.matches {
		_ = c.bus.RemoveMatchSignal(m...)
	}
	c.bus.RemoveSignal(c.signals)
	return c.bus.Close()
}
