package bluez

import (
	"context"
	"errors"
	"fmt"

	dbus "github.com/godbus/dbus/v5"
	"github.com/srg/blescope/internal/device"
)

// NormalizeError maps BlueZ D-Bus errors onto the device sentinels.
// Returns wrapped errors to preserve original context.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", device.ErrTimeout, err)
	}

	name := errorName(err)
	msg := err.Error()
	switch {
	case device.ContainsIgnoreCase(msg, "le-connection-abort-by-local"):
		return fmt.Errorf("%w: %v", device.ErrTransient, err)
	case name == "org.bluez.Error.AlreadyConnected":
		return fmt.Errorf("%w: %v", device.ErrAlreadyConnected, err)
	case name == "org.bluez.Error.NotConnected":
		return fmt.Errorf("%w: %v", device.ErrNotConnected, err)
	case name == "org.bluez.Error.NotReady",
		device.ContainsIgnoreCase(msg, "resource not ready"):
		return fmt.Errorf("%w: %v", device.ErrBluetoothOff, err)
	case name == "org.bluez.Error.DoesNotExist",
		name == "org.freedesktop.DBus.Error.UnknownObject":
		return fmt.Errorf("%w: %v", device.ErrNotFound, err)
	case name == "org.freedesktop.DBus.Error.ServiceUnknown":
		return fmt.Errorf("%w: bluetoothd is not running: %v", device.ErrUnsupported, err)
	default:
		return err
	}
}

// errorName returns the D-Bus error name carried by err, or ""
func errorName(err error) string {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name
	}
	var dbusErrPtr *dbus.Error
	if errors.As(err, &dbusErrPtr) {
		return dbusErrPtr.Name
	}
	return ""
}
