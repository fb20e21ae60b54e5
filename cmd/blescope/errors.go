package main

import (
	"errors"
	"strings"

	"github.com/srg/blescope/internal/device"
)

// FormatUserError turns known failures into a one-line hint for the terminal
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, device.ErrBluetoothOff):
		return "Bluetooth is turned off. Enable the adapter and try again."
	case errors.Is(err, device.ErrUnsupported):
		return "This platform does not support the selected transport. Try --transport bluez or --transport direct."
	case errors.Is(err, device.ErrTimeout):
		return "Operation timed out: " + err.Error()
	}

	msg := err.Error()
	if strings.Contains(msg, "address already in use") {
		return msg + " (is another blescope running? use --listen to pick another address)"
	}
	return msg
}
