package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents an error when a device or one of its sessions is not known
type NotFoundError struct {
	Resource string // "device", "session", "characteristic"
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// Is allows errors.Is(err, ErrNotFound) to match any NotFoundError
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// ConnectionState represents the specific kind of connection state conflict
type ConnectionState string

const (
	Connecting       ConnectionState = "connecting"
	AlreadyConnected ConnectionState = "already_connected"
	NotConnected     ConnectionState = "not_connected"
)

// ConnectionError represents any connection-state problem
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Predefined sentinel errors for connection states
var (
	ErrConnecting       = &ConnectionError{State: Connecting}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotConnected     = &ConnectionError{State: NotConnected}
)

// Operation errors
var (
	ErrNotFound     = errors.New("not found")
	ErrTimeout      = errors.New("timeout")
	ErrTransient    = errors.New("transient transport error")
	ErrBluetoothOff = errors.New("bluetooth is turned off")
	ErrUnsupported  = errors.New("unsupported")
)

// IsConnectionState reports whether err is a ConnectionError with the given state
func IsConnectionState(err error, state ConnectionState) bool {
	var cerr *ConnectionError
	if errors.As(err, &cerr) {
		return cerr.State == state
	}
	return false
}

// IsConflict reports whether err rejects a connect because an attempt or session already exists
func IsConflict(err error) bool {
	return errors.Is(err, ErrConnecting) || errors.Is(err, ErrAlreadyConnected)
}

// IsNotFound reports whether err is a not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ContainsIgnoreCase checks substring case-insensitively.
// Backends use it to map raw stack messages onto the sentinels above.
func ContainsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
