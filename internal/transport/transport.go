// Package transport defines the capability set every BLE backend offers.
//
// The registry, the event bus and the connection lifecycle manager depend
// only on these interfaces; one backend is selected at process start.
package transport

import (
	"context"
	"time"
)

// Scan state change reasons
const (
	ScanReasonInitial      = "initial"
	ScanReasonPoweredOn    = "poweredOn"
	ScanReasonPoweredOff   = "poweredOff"
	ScanReasonManualResume = "manual_resume"
	ScanReasonManualStop   = "manual_stop"
	ScanReasonBluezStart   = "bluez:start"
	ScanReasonBluezStop    = "bluez:stop"
)

// Observation is one advertisement (or a device object's property update)
// reported by a backend. Nil and empty fields mean "not reported".
type Observation struct {
	ID               string
	Address          string
	LocalName        string
	RSSI             *int
	ServiceUUIDs     []string
	ManufacturerData []byte
	ServiceData      []ServiceData
	// Connected is set by backends that report the link state with discovery
	Connected *bool
}

// ServiceData is one service-data element of an advertisement
type ServiceData struct {
	UUID string
	Data []byte
}

// Handler receives discovery output. Calls may come from any goroutine.
type Handler interface {
	OnAdvertisement(obs Observation)
	OnScanState(active bool, reason string)
}

// Target is a resolved connectable device: an opaque backend handle
type Target interface {
	ID() string
}

// Hooks observe a link after Dial returns
type Hooks struct {
	// OnDisconnect fires at most once, when the peer or the stack drops the link
	OnDisconnect func(err error)
}

// Policy tells the lifecycle manager how to drive Dial
type Policy struct {
	// AttemptTimeout bounds the whole attempt; zero means the backend bounds itself
	AttemptTimeout time.Duration
	// MaxAttempts is the number of Dial calls allowed for ErrTransient failures
	MaxAttempts int
	// RetryDelay is the fixed pause between attempts
	RetryDelay time.Duration
}

// Transport is a BLE backend
type Transport interface {
	Name() string

	// Start begins reporting to h and starts scanning when the radio allows it
	Start(ctx context.Context, h Handler) error
	StartScan(ctx context.Context) error
	StopScan(ctx context.Context) error
	ScanningActive() bool

	// Resolve finds a connectable handle for id, or returns device.ErrNotFound
	Resolve(ctx context.Context, id string) (Target, error)
	// Dial performs one native connect attempt
	Dial(ctx context.Context, target Target, hooks Hooks) (Link, error)
	Policy() Policy

	Close() error
}

// Service is a discovered GATT service
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

// Characteristic is a discovered GATT characteristic
type Characteristic struct {
	// Key identifies the characteristic within the link for Subscribe
	Key         string
	ServiceUUID string
	UUID        string
	Properties  []string
}

// Link is a live connection to one device
type Link interface {
	ReadRSSI(ctx context.Context) (int, error)
	Discover(ctx context.Context) ([]Service, error)
	// Subscribe enables notify/indicate for a characteristic and forwards values to fn
	Subscribe(ctx context.Context, char Characteristic, fn func(value []byte)) error
	Disconnect(ctx context.Context) error
	// Close releases listeners without touching the radio link. Idempotent.
	Close()
}

// CanNotify reports whether the characteristic supports notify or indicate
func (c Characteristic) CanNotify() bool {
	for _, p := range c.Properties {
		if p == "notify" || p == "indicate" {
			return true
		}
	}
	return false
}
