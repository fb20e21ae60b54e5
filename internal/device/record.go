package device

import (
	"slices"
	"time"
)

// ConnectionStatus is the lifecycle state of a device connection.
// The zero value means no connection was ever attempted.
type ConnectionStatus string

const (
	StatusAbsent       ConnectionStatus = ""
	StatusConnecting   ConnectionStatus = "connecting"
	StatusConnected    ConnectionStatus = "connected"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusError        ConnectionStatus = "error"
)

// Characteristic describes a GATT characteristic discovered on a connected device
type Characteristic struct {
	ServiceUUID string   `json:"serviceUuid,omitempty"`
	UUID        string   `json:"uuid"`
	Properties  []string `json:"properties"`
}

// CanNotify reports whether the characteristic advertises notify or indicate
func (c Characteristic) CanNotify() bool {
	return slices.Contains(c.Properties, "notify") || slices.Contains(c.Properties, "indicate")
}

// Device is the last-known state of one peripheral.
// Advertised and connection attributes are updated independently through Patch.
type Device struct {
	ID      string `json:"id"`
	Address string `json:"address,omitempty"`

	// Advertised attributes
	LocalName           string    `json:"localName,omitempty"`
	LastRSSI            *int      `json:"lastRssi,omitempty"`
	ServiceUUIDs        []string  `json:"serviceUuids"`
	ManufacturerDataHex string    `json:"manufacturerDataHex,omitempty"`
	LastSeen            time.Time `json:"lastSeen"`

	// Connection attributes
	Connected                    bool             `json:"connected"`
	ConnectionStatus             ConnectionStatus `json:"connectionStatus,omitempty"`
	ConnectionTimestamp          *time.Time       `json:"connectionTimestamp,omitempty"`
	ConnectionError              string           `json:"connectionError,omitempty"`
	LastConnectionError          string           `json:"lastConnectionError,omitempty"`
	LastConnectionErrorTimestamp *time.Time       `json:"lastConnectionErrorTimestamp,omitempty"`

	// Populated only while connected
	ConnectedAt     *time.Time       `json:"connectedAt,omitempty"`
	Services        []string         `json:"services,omitempty"`
	Characteristics []Characteristic `json:"characteristics,omitempty"`
}

// Clone returns a deep copy, so callers can never observe later merges
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	c := *d
	c.LastRSSI = clonePtr(d.LastRSSI)
	c.ServiceUUIDs = slices.Clone(d.ServiceUUIDs)
	c.ConnectionTimestamp = clonePtr(d.ConnectionTimestamp)
	c.LastConnectionErrorTimestamp = clonePtr(d.LastConnectionErrorTimestamp)
	c.ConnectedAt = clonePtr(d.ConnectedAt)
	c.Services = slices.Clone(d.Services)
	if d.Characteristics != nil {
		c.Characteristics = make([]Characteristic, len(d.Characteristics))
		for i, ch := range d.Characteristics {
			ch.Properties = slices.Clone(ch.Properties)
			c.Characteristics[i] = ch
		}
	}
	return &c
}

// Patch is a partial device update. A nil field leaves the stored value untouched.
//
// Nullable string fields are cleared by pointing at "", time fields by pointing
// at the zero time, and slice fields by a non-nil empty slice.
type Patch struct {
	Address             *string
	LocalName           *string
	LastRSSI            *int
	ServiceUUIDs        []string
	ManufacturerDataHex *string
	LastSeen            *time.Time

	Connected                    *bool
	ConnectionStatus             *ConnectionStatus
	ConnectionTimestamp          *time.Time
	ConnectionError              *string
	LastConnectionError          *string
	LastConnectionErrorTimestamp *time.Time

	ConnectedAt     *time.Time
	Services        []string
	Characteristics []Characteristic
}

// Apply merges p into d field by field
func (p *Patch) Apply(d *Device) {
	if p == nil {
		return
	}
	setValue(&d.Address, p.Address)
	setValue(&d.LocalName, p.LocalName)
	if p.LastRSSI != nil {
		d.LastRSSI = clonePtr(p.LastRSSI)
	}
	if p.ServiceUUIDs != nil {
		d.ServiceUUIDs = slices.Clone(p.ServiceUUIDs)
	}
	setValue(&d.ManufacturerDataHex, p.ManufacturerDataHex)
	setValue(&d.LastSeen, p.LastSeen)

	setValue(&d.Connected, p.Connected)
	setValue(&d.ConnectionStatus, p.ConnectionStatus)
	setTime(&d.ConnectionTimestamp, p.ConnectionTimestamp)
	setValue(&d.ConnectionError, p.ConnectionError)
	setValue(&d.LastConnectionError, p.LastConnectionError)
	setTime(&d.LastConnectionErrorTimestamp, p.LastConnectionErrorTimestamp)

	setTime(&d.ConnectedAt, p.ConnectedAt)
	if p.Services != nil {
		d.Services = slices.Clone(p.Services)
	}
	if p.Characteristics != nil {
		d.Characteristics = slices.Clone(p.Characteristics)
	}
}

// Ptr returns a pointer to v; handy for building patches
func Ptr[T any](v T) *T {
	return &v
}

func setValue[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

func setTime(dst **time.Time, src *time.Time) {
	if src == nil {
		return
	}
	if src.IsZero() {
		*dst = nil
		return
	}
	t := *src
	*dst = &t
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
