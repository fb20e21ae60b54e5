// Package events defines the realtime event model and the in-process bus that
// fans events out to streaming subscribers with replay for late joiners.
package events

import (
	"time"

	"github.com/srg/blescope/internal/device"
)

// Type identifies the kind of state change an Event carries
type Type string

const (
	TypeAdv          Type = "adv"
	TypeScan         Type = "scan"
	TypeConnect      Type = "connect"
	TypeConnected    Type = "connected"
	TypeDisconnected Type = "disconnected"
	TypeNotify       Type = "notify"
	TypeSnapshot     Type = "snapshot"
)

// Event is an immutable, timestamped, typed state change.
// Seq is assigned by the bus and strictly increases in publish order.
type Event struct {
	Seq  uint64    `json:"seq,omitempty"`
	Type Type      `json:"type"`
	Ts   time.Time `json:"ts"`
	Data any       `json:"data"`
}

// ConnectPhase is the phase carried by a connect event
type ConnectPhase string

const (
	PhaseStarting ConnectPhase = "starting"
	PhaseSuccess  ConnectPhase = "success"
	PhaseError    ConnectPhase = "error"
)

// DisconnectReason tells whether a disconnect was requested or observed
type DisconnectReason string

const (
	ReasonManual    DisconnectReason = "manual"
	ReasonAutomatic DisconnectReason = "automatic"
)

// ServiceData is one service-data element of an advertisement
type ServiceData struct {
	UUID string `json:"uuid"`
	Data string `json:"data"`
}

// AdvData is the payload of an adv event
type AdvData struct {
	ID               string        `json:"id"`
	Address          string        `json:"address,omitempty"`
	RSSI             *int          `json:"rssi,omitempty"`
	LocalName        string        `json:"localName,omitempty"`
	ServiceUUIDs     []string      `json:"serviceUuids"`
	ManufacturerData string        `json:"manufacturerData,omitempty"`
	ServiceData      []ServiceData `json:"serviceData,omitempty"`
}

// ScanData is the payload of a scan event
type ScanData struct {
	Active bool   `json:"active"`
	Reason string `json:"reason"`
}

// ConnectData is the payload of a connect event
type ConnectData struct {
	ID     string       `json:"id"`
	Status ConnectPhase `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// ConnectedData is the payload of a connected event: the full device detail
type ConnectedData struct {
	*device.Device
}

// DisconnectedData is the payload of a disconnected event
type DisconnectedData struct {
	ID     string           `json:"id"`
	Reason DisconnectReason `json:"reason"`
}

// NotifyData is the payload of a notify event
type NotifyData struct {
	ID          string `json:"id"`
	ServiceUUID string `json:"serviceUuid,omitempty"`
	CharUUID    string `json:"charUuid"`
	Data        string `json:"data"`
}

// SnapshotData is the payload of a one-shot snapshot event
type SnapshotData struct {
	Devices        []*device.Device `json:"devices"`
	ScanningActive bool             `json:"scanningActive"`
}
