package goble

import (
	"slices"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/transport"
)

// Advertisement is the subset of ble.Advertisement the transport reads
type Advertisement interface {
	LocalName() string
	ManufacturerData() []byte
	ServiceData() []ble.ServiceData
	Services() []ble.UUID
	RSSI() int
	Addr() ble.Addr
}

// deviceID derives the stable device id from the advertised address
func deviceID(addr ble.Addr) string {
	if addr == nil {
		return ""
	}
	return strings.ToLower(addr.String())
}

// toObservation converts a go-ble advertisement into a transport observation
func toObservation(adv Advertisement) transport.Observation {
	rssi := adv.RSSI()
	obs := transport.Observation{
		ID:           deviceID(adv.Addr()),
		LocalName:    adv.LocalName(),
		RSSI:         &rssi,
		ServiceUUIDs: []string{},
	}
	if addr := adv.Addr(); addr != nil {
		obs.Address = addr.String()
	}

	for _, svc := range adv.Services() {
		obs.ServiceUUIDs = append(obs.ServiceUUIDs, device.NormalizeUUID(svc.String()))
	}
	if md := adv.ManufacturerData(); len(md) > 0 {
		obs.ManufacturerData = slices.Clone(md)
	}
	for _, sd := range adv.ServiceData() {
		obs.ServiceData = append(obs.ServiceData, transport.ServiceData{
			UUID: device.NormalizeUUID(sd.UUID.String()),
			Data: slices.Clone(sd.Data),
		})
	}
	return obs
}
