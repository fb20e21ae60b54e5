package bluez

import (
	"encoding/binary"
	"slices"
	"strings"

	dbus "github.com/godbus/dbus/v5"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/transport"
)

// idFromPath returns the device id: the last path element, e.g. dev_AA_BB_CC_DD_EE_FF
func idFromPath(path dbus.ObjectPath) string {
	s := string(path)
	return s[strings.LastIndex(s, "/")+1:]
}

func variantString(props map[string]dbus.Variant, name string) (string, bool) {
	v, ok := props[name]
	if !ok {
		return "", false
	}
	s, ok := v.Value().(string)
	return s, ok
}

func variantBool(props map[string]dbus.Variant, name string) (bool, bool) {
	v, ok := props[name]
	if !ok {
		return false, false
	}
	b, ok := v.Value().(bool)
	return b, ok
}

func variantStrings(props map[string]dbus.Variant, name string) ([]string, bool) {
	v, ok := props[name]
	if !ok {
		return nil, false
	}
	s, ok := v.Value().([]string)
	return s, ok
}

func variantBytes(v dbus.Variant) ([]byte, bool) {
	b, ok := v.Value().([]byte)
	return b, ok
}

// variantRSSI reads an int16 RSSI; some stacks report other integer widths
func variantRSSI(props map[string]dbus.Variant) (int, bool) {
	v, ok := props["RSSI"]
	if !ok {
		return 0, false
	}
	switch n := v.Value().(type) {
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}

// manufacturerBytes flattens the ManufacturerData dict into company id
// (little endian) followed by the payload, ordered by company id
func manufacturerBytes(props map[string]dbus.Variant) ([]byte, bool) {
	v, ok := props["ManufacturerData"]
	if !ok {
		return nil, false
	}
	m, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok || len(m) == 0 {
		return nil, false
	}

	ids := make([]uint16, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []byte
	for _, id := range ids {
		payload, _ := variantBytes(m[id])
		out = binary.LittleEndian.AppendUint16(out, id)
		out = append(out, payload...)
	}
	return out, true
}

func serviceData(props map[string]dbus.Variant) []transport.ServiceData {
	v, ok := props["ServiceData"]
	if !ok {
		return nil
	}
	m, ok := v.Value().(map[string]dbus.Variant)
	if !ok {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	out := make([]transport.ServiceData, 0, len(keys))
	for _, k := range keys {
		data, _ := variantBytes(m[k])
		out = append(out, transport.ServiceData{UUID: device.NormalizeUUID(k), Data: data})
	}
	return out
}

// observationFromProps builds an observation from a (possibly partial) Device1 property set
func observationFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) transport.Observation {
	obs := transport.Observation{ID: idFromPath(path)}

	obs.Address, _ = variantString(props, "Address")
	if name, ok := variantString(props, "Name"); ok && name != "" {
		obs.LocalName = name
	} else if alias, ok := variantString(props, "Alias"); ok {
		obs.LocalName = alias
	}
	if rssi, ok := variantRSSI(props); ok {
		obs.RSSI = &rssi
	}
	if uuids, ok := variantStrings(props, "UUIDs"); ok {
		obs.ServiceUUIDs = device.NormalizeUUIDs(uuids)
	}
	obs.ManufacturerData, _ = manufacturerBytes(props)
	obs.ServiceData = serviceData(props)
	if connected, ok := variantBool(props, "Connected"); ok {
		obs.Connected = &connected
	}
	return obs
}

// isUnder reports whether child lives below parent in the object tree
func isUnder(child, parent dbus.ObjectPath) bool {
	return strings.HasPrefix(string(child), string(parent)+"/")
}
