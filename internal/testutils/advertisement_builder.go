package testutils

import (
	"slices"

	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/transport"
)

// FakeAdvertisement is a static go-ble advertisement.
// It carries the methods the direct transport reads.
type FakeAdvertisement struct {
	Name        string
	Address     string
	Signal      int
	UUIDs       []ble.UUID
	Manufacture []byte
	SvcData     []ble.ServiceData
}

func (a *FakeAdvertisement) LocalName() string              { return a.Name }
func (a *FakeAdvertisement) ManufacturerData() []byte       { return a.Manufacture }
func (a *FakeAdvertisement) ServiceData() []ble.ServiceData { return a.SvcData }
func (a *FakeAdvertisement) Services() []ble.UUID           { return a.UUIDs }
func (a *FakeAdvertisement) RSSI() int                      { return a.Signal }
func (a *FakeAdvertisement) Addr() ble.Addr                 { return ble.NewAddr(a.Address) }

// AdvertisementBuilder builds advertisements for tests, either as go-ble
// advertisements or as already-translated transport observations.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	manufData   []byte
	serviceData map[string][]byte
	connected   *bool
}

// NewAdvertisementBuilder creates a builder with an RSSI of -50
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{
		rssi:        -50,
		serviceData: make(map[string][]byte),
	}
}

// CreateMockAdvertisement is shorthand for the most common builder setup
func CreateMockAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder().WithName(name).WithAddress(address).WithRSSI(rssi)
}

// WithName sets the local name for the advertisement.
func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	return b
}

// WithAddress sets the device address for the advertisement.
func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	return b
}

// WithRSSI sets the signal strength for the advertisement.
func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

// WithServices adds service UUIDs to the advertisement.
// UUIDs can be in short form (e.g., "180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	return b
}

// WithManufacturerData sets the manufacturer-specific data.
func (b *AdvertisementBuilder) WithManufacturerData(data []byte) *AdvertisementBuilder {
	b.manufData = data
	return b
}

// WithServiceData adds service-specific data for the given service UUID.
func (b *AdvertisementBuilder) WithServiceData(uuid string, data []byte) *AdvertisementBuilder {
	b.serviceData[uuid] = data
	return b
}

// WithConnected marks the observation with the backend-reported link state
func (b *AdvertisementBuilder) WithConnected(connected bool) *AdvertisementBuilder {
	b.connected = &connected
	return b
}

// Build creates a go-ble advertisement
func (b *AdvertisementBuilder) Build() *FakeAdvertisement {
	adv := &FakeAdvertisement{
		Name:        b.name,
		Address:     b.address,
		Signal:      b.rssi,
		Manufacture: slices.Clone(b.manufData),
	}
	for _, s := range b.services {
		adv.UUIDs = append(adv.UUIDs, ble.MustParse(s))
	}
	for _, uuid := range sortedKeys(b.serviceData) {
		adv.SvcData = append(adv.SvcData, ble.ServiceData{
			UUID: ble.MustParse(uuid),
			Data: b.serviceData[uuid],
		})
	}
	return adv
}

// BuildObservation creates a transport observation keyed by the address
func (b *AdvertisementBuilder) BuildObservation() transport.Observation {
	rssi := b.rssi
	obs := transport.Observation{
		ID:               b.address,
		Address:          b.address,
		LocalName:        b.name,
		RSSI:             &rssi,
		ServiceUUIDs:     slices.Clone(b.services),
		ManufacturerData: slices.Clone(b.manufData),
		Connected:        b.connected,
	}
	if obs.ServiceUUIDs == nil {
		obs.ServiceUUIDs = []string{}
	}
	for _, uuid := range sortedKeys(b.serviceData) {
		obs.ServiceData = append(obs.ServiceData, transport.ServiceData{UUID: uuid, Data: b.serviceData[uuid]})
	}
	return obs
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
