package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/transport"
)

// link is a live go-ble connection
type link struct {
	id     string
	p      Peripheral
	logger *logrus.Logger

	mu    sync.Mutex
	chars map[string]*ble.Characteristic

	done      chan struct{}
	closeOnce sync.Once
}

func newLink(id string, p Peripheral, logger *logrus.Logger) *link {
	return &link{
		id:     id,
		p:      p,
		logger: logger,
		chars:  make(map[string]*ble.Characteristic),
		done:   make(chan struct{}),
	}
}

func (l *link) ReadRSSI(_ context.Context) (int, error) {
	return l.p.ReadRSSI(), nil
}

// Discover reads the full GATT profile and indexes characteristics for Subscribe
func (l *link) Discover(_ context.Context) ([]transport.Service, error) {
	profile, err := l.p.DiscoverProfile(true)
	if err != nil {
		return nil, NormalizeError(err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	services := make([]transport.Service, 0, len(profile.Services))
	for _, svc := range profile.Services {
		svcUUID := device.NormalizeUUID(svc.UUID.String())
		out := transport.Service{UUID: svcUUID}
		for _, c := range svc.Characteristics {
			charUUID := device.NormalizeUUID(c.UUID.String())
			key := svcUUID + "/" + charUUID
			l.chars[key] = c
			out.Characteristics = append(out.Characteristics, transport.Characteristic{
				Key:         key,
				ServiceUUID: svcUUID,
				UUID:        charUUID,
				Properties:  propertyNames(c.Property),
			})
		}
		services = append(services, out)
	}

	l.logger.WithFields(logrus.Fields{
		"id":       l.id,
		"services": len(services),
	}).Debug("Profile discovered")
	return services, nil
}

// Subscribe enables notifications (or indications when notify is absent)
func (l *link) Subscribe(_ context.Context, char transport.Characteristic, fn func([]byte)) error {
	l.mu.Lock()
	c, ok := l.chars[char.Key]
	l.mu.Unlock()
	if !ok {
		return &device.NotFoundError{Resource: "characteristic", ID: char.Key}
	}

	indicate := c.Property&ble.CharNotify == 0 && c.Property&ble.CharIndicate != 0
	return NormalizeError(l.p.Subscribe(c, indicate, func(data []byte) {
		if l.isClosed() {
			return
		}
		fn(data)
	}))
}

func (l *link) Disconnect(_ context.Context) error {
	return NormalizeError(l.p.CancelConnection())
}

func (l *link) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *link) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

var propertyOrder = []struct {
	flag ble.Property
	name string
}{
	{ble.CharBroadcast, "broadcast"},
	{ble.CharRead, "read"},
	{ble.CharWriteNR, "writeWithoutResponse"},
	{ble.CharWrite, "write"},
	{ble.CharNotify, "notify"},
	{ble.CharIndicate, "indicate"},
	{ble.CharSignedWrite, "authenticatedSignedWrites"},
	{ble.CharExtended, "extendedProperties"},
}

// propertyNames converts ble.Property bit flags to capability names
func propertyNames(p ble.Property) []string {
	names := make([]string, 0, 2)
	for _, prop := range propertyOrder {
		if p&prop.flag != 0 {
			names = append(names, prop.name)
		}
	}
	return names
}
