package goble

import (
	"context"

	"github.com/go-ble/ble"
)

// Peripheral is the subset of ble.Client used by a link
type Peripheral interface {
	ReadRSSI() int
	DiscoverProfile(force bool) (*ble.Profile, error)
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	CancelConnection() error
	Disconnected() <-chan struct{}
}

// Central is the scanning and dialing side of the local adapter
type Central interface {
	Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error
	Dial(ctx context.Context, addr string) (Peripheral, error)
	Stop() error
}

// DeviceFactory creates the platform Central (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = func() (Central, error) {
	dev, err := newPlatformDevice()
	if err != nil {
		return nil, NormalizeError(err)
	}
	return &bleCentral{dev: dev}, nil
}

// bleCentral wraps ble.Device to implement Central
type bleCentral struct {
	dev ble.Device
}

func (c *bleCentral) Scan(ctx context.Context, allowDup bool, h func(Advertisement)) error {
	// Adapter: ble.Advertisement carries every method Advertisement needs
	return c.dev.Scan(ctx, allowDup, func(adv ble.Advertisement) {
		h(adv)
	})
}

func (c *bleCentral) Dial(ctx context.Context, addr string) (Peripheral, error) {
	client, err := c.dev.Dial(ctx, ble.NewAddr(addr))
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (c *bleCentral) Stop() error {
	return c.dev.Stop()
}
