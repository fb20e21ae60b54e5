// Package transportfactory selects the transport backend for the process.
package transportfactory

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/transport"
	"github.com/srg/blescope/internal/transport/bluez"
	"github.com/srg/blescope/internal/transport/goble"
	"github.com/srg/blescope/pkg/config"
)

// New builds the transport named by cfg.Transport.
// This is a variable so that it can be overridden in tests.
var New = func(cfg *config.Config, logger *logrus.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportDirect, "":
		return goble.New(DirectOptions(cfg), logger), nil
	case config.TransportBluez:
		return bluez.New(BluezOptions(cfg), logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// DirectOptions maps configuration onto the go-ble backend
func DirectOptions(cfg *config.Config) goble.Options {
	opts := goble.DefaultOptions()
	opts.AllowDuplicates = cfg.Scan.AllowDuplicates
	if cfg.Connect.Timeout > 0 {
		opts.ConnectTimeout = cfg.Connect.Timeout
	}
	return opts
}

// BluezOptions maps configuration onto the D-Bus backend
func BluezOptions(cfg *config.Config) bluez.Options {
	opts := bluez.DefaultOptions()
	opts.AllowDuplicates = cfg.Scan.AllowDuplicates
	if cfg.Connect.ConfirmTimeout > 0 {
		opts.ConfirmTimeout = cfg.Connect.ConfirmTimeout
	}
	if cfg.Connect.PollInterval > 0 {
		opts.PollInterval = cfg.Connect.PollInterval
	}
	if cfg.Connect.MaxAttempts > 0 {
		opts.MaxAttempts = cfg.Connect.MaxAttempts
	}
	if cfg.Connect.RetryDelay > 0 {
		opts.RetryDelay = cfg.Connect.RetryDelay
	}
	return opts
}
