package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/hub"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/events"
	"github.com/srg/blescope/internal/transportfactory"
	"github.com/srg/blescope/pkg/config"
	"github.com/srg/blescope/scanner"
)

// newHub builds the configured transport and the hub around it
func newHub(cfg *config.Config, logger *logrus.Logger) (*hub.Hub, error) {
	tr, err := transportfactory.New(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s transport: %w", cfg.Transport, err)
	}

	scanOpts, err := scanOptions(cfg)
	if err != nil {
		return nil, err
	}

	return hub.New(tr, hub.Options{
		Bus: events.BusOptions{
			Capacity:        cfg.Events.Buffer,
			SubscriberSlack: cfg.Events.SubscriberBuffer,
		},
		Scan: scanOpts,
	}, logger), nil
}

// scanOptions maps the scan section onto scanner filters. A zero min RSSI
// disables the RSSI filter.
func scanOptions(cfg *config.Config) (*scanner.ScanOptions, error) {
	opts := &scanner.ScanOptions{
		AllowList: cfg.Scan.AllowList,
		BlockList: cfg.Scan.BlockList,
	}
	if cfg.Scan.MinRSSI != 0 {
		minRSSI := cfg.Scan.MinRSSI
		opts.MinRSSI = &minRSSI
	}
	if len(cfg.Scan.ServiceUUIDs) > 0 {
		uuids, err := device.ValidateUUID(cfg.Scan.ServiceUUIDs...)
		if err != nil {
			return nil, fmt.Errorf("invalid service UUID filter: %w", err)
		}
		opts.ServiceUUIDs = uuids
	}
	return opts, nil
}
