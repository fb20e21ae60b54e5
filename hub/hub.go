// Package hub wires the registry, event bus, scanner and lifecycle manager
// around one transport and exposes the operations shells call.
package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/events"
	"github.com/srg/blescope/internal/lifecycle"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/transport"
	"github.com/srg/blescope/scanner"
)

// Options configures a Hub
type Options struct {
	Bus  events.BusOptions
	Scan *scanner.ScanOptions
}

// Hub is the process-wide device service
type Hub struct {
	tr      transport.Transport
	reg     *registry.Registry
	bus     *events.Bus
	scanner *scanner.Scanner
	mgr     *lifecycle.Manager
	logger  *logrus.Logger
}

// New composes a hub around tr. A nil logger falls back to logrus.New().
func New(tr transport.Transport, opts Options, logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.New()
	}
	reg := registry.New()
	bus := events.NewBus(opts.Bus, logger)
	return &Hub{
		tr:      tr,
		reg:     reg,
		bus:     bus,
		scanner: scanner.NewScanner(reg, bus, opts.Scan, logger),
		mgr:     lifecycle.New(tr, reg, bus, logger),
		logger:  logger,
	}
}

// Start hands discovery to the scanner and starts the transport
func (h *Hub) Start(ctx context.Context) error {
	h.logger.WithField("transport", h.tr.Name()).Info("Starting transport")
	if err := h.tr.Start(ctx, h.scanner); err != nil {
		return fmt.Errorf("failed to start %s transport: %w", h.tr.Name(), err)
	}
	return nil
}

// ListDevices returns a snapshot of every known device in first-seen order
func (h *Hub) ListDevices() []*device.Device {
	return h.reg.List()
}

// Device returns one device record
func (h *Hub) Device(id string) (*device.Device, bool) {
	return h.reg.Get(id)
}

// Connect connects to id and waits for the attempt to end
func (h *Hub) Connect(ctx context.Context, id string) (*device.Device, error) {
	return h.mgr.Connect(ctx, id)
}

// Disconnect tears down the session for id
func (h *Hub) Disconnect(ctx context.Context, id string) (*device.Device, error) {
	return h.mgr.Disconnect(ctx, id)
}

// StartScanning resumes discovery. Idempotent.
func (h *Hub) StartScanning(ctx context.Context) error {
	if err := h.tr.StartScan(ctx); err != nil {
		h.logger.WithField("error", err).Warn("Failed to start scanning")
		return err
	}
	return nil
}

// StopScanning pauses discovery. Idempotent.
func (h *Hub) StopScanning(ctx context.Context) error {
	if err := h.tr.StopScan(ctx); err != nil {
		h.logger.WithField("error", err).Warn("Failed to stop scanning")
		return err
	}
	return nil
}

// ScanningActive reports whether the transport is scanning
func (h *Hub) ScanningActive() bool {
	return h.tr.ScanningActive()
}

// Subscribe attaches an event stream: replay, then live events
func (h *Hub) Subscribe() *events.Subscription {
	return h.bus.Subscribe()
}

// Snapshot builds a one-shot snapshot event of the device list and scan flag
func (h *Hub) Snapshot() events.Event {
	return h.bus.Snapshot(events.SnapshotData{
		Devices:        h.reg.List(),
		ScanningActive: h.tr.ScanningActive(),
	})
}

// LastAdvertisement returns when the scanner last recorded an advertisement
func (h *Hub) LastAdvertisement() time.Time {
	return h.scanner.LastAdvertisement()
}

// Scanner exposes discovery statistics
func (h *Hub) Scanner() *scanner.Scanner {
	return h.scanner
}

// Close disconnects every session, stops the transport and detaches subscribers
func (h *Hub) Close() error {
	h.mgr.Close()
	err := h.tr.Close()
	h.bus.Close()
	return err
}
