// Package goble is the direct-peripheral backend: it scans and dials through
// the go-ble central of the local adapter and caches a handle per device id.
package goble

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/transport"
)

const Name = "direct"

// Options configures the direct backend
type Options struct {
	AllowDuplicates bool
	// ConnectTimeout bounds a whole connect attempt
	ConnectTimeout time.Duration
	// RescanInterval is the pause before scanning is retried after the radio fails
	RescanInterval time.Duration
}

// DefaultOptions returns the stock timings
func DefaultOptions() Options {
	return Options{
		AllowDuplicates: true,
		ConnectTimeout:  20 * time.Second,
		RescanInterval:  2 * time.Second,
	}
}

// target is a cached peripheral handle
type target struct {
	id      string
	address string
}

func (t *target) ID() string { return t.id }

// Transport drives a go-ble central
type Transport struct {
	opts   Options
	logger *logrus.Logger

	handles *hashmap.Map[string, *target]

	mu         sync.Mutex
	central    Central
	handler    transport.Handler
	ctx        context.Context
	scanCancel context.CancelFunc
	scanDone   chan struct{}

	// closed once an in-flight StopScan has reported the stop
	scanStopping chan struct{}
	scanning     atomic.Bool
}

// New creates a direct backend. A nil logger falls back to logrus.New().
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		opts:    opts,
		logger:  logger,
		handles: hashmap.New[string, *target](),
	}
}

func (t *Transport) Name() string { return Name }

// Policy reports one bounded attempt, no retries
func (t *Transport) Policy() transport.Policy {
	return transport.Policy{AttemptTimeout: t.opts.ConnectTimeout, MaxAttempts: 1}
}

// Start remembers the handler and starts scanning
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	t.mu.Lock()
	t.handler = h
	t.ctx = ctx
	t.mu.Unlock()

	return t.startScan(ctx, transport.ScanReasonInitial)
}

// StartScan resumes scanning; a no-op when already scanning
func (t *Transport) StartScan(ctx context.Context) error {
	return t.startScan(ctx, transport.ScanReasonManualResume)
}

func (t *Transport) startScan(_ context.Context, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.handler == nil {
		return errors.New("transport not started")
	}
	for t.scanStopping != nil {
		stopping := t.scanStopping
		t.mu.Unlock()
		<-stopping
		t.mu.Lock()
	}
	if t.scanCancel != nil {
		return nil
	}

	// Scanning outlives the request that resumed it
	scanCtx, cancel := context.WithCancel(t.ctx)
	t.scanCancel = cancel
	t.scanDone = make(chan struct{})

	done := t.scanDone
	groutine.Go(scanCtx, "goble-scan", func(ctx context.Context) {
		defer close(done)
		t.scanLoop(ctx, reason)
	})
	return nil
}

// StopScan stops scanning and waits for the scan loop to exit
func (t *Transport) StopScan(_ context.Context) error {
	t.mu.Lock()
	cancel, done := t.scanCancel, t.scanDone
	if cancel == nil {
		t.mu.Unlock()
		return nil
	}
	stopping := make(chan struct{})
	t.scanCancel, t.scanDone = nil, nil
	t.scanStopping = stopping
	h := t.handler
	t.mu.Unlock()

	cancel()
	<-done

	if t.scanning.Swap(false) {
		h.OnScanState(false, transport.ScanReasonManualStop)
	}

	t.mu.Lock()
	t.scanStopping = nil
	t.mu.Unlock()
	close(stopping)
	return nil
}

func (t *Transport) ScanningActive() bool {
	return t.scanning.Load()
}

// scanLoop scans until ctx is canceled, reporting radio failures and retrying
func (t *Transport) scanLoop(ctx context.Context, reason string) {
	for {
		central, err := t.getCentral()
		if err == nil {
			t.scanning.Store(true)
			t.handler.OnScanState(true, reason)
			err = NormalizeError(central.Scan(ctx, t.opts.AllowDuplicates, t.onAdvertisement))
		}
		if ctx.Err() != nil {
			return
		}

		t.logger.WithField("error", err).Warn("Scanning stopped, will retry")
		if t.scanning.Swap(false) {
			t.handler.OnScanState(false, transport.ScanReasonPoweredOff)
		}
		if errors.Is(err, device.ErrBluetoothOff) || errors.Is(err, device.ErrUnsupported) {
			t.resetCentral()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(t.opts.RescanInterval):
		}
		reason = transport.ScanReasonPoweredOn
	}
}

func (t *Transport) onAdvertisement(adv Advertisement) {
	obs := toObservation(adv)
	if obs.ID == "" {
		return
	}
	if _, ok := t.handles.Get(obs.ID); !ok {
		t.handles.Set(obs.ID, &target{id: obs.ID, address: obs.Address})
	}
	t.handler.OnAdvertisement(obs)
}

func (t *Transport) getCentral() (Central, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.central != nil {
		return t.central, nil
	}
	central, err := DeviceFactory()
	if err != nil {
		return nil, err
	}
	t.central = central
	return central, nil
}

func (t *Transport) resetCentral() {
	t.mu.Lock()
	central := t.central
	t.central = nil
	t.mu.Unlock()

	if central != nil {
		if err := central.Stop(); err != nil {
			t.logger.WithField("error", err).Debug("Failed to stop BLE central")
		}
	}
}

// Resolve returns the cached handle for id
func (t *Transport) Resolve(_ context.Context, id string) (transport.Target, error) {
	h, ok := t.handles.Get(id)
	if !ok {
		return nil, &device.NotFoundError{Resource: "device", ID: id}
	}
	return h, nil
}

// Dial performs one native connect. hooks.OnDisconnect fires when the
// peripheral drops the link, unless the link was closed first.
func (t *Transport) Dial(ctx context.Context, tgt transport.Target, hooks transport.Hooks) (transport.Link, error) {
	h, ok := tgt.(*target)
	if !ok {
		return nil, fmt.Errorf("unexpected target type %T", tgt)
	}
	central, err := t.getCentral()
	if err != nil {
		return nil, err
	}

	t.logger.WithField("address", h.address).Debug("Dialing BLE device...")
	p, err := central.Dial(ctx, h.address)
	if err != nil {
		return nil, NormalizeError(err)
	}

	l := newLink(h.id, p, t.logger)
	groutine.Go(context.Background(), "goble-link-monitor", func(context.Context) {
		select {
		case <-p.Disconnected():
			l.logger.WithField("id", l.id).Debug("Peripheral reported disconnection")
			if hooks.OnDisconnect != nil && !l.isClosed() {
				hooks.OnDisconnect(device.ErrNotConnected)
			}
		case <-l.done:
		}
	})
	return l, nil
}

// Close stops scanning and releases the central
func (t *Transport) Close() error {
	err := t.StopScan(context.Background())
	t.resetCentral()
	return err
}
