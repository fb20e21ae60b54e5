// Package bluez is the bus-proxy backend: it drives BlueZ adapter, device and
// characteristic objects over the D-Bus system bus and follows their
// property-change signals.
package bluez

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/transport"
)

const Name = "bluez"

// Options configures the BlueZ backend
type Options struct {
	AllowDuplicates bool
	// ConfirmTimeout bounds the wait for Connected/ServicesResolved after Connect returns
	ConfirmTimeout time.Duration
	// PollInterval is how often the confirmation wait polls properties
	PollInterval time.Duration
	// MaxAttempts and RetryDelay drive retries of transient connect failures
	MaxAttempts int
	RetryDelay  time.Duration
}

// DefaultOptions returns the stock timings
func DefaultOptions() Options {
	return Options{
		AllowDuplicates: true,
		ConfirmTimeout:  15 * time.Second,
		PollInterval:    300 * time.Millisecond,
		MaxAttempts:     3,
		RetryDelay:      700 * time.Millisecond,
	}
}

// target is a located device object
type target struct {
	id   string
	path dbus.ObjectPath
}

func (t *target) ID() string { return t.id }

// Transport drives BlueZ over D-Bus
type Transport struct {
	opts   Options
	logger *logrus.Logger

	mu         sync.Mutex
	conn       Conn
	router     *router
	handler    transport.Handler
	adapter    dbus.ObjectPath
	devWatches map[dbus.ObjectPath]func()
	cancel     context.CancelFunc
	scanning   atomic.Bool
}

// New creates a BlueZ backend. A nil logger falls back to logrus.New().
func New(opts Options, logger *logrus.Logger) *Transport {
	if logger == nil {
		logger = logrus.New()
	}
	return &Transport{
		opts:       opts,
		logger:     logger,
		devWatches: make(map[dbus.ObjectPath]func()),
	}
}

func (t *Transport) Name() string { return Name }

// Policy reports bounded retries of transient failures; each Dial bounds itself
func (t *Transport) Policy() transport.Policy {
	return transport.Policy{MaxAttempts: t.opts.MaxAttempts, RetryDelay: t.opts.RetryDelay}
}

// Start connects to the bus, reports every known device object, follows
// new ones and starts discovery on the first adapter
func (t *Transport) Start(ctx context.Context, h transport.Handler) error {
	conn, err := ConnFactory()
	if err != nil {
		return NormalizeError(err)
	}

	r := newRouter(t.logger)
	r.onAdded = t.onInterfacesAdded
	r.onRemoved = t.onInterfacesRemoved

	runCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.conn = conn
	t.router = r
	t.handler = h
	t.cancel = cancel
	t.mu.Unlock()

	groutine.Go(runCtx, "bluez-signals", func(ctx context.Context) {
		r.run(ctx, conn.Signals())
	})

	objs, err := conn.ManagedObjects(ctx)
	if err != nil {
		return NormalizeError(err)
	}

	adapter, ok := firstAdapter(objs)
	if !ok {
		return fmt.Errorf("%w: no Bluetooth adapter found", device.ErrUnsupported)
	}
	t.mu.Lock()
	t.adapter = adapter
	t.mu.Unlock()
	t.logger.WithField("adapter", adapter).Info("Using BlueZ adapter")

	paths := make([]dbus.ObjectPath, 0, len(objs))
	for path, ifaces := range objs {
		if _, ok := ifaces[deviceIface]; ok {
			paths = append(paths, path)
		}
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })
	for _, path := range paths {
		t.trackDevice(path, objs[path][deviceIface])
	}

	return t.StartScan(ctx)
}

func firstAdapter(objs ManagedObjects) (dbus.ObjectPath, bool) {
	var adapters []dbus.ObjectPath
	for path, ifaces := range objs {
		if _, ok := ifaces[adapterIface]; ok {
			adapters = append(adapters, path)
		}
	}
	if len(adapters) == 0 {
		return "", false
	}
	sort.Slice(adapters, func(i, j int) bool { return adapters[i] < adapters[j] })
	return adapters[0], true
}

// trackDevice reports a device object and follows its property changes
func (t *Transport) trackDevice(path dbus.ObjectPath, props map[string]dbus.Variant) {
	t.mu.Lock()
	if t.adapter != "" && !isUnder(path, t.adapter) {
		t.mu.Unlock()
		return
	}
	if _, watched := t.devWatches[path]; !watched {
		t.devWatches[path] = t.router.watch(path, func(change propertiesChange) {
			if change.Iface != deviceIface {
				return
			}
			t.handler.OnAdvertisement(observationFromProps(path, change.Changed))
		})
	}
	h := t.handler
	t.mu.Unlock()

	h.OnAdvertisement(observationFromProps(path, props))
}

func (t *Transport) onInterfacesAdded(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant) {
	if props, ok := ifaces[deviceIface]; ok {
		t.trackDevice(path, props)
	}
}

// onInterfacesRemoved detaches the device listener; the device stays known
func (t *Transport) onInterfacesRemoved(path dbus.ObjectPath, ifaces []string) {
	for _, iface := range ifaces {
		if iface != deviceIface {
			continue
		}
		t.mu.Lock()
		cancel, ok := t.devWatches[path]
		delete(t.devWatches, path)
		t.mu.Unlock()
		if ok {
			cancel()
			t.logger.WithField("id", idFromPath(path)).Debug("Device object removed")
		}
	}
}

// StartScan starts adapter discovery; a no-op when already scanning
func (t *Transport) StartScan(ctx context.Context) error {
	conn, adapter, h, err := t.started()
	if err != nil {
		return err
	}
	if t.scanning.Load() {
		return nil
	}

	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(t.opts.AllowDuplicates),
	}
	if err := conn.Call(ctx, adapter, adapterIface+".SetDiscoveryFilter", filter); err != nil {
		t.logger.WithField("error", err).Debug("SetDiscoveryFilter failed, using adapter defaults")
	}

	if err := conn.Call(ctx, adapter, adapterIface+".StartDiscovery"); err != nil {
		if errorName(err) != "org.bluez.Error.InProgress" {
			return NormalizeError(err)
		}
	}
	if !t.scanning.Swap(true) {
		h.OnScanState(true, transport.ScanReasonBluezStart)
	}
	return nil
}

// StopScan stops adapter discovery; a no-op when not scanning
func (t *Transport) StopScan(ctx context.Context) error {
	conn, adapter, h, err := t.started()
	if err != nil {
		return err
	}
	if !t.scanning.Load() {
		return nil
	}
	if err := conn.Call(ctx, adapter, adapterIface+".StopDiscovery"); err != nil {
		return NormalizeError(err)
	}
	if t.scanning.Swap(false) {
		h.OnScanState(false, transport.ScanReasonBluezStop)
	}
	return nil
}

func (t *Transport) ScanningActive() bool {
	return t.scanning.Load()
}

func (t *Transport) started() (Conn, dbus.ObjectPath, transport.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil || t.adapter == "" {
		return nil, "", nil, errors.New("transport not started")
	}
	return t.conn, t.adapter, t.handler, nil
}

// Resolve locates the device object whose path ends with the id
func (t *Transport) Resolve(ctx context.Context, id string) (transport.Target, error) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.New("transport not started")
	}

	objs, err := conn.ManagedObjects(ctx)
	if err != nil {
		return nil, NormalizeError(err)
	}
	suffix := "/" + id
	for path, ifaces := range objs {
		if _, ok := ifaces[deviceIface]; ok && strings.HasSuffix(string(path), suffix) {
			return &target{id: id, path: path}, nil
		}
	}
	return nil, &device.NotFoundError{Resource: "device", ID: id}
}

// Dial calls Device1.Connect once, then waits for the link to be confirmed by
// a property change or by polling, bounded by the confirmation window.
// Listeners attached here are released when the attempt fails or the link closes.
func (t *Transport) Dial(ctx context.Context, tgt transport.Target, hooks transport.Hooks) (transport.Link, error) {
	h, ok := tgt.(*target)
	if !ok {
		return nil, fmt.Errorf("unexpected target type %T", tgt)
	}
	t.mu.Lock()
	conn, r := t.conn, t.router
	t.mu.Unlock()
	if conn == nil {
		return nil, errors.New("transport not started")
	}

	l := newLink(h.id, h.path, conn, r, t.logger)
	confirmed := make(chan struct{}, 1)
	l.addCancel(r.watch(h.path, func(change propertiesChange) {
		if change.Iface != deviceIface {
			return
		}
		up, hasUp := variantBool(change.Changed, "Connected")
		resolved, _ := variantBool(change.Changed, "ServicesResolved")
		if up || resolved {
			select {
			case confirmed <- struct{}{}:
			default:
			}
		}
		if hasUp && !up && l.isEstablished() && hooks.OnDisconnect != nil {
			hooks.OnDisconnect(device.ErrNotConnected)
		}
	}))

	t.logger.WithField("path", h.path).Debug("Calling Device1.Connect")
	if err := conn.Call(ctx, h.path, deviceIface+".Connect"); err != nil {
		l.Close()
		return nil, NormalizeError(err)
	}

	if err := t.awaitConnected(ctx, conn, h.path, confirmed); err != nil {
		l.Close()
		return nil, err
	}
	l.establish()
	return l, nil
}

func (t *Transport) awaitConnected(ctx context.Context, conn Conn, path dbus.ObjectPath, confirmed <-chan struct{}) error {
	deadline := time.NewTimer(t.opts.ConfirmTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(t.opts.PollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return NormalizeError(ctx.Err())
		case <-confirmed:
			return nil
		case <-deadline.C:
			return fmt.Errorf("%w: connect not confirmed within %s", device.ErrTimeout, t.opts.ConfirmTimeout)
		case <-poll.C:
			if t.pollConnected(ctx, conn, path) {
				return nil
			}
		}
	}
}

func (t *Transport) pollConnected(ctx context.Context, conn Conn, path dbus.ObjectPath) bool {
	for _, name := range []string{"Connected", "ServicesResolved"} {
		v, err := conn.Property(ctx, path, deviceIface, name)
		if err != nil {
			continue
		}
		if b, ok := v.Value().(bool); ok && b {
			return true
		}
	}
	return false
}

// Close stops discovery, detaches every listener and closes the bus connection
func (t *Transport) Close() error {
	if t.scanning.Load() {
		if err := t.StopScan(context.Background()); err != nil {
			t.logger.WithField("error", err).Debug("StopDiscovery failed during close")
		}
	}

	t.mu.Lock()
	watches := t.devWatches
	t.devWatches = make(map[dbus.ObjectPath]func())
	conn, cancel := t.conn, t.cancel
	t.conn = nil
	t.mu.Unlock()

	for _, c := range watches {
		c()
	}
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}
