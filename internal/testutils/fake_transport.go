package testutils

import (
	"context"
	"sync"

	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/transport"
)

// FakeTarget is the handle FakeTransport resolves
type FakeTarget string

func (t FakeTarget) ID() string { return string(t) }

// FakeTransport is a scriptable in-memory transport.
// Ids added with AddDevice resolve; DialFunc decides each Dial outcome.
type FakeTransport struct {
	// DialFunc returns the outcome of the n-th Dial for id (1-based).
	// When nil every Dial succeeds with a fresh FakeLink.
	DialFunc func(ctx context.Context, id string, n int) (transport.Link, error)
	// PolicyValue is returned by Policy
	PolicyValue transport.Policy
	// Seed is advertised right after Start reports the initial scan state
	Seed []transport.Observation

	mu       sync.Mutex
	known    map[string]bool
	dials    map[string]int
	hooks    map[string]transport.Hooks
	links    map[string]*FakeLink
	handler  transport.Handler
	scanning bool
	closed   bool
}

// NewFakeTransport creates a transport with a single-attempt policy
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		PolicyValue: transport.Policy{MaxAttempts: 1},
		known:       make(map[string]bool),
		dials:       make(map[string]int),
		hooks:       make(map[string]transport.Hooks),
		links:       make(map[string]*FakeLink),
	}
}

// AddDevice makes id resolvable
func (f *FakeTransport) AddDevice(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[id] = true
}

func (f *FakeTransport) Name() string { return "fake" }

func (f *FakeTransport) Start(_ context.Context, h transport.Handler) error {
	f.mu.Lock()
	f.handler = h
	f.scanning = true
	f.mu.Unlock()
	h.OnScanState(true, transport.ScanReasonInitial)
	for _, obs := range f.Seed {
		h.OnAdvertisement(obs)
	}
	return nil
}

func (f *FakeTransport) StartScan(_ context.Context) error {
	f.mu.Lock()
	if f.scanning {
		f.mu.Unlock()
		return nil
	}
	f.scanning = true
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnScanState(true, transport.ScanReasonManualResume)
	}
	return nil
}

func (f *FakeTransport) StopScan(_ context.Context) error {
	f.mu.Lock()
	if !f.scanning {
		f.mu.Unlock()
		return nil
	}
	f.scanning = false
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnScanState(false, transport.ScanReasonManualStop)
	}
	return nil
}

func (f *FakeTransport) ScanningActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *FakeTransport) Resolve(_ context.Context, id string) (transport.Target, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.known[id] {
		return nil, &device.NotFoundError{Resource: "device", ID: id}
	}
	return FakeTarget(id), nil
}

func (f *FakeTransport) Dial(ctx context.Context, tgt transport.Target, hooks transport.Hooks) (transport.Link, error) {
	id := tgt.ID()
	f.mu.Lock()
	f.dials[id]++
	n := f.dials[id]
	f.hooks[id] = hooks
	dial := f.DialFunc
	f.mu.Unlock()

	var (
		link transport.Link
		err  error
	)
	if dial != nil {
		link, err = dial(ctx, id, n)
	} else {
		link = NewFakeLink()
	}
	if err != nil {
		return nil, err
	}

	if fl, ok := link.(*FakeLink); ok {
		f.mu.Lock()
		f.links[id] = fl
		f.mu.Unlock()
	}
	return link, nil
}

func (f *FakeTransport) Policy() transport.Policy {
	return f.PolicyValue
}

func (f *FakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.scanning = false
	return nil
}

// Advertise delivers an observation as if it had been scanned
func (f *FakeTransport) Advertise(obs transport.Observation) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h.OnAdvertisement(obs)
	}
}

// DropLink simulates the peer dropping the connection for id
func (f *FakeTransport) DropLink(id string) {
	f.mu.Lock()
	hooks := f.hooks[id]
	f.mu.Unlock()
	if hooks.OnDisconnect != nil {
		hooks.OnDisconnect(device.ErrNotConnected)
	}
}

// DialCount returns how many times Dial was called for id
func (f *FakeTransport) DialCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[id]
}

// Link returns the last FakeLink handed out for id
func (f *FakeTransport) Link(id string) *FakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[id]
}

// Closed reports whether Close was called
func (f *FakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// FakeLink serves a fixed GATT layout and records calls
type FakeLink struct {
	RSSI          int
	RSSIErr       error
	Services      []transport.Service
	DiscoverErr   error
	SubscribeErrs map[string]error
	DisconnectErr error
	// DiscoverFunc, when set, replaces Services and DiscoverErr
	DiscoverFunc func(ctx context.Context) ([]transport.Service, error)
	// DisconnectFunc, when set, runs on Disconnect and replaces DisconnectErr
	DisconnectFunc func(ctx context.Context) error

	mu          sync.Mutex
	subscribed  []string
	handlers    map[string]func([]byte)
	disconnects int
	closed      bool
}

// NewFakeLink creates a link with no services and an RSSI of -60
func NewFakeLink() *FakeLink {
	return &FakeLink{
		RSSI:          -60,
		SubscribeErrs: make(map[string]error),
		handlers:      make(map[string]func([]byte)),
	}
}

// NotifyingLink creates a link with one service holding a notify and a read characteristic
func NotifyingLink(svcUUID, notifyUUID, readUUID string) *FakeLink {
	l := NewFakeLink()
	l.Services = []transport.Service{{
		UUID: svcUUID,
		Characteristics: []transport.Characteristic{
			{Key: svcUUID + "/" + notifyUUID, ServiceUUID: svcUUID, UUID: notifyUUID, Properties: []string{"read", "notify"}},
			{Key: svcUUID + "/" + readUUID, ServiceUUID: svcUUID, UUID: readUUID, Properties: []string{"read"}},
		},
	}}
	return l
}

func (l *FakeLink) ReadRSSI(_ context.Context) (int, error) {
	return l.RSSI, l.RSSIErr
}

func (l *FakeLink) Discover(ctx context.Context) ([]transport.Service, error) {
	if l.DiscoverFunc != nil {
		return l.DiscoverFunc(ctx)
	}
	if l.DiscoverErr != nil {
		return nil, l.DiscoverErr
	}
	return l.Services, nil
}

func (l *FakeLink) Subscribe(_ context.Context, char transport.Characteristic, fn func([]byte)) error {
	if err := l.SubscribeErrs[char.Key]; err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribed = append(l.subscribed, char.Key)
	l.handlers[char.Key] = fn
	return nil
}

func (l *FakeLink) Disconnect(ctx context.Context) error {
	l.mu.Lock()
	l.disconnects++
	fn := l.DisconnectFunc
	l.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return l.DisconnectErr
}

func (l *FakeLink) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}

// Notify pushes a value to the subscriber of key, if the link is still open
func (l *FakeLink) Notify(key string, value []byte) bool {
	l.mu.Lock()
	fn, ok := l.handlers[key]
	closed := l.closed
	l.mu.Unlock()
	if !ok || closed {
		return false
	}
	fn(value)
	return true
}

// Subscribed returns the keys subscribed so far, in order
func (l *FakeLink) Subscribed() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.subscribed...)
}

// Disconnects returns how many times Disconnect was called
func (l *FakeLink) Disconnects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disconnects
}

// IsClosed reports whether Close was called
func (l *FakeLink) IsClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
