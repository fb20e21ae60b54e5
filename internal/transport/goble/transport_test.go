package goble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/testutils"
	"github.com/srg/blescope/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeCentral replays advertisements and hands out fake peripherals
type fakeCentral struct {
	mu          sync.Mutex
	ads         []Advertisement
	scanErrs    []error
	scans       int
	peripherals map[string]*fakePeripheral
	dialErr     error
	dials       int

	// when set, Scan holds on to the radio until it is closed
	release   chan struct{}
	active    int
	maxActive int
	exiting   int
}

func (c *fakeCentral) Scan(ctx context.Context, _ bool, h func(Advertisement)) error {
	c.mu.Lock()
	c.scans++
	var err error
	if len(c.scanErrs) > 0 {
		err, c.scanErrs = c.scanErrs[0], c.scanErrs[1:]
	}
	ads := c.ads
	if err == nil {
		c.active++
		if c.active > c.maxActive {
			c.maxActive = c.active
		}
	}
	c.mu.Unlock()

	if err != nil {
		return err
	}
	for _, adv := range ads {
		h(adv)
	}
	<-ctx.Done()

	c.mu.Lock()
	c.exiting++
	release := c.release
	c.mu.Unlock()
	if release != nil {
		<-release
	}

	c.mu.Lock()
	c.active--
	c.mu.Unlock()
	return ctx.Err()
}

func (c *fakeCentral) Dial(_ context.Context, addr string) (Peripheral, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dials++
	if c.dialErr != nil {
		return nil, c.dialErr
	}
	p, ok := c.peripherals[addr]
	if !ok {
		return nil, errors.New("no such peripheral")
	}
	return p, nil
}

func (c *fakeCentral) Stop() error { return nil }

func (c *fakeCentral) scanCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scans
}

func (c *fakeCentral) exitingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exiting
}

func (c *fakeCentral) peakActive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxActive
}

// fakePeripheral serves a fixed profile
type fakePeripheral struct {
	rssi         int
	profile      *ble.Profile
	discoverErr  error
	disconnected chan struct{}

	mu       sync.Mutex
	handlers map[*ble.Characteristic]ble.NotificationHandler
	indicate map[*ble.Characteristic]bool
	canceled int
}

func newFakePeripheral(profile *ble.Profile) *fakePeripheral {
	return &fakePeripheral{
		rssi:         -42,
		profile:      profile,
		disconnected: make(chan struct{}),
		handlers:     make(map[*ble.Characteristic]ble.NotificationHandler),
		indicate:     make(map[*ble.Characteristic]bool),
	}
}

func (p *fakePeripheral) ReadRSSI() int { return p.rssi }

func (p *fakePeripheral) DiscoverProfile(bool) (*ble.Profile, error) {
	return p.profile, p.discoverErr
}

func (p *fakePeripheral) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[c] = h
	p.indicate[c] = ind
	return nil
}

func (p *fakePeripheral) CancelConnection() error {
	p.mu.Lock()
	p.canceled++
	p.mu.Unlock()
	return nil
}

func (p *fakePeripheral) Disconnected() <-chan struct{} { return p.disconnected }

func (p *fakePeripheral) notify(c *ble.Characteristic, data []byte) {
	p.mu.Lock()
	h := p.handlers[c]
	p.mu.Unlock()
	if h != nil {
		h(data)
	}
}

// recordingHandler captures transport output
type recordingHandler struct {
	mu     sync.Mutex
	obs    []transport.Observation
	states []string
}

func (h *recordingHandler) OnAdvertisement(obs transport.Observation) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.obs = append(h.obs, obs)
}

func (h *recordingHandler) OnScanState(active bool, reason string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	state := "off:"
	if active {
		state = "on:"
	}
	h.states = append(h.states, state+reason)
}

func (h *recordingHandler) snapshot() ([]transport.Observation, []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]transport.Observation(nil), h.obs...), append([]string(nil), h.states...)
}

func heartRateProfile() (*ble.Profile, *ble.Characteristic, *ble.Characteristic) {
	hrm := &ble.Characteristic{UUID: ble.UUID16(0x2a37), Property: ble.CharNotify}
	bodyLoc := &ble.Characteristic{UUID: ble.UUID16(0x2a38), Property: ble.CharRead}
	ctrl := &ble.Characteristic{UUID: ble.MustParse("6e400003-b5a3-f393-e0a9-e50e24dcca9e"), Property: ble.CharIndicate | ble.CharWrite}
	return &ble.Profile{Services: []*ble.Service{
		{UUID: ble.UUID16(0x180d), Characteristics: []*ble.Characteristic{hrm, bodyLoc}},
		{UUID: ble.MustParse("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), Characteristics: []*ble.Characteristic{ctrl}},
	}}, hrm, ctrl
}

type GobleTransportTestSuite struct {
	suite.Suite
	central         *fakeCentral
	handler         *recordingHandler
	transport       *Transport
	originalFactory func() (Central, error)
	cancel          context.CancelFunc
}

func (suite *GobleTransportTestSuite) SetupTest() {
	suite.central = &fakeCentral{peripherals: make(map[string]*fakePeripheral)}
	suite.handler = &recordingHandler{}
	suite.originalFactory = DeviceFactory
	DeviceFactory = func() (Central, error) { return suite.central, nil }

	opts := DefaultOptions()
	opts.RescanInterval = 10 * time.Millisecond
	suite.transport = New(opts, testutils.NewTestLogger(suite.T()))
}

func (suite *GobleTransportTestSuite) TearDownTest() {
	_ = suite.transport.Close()
	if suite.cancel != nil {
		suite.cancel()
	}
	DeviceFactory = suite.originalFactory
}

func (suite *GobleTransportTestSuite) start() {
	ctx, cancel := context.WithCancel(context.Background())
	suite.cancel = cancel
	suite.Require().NoError(suite.transport.Start(ctx, suite.handler))
}

func (suite *GobleTransportTestSuite) TestScanReportsObservations() {
	suite.central.ads = []Advertisement{
		testutils.NewAdvertisementBuilder().
			WithName("HRM").
			WithAddress("AA:BB:CC:DD:EE:01").
			WithRSSI(-61).
			WithServices("180D").
			WithManufacturerData([]byte{0x4c, 0x00, 0x02}).
			WithServiceData("180f", []byte{0x64}).
			Build(),
	}
	suite.start()

	suite.Eventually(func() bool {
		obs, _ := suite.handler.snapshot()
		return len(obs) == 1
	}, time.Second, 5*time.Millisecond)

	obs, states := suite.handler.snapshot()
	got := obs[0]
	suite.Equal("aa:bb:cc:dd:ee:01", got.ID)
	suite.Equal("HRM", got.LocalName)
	suite.Require().NotNil(got.RSSI)
	suite.Equal(-61, *got.RSSI)
	suite.Equal([]string{"180d"}, got.ServiceUUIDs)
	suite.Equal([]byte{0x4c, 0x00, 0x02}, got.ManufacturerData)
	suite.Equal([]transport.ServiceData{{UUID: "180f", Data: []byte{0x64}}}, got.ServiceData)
	suite.Equal([]string{"on:initial"}, states)
	suite.True(suite.transport.ScanningActive())
}

func (suite *GobleTransportTestSuite) TestScanRetriesWhenBluetoothIsOff() {
	// GOAL: Verify a radio failure is reported as scan inactive and scanning resumes
	//
	// TEST SCENARIO: First scan fails with bluetooth off → scan{active:false} → retry → scan{active:true, poweredOn}

	suite.central.scanErrs = []error{errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?")}
	suite.start()

	suite.Eventually(func() bool {
		_, states := suite.handler.snapshot()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)

	_, states := suite.handler.snapshot()
	suite.Equal([]string{"on:initial", "off:poweredOff", "on:poweredOn"}, states)
	suite.Eventually(func() bool { return suite.central.scanCount() == 2 }, time.Second, 5*time.Millisecond)
}

func (suite *GobleTransportTestSuite) TestStartStopScanIsIdempotent() {
	suite.start()
	suite.Eventually(suite.transport.ScanningActive, time.Second, 5*time.Millisecond)

	suite.NoError(suite.transport.StartScan(context.Background()))
	suite.NoError(suite.transport.StopScan(context.Background()))
	suite.NoError(suite.transport.StopScan(context.Background()))
	suite.False(suite.transport.ScanningActive())

	suite.NoError(suite.transport.StartScan(context.Background()))
	suite.Eventually(func() bool {
		_, states := suite.handler.snapshot()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)

	_, states := suite.handler.snapshot()
	suite.Equal([]string{"on:initial", "off:manual_stop", "on:manual_resume"}, states)
}

func (suite *GobleTransportTestSuite) TestStartScanWaitsForPendingStop() {
	// GOAL: Verify a resume issued while a stop is still draining the radio never runs a second scan loop
	//
	// TEST SCENARIO: StopScan blocks on a slow radio → StartScan waits → radio releases → one new scan, ordered scan states

	release := make(chan struct{})
	suite.central.mu.Lock()
	suite.central.release = release
	suite.central.mu.Unlock()

	suite.start()
	suite.Eventually(suite.transport.ScanningActive, time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		suite.NoError(suite.transport.StopScan(context.Background()))
	}()
	suite.Eventually(func() bool { return suite.central.exitingCount() == 1 }, time.Second, 5*time.Millisecond)

	started := make(chan struct{})
	go func() {
		defer close(started)
		suite.NoError(suite.transport.StartScan(context.Background()))
	}()
	suite.Never(func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond)
	suite.Equal(1, suite.central.scanCount())

	close(release)
	<-stopped
	<-started

	suite.Eventually(func() bool { return suite.central.scanCount() == 2 }, time.Second, 5*time.Millisecond)
	suite.Eventually(func() bool {
		_, states := suite.handler.snapshot()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)
	suite.True(suite.transport.ScanningActive())
	suite.Equal(1, suite.central.peakActive())

	_, states := suite.handler.snapshot()
	suite.Equal([]string{"on:initial", "off:manual_stop", "on:manual_resume"}, states)
}

func (suite *GobleTransportTestSuite) TestResolveUnknownDevice() {
	suite.start()

	_, err := suite.transport.Resolve(context.Background(), "missing")
	suite.ErrorIs(err, device.ErrNotFound)
}

func (suite *GobleTransportTestSuite) TestDialDiscoverSubscribe() {
	// GOAL: Verify a dialed link discovers the profile and forwards notifications
	//
	// TEST SCENARIO: Advertise → resolve → dial → discover → subscribe notify and indicate chars → values forwarded

	profile, hrm, ctrl := heartRateProfile()
	p := newFakePeripheral(profile)
	suite.central.peripherals["AA:BB:CC:DD:EE:02"] = p
	suite.central.ads = []Advertisement{testutils.CreateMockAdvertisement("HRM", "AA:BB:CC:DD:EE:02", -50).Build()}
	suite.start()

	var tgt transport.Target
	suite.Eventually(func() bool {
		var err error
		tgt, err = suite.transport.Resolve(context.Background(), "aa:bb:cc:dd:ee:02")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	link, err := suite.transport.Dial(context.Background(), tgt, transport.Hooks{})
	suite.Require().NoError(err)
	defer link.Close()

	rssi, err := link.ReadRSSI(context.Background())
	suite.NoError(err)
	suite.Equal(-42, rssi)

	services, err := link.Discover(context.Background())
	suite.Require().NoError(err)
	suite.Require().Len(services, 2)
	suite.Equal("180d", services[0].UUID)
	suite.Equal([]transport.Characteristic{
		{Key: "180d/2a37", ServiceUUID: "180d", UUID: "2a37", Properties: []string{"notify"}},
		{Key: "180d/2a38", ServiceUUID: "180d", UUID: "2a38", Properties: []string{"read"}},
	}, services[0].Characteristics)
	suite.Equal([]string{"write", "indicate"}, services[1].Characteristics[0].Properties)

	values := make(chan []byte, 4)
	suite.Require().NoError(link.Subscribe(context.Background(), services[0].Characteristics[0], func(v []byte) { values <- v }))
	suite.Require().NoError(link.Subscribe(context.Background(), services[1].Characteristics[0], func(v []byte) { values <- v }))
	suite.False(p.indicate[hrm])
	suite.True(p.indicate[ctrl], "indicate-only characteristic MUST subscribe with indications")

	p.notify(hrm, []byte{0x00, 0x48})
	suite.Equal([]byte{0x00, 0x48}, <-values)

	err = link.Subscribe(context.Background(), transport.Characteristic{Key: "ffff/ffff"}, func([]byte) {})
	suite.ErrorIs(err, device.ErrNotFound)

	link.Close()
	p.notify(hrm, []byte{0x01})
	suite.Len(values, 0, "closed link MUST NOT forward values")
}

func (suite *GobleTransportTestSuite) TestDisconnectObserver() {
	profile, _, _ := heartRateProfile()
	p := newFakePeripheral(profile)
	suite.central.peripherals["AA:BB:CC:DD:EE:03"] = p
	suite.central.ads = []Advertisement{testutils.CreateMockAdvertisement("", "AA:BB:CC:DD:EE:03", -50).Build()}
	suite.start()

	var tgt transport.Target
	suite.Eventually(func() bool {
		var err error
		tgt, err = suite.transport.Resolve(context.Background(), "aa:bb:cc:dd:ee:03")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	dropped := make(chan error, 1)
	link, err := suite.transport.Dial(context.Background(), tgt, transport.Hooks{
		OnDisconnect: func(err error) { dropped <- err },
	})
	suite.Require().NoError(err)
	defer link.Close()

	suite.NoError(link.Disconnect(context.Background()))
	suite.Equal(1, p.canceled)

	close(p.disconnected)
	select {
	case err := <-dropped:
		suite.ErrorIs(err, device.ErrNotConnected)
	case <-time.After(time.Second):
		suite.Fail("disconnect observer did not fire")
	}
}

func (suite *GobleTransportTestSuite) TestDialFailureIsNormalized() {
	suite.central.dialErr = context.DeadlineExceeded
	suite.central.ads = []Advertisement{testutils.CreateMockAdvertisement("", "AA:BB:CC:DD:EE:04", -50).Build()}
	suite.start()

	var tgt transport.Target
	suite.Eventually(func() bool {
		var err error
		tgt, err = suite.transport.Resolve(context.Background(), "aa:bb:cc:dd:ee:04")
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, err := suite.transport.Dial(context.Background(), tgt, transport.Hooks{})
	suite.ErrorIs(err, device.ErrTimeout)
	suite.Equal(transport.Policy{AttemptTimeout: 20 * time.Second, MaxAttempts: 1}, suite.transport.Policy())
}

func TestGobleTransportTestSuite(t *testing.T) {
	suite.Run(t, new(GobleTransportTestSuite))
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name   string
		input  error
		target error
	}{
		{name: "bluetooth off", input: errors.New("central manager has invalid state: have=4 want=5: is Bluetooth turned on?"), target: device.ErrBluetoothOff},
		{name: "not connected", input: errors.New("device not connected"), target: device.ErrNotConnected},
		{name: "already connected", input: errors.New("Device already connected"), target: device.ErrAlreadyConnected},
		{name: "deadline", input: context.DeadlineExceeded, target: device.ErrTimeout},
		{name: "no hci", input: errors.New("can't init hci: no devices available"), target: device.ErrUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NormalizeError(tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.target)
			assert.Contains(t, err.Error(), tt.input.Error(), "original message MUST be preserved")
		})
	}

	assert.NoError(t, NormalizeError(nil))
	other := errors.New("something else")
	assert.Same(t, other, NormalizeError(other))
}
