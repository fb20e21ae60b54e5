package monitor

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type fakeSource struct {
	mu       sync.Mutex
	devices  []*device.Device
	scanning bool
	lastAdv  time.Time
}

func (f *fakeSource) ListDevices() []*device.Device {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*device.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.Clone())
	}
	return out
}

func (f *fakeSource) ScanningActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scanning
}

func (f *fakeSource) LastAdvertisement() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAdv
}

type MonitorTestSuite struct {
	suite.Suite
	src    *fakeSource
	hook   *logtest.Hook
	logger *logrus.Logger
	clock  time.Time
}

func (suite *MonitorTestSuite) SetupTest() {
	color.NoColor = true
	suite.logger, suite.hook = logtest.NewNullLogger()
	suite.src = &fakeSource{scanning: true}
	suite.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func (suite *MonitorTestSuite) newMonitor(opts Options) *Monitor {
	m := New(suite.src, opts, suite.logger)
	m.now = func() time.Time { return suite.clock }
	m.started = suite.clock
	return m
}

func (suite *MonitorTestSuite) warnings() int {
	n := 0
	for _, e := range suite.hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			n++
		}
	}
	return n
}

func (suite *MonitorTestSuite) TestHealthWarnsOncePerStall() {
	// GOAL: Verify the health check warns when scanning stalls, once per stall
	//
	// TEST SCENARIO: No adv for longer than the interval → one warning → adv resumes → healthy → stalls again → second warning

	m := suite.newMonitor(Options{HealthInterval: 15 * time.Second})

	suite.True(m.CheckHealth(), "fresh monitor is healthy")

	suite.clock = suite.clock.Add(16 * time.Second)
	suite.False(m.CheckHealth())
	suite.False(m.CheckHealth())
	suite.Equal(1, suite.warnings())

	suite.src.lastAdv = suite.clock
	suite.True(m.CheckHealth())

	suite.clock = suite.clock.Add(20 * time.Second)
	suite.False(m.CheckHealth())
	suite.Equal(2, suite.warnings())
}

func (suite *MonitorTestSuite) TestHealthIgnoredWhileNotScanning() {
	m := suite.newMonitor(Options{HealthInterval: time.Second})
	suite.src.scanning = false
	suite.clock = suite.clock.Add(time.Minute)

	suite.True(m.CheckHealth())
	suite.Zero(suite.warnings())
}

func (suite *MonitorTestSuite) TestSummarySortsAndTruncates() {
	// GOAL: Verify the summary table lists named devices first, sorted case-insensitively, and truncates the rest
	//
	// TEST SCENARIO: Three devices, two rows allowed → header + Alpha + beta rows → "... 1 more" footer

	strong, fair, weak := -60, -80, -95
	suite.src.devices = []*device.Device{
		{ID: "id-3", LastRSSI: &weak},
		{ID: "id-2", LocalName: "beta", LastRSSI: &fair, ConnectionStatus: device.StatusConnected},
		{ID: "id-1", LocalName: "Alpha", LastRSSI: &strong, LastSeen: suite.clock},
	}

	m := suite.newMonitor(Options{SummaryRows: 2})
	var buf bytes.Buffer
	m.WriteSummary(&buf)

	testutils.NewTextAsserter(suite.T()).Assert(buf.String(), `
Devices: 3 (scanning: true)
NAME   ID    STATUS     LAST SEEN  RSSI
Alpha  id-1  -          12:00:00   -60 dBm
beta   id-2  connected  -          -80 dBm
... 1 more
`)
}

func (suite *MonitorTestSuite) TestSummaryEmpty() {
	m := suite.newMonitor(Options{SummaryRows: 50})
	var buf bytes.Buffer
	m.WriteSummary(&buf)
	suite.Equal("Devices: 0 (scanning: true)\n", buf.String())
}

func (suite *MonitorTestSuite) TestRunPrintsSummaryUntilCancelled() {
	out := &syncBuffer{}
	m := New(suite.src, Options{SummaryInterval: 10 * time.Millisecond, Out: out}, suite.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	suite.Eventually(func() bool {
		return strings.Contains(out.String(), "Devices: 0")
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		suite.FailNow("Run did not return after cancel")
	}
}

func TestMonitorTestSuite(t *testing.T) {
	suite.Run(t, new(MonitorTestSuite))
}

func TestFormatRSSI(t *testing.T) {
	prev := color.NoColor
	color.NoColor = false
	defer func() { color.NoColor = prev }()

	tests := []struct {
		name  string
		rssi  *int
		color color.Attribute
	}{
		{name: "strong at threshold", rssi: device.Ptr(-70), color: color.FgGreen},
		{name: "fair", rssi: device.Ptr(-71), color: color.FgYellow},
		{name: "fair at threshold", rssi: device.Ptr(-85), color: color.FgYellow},
		{name: "weak", rssi: device.Ptr(-86), color: color.FgRed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FormatRSSI(tt.rssi)
			want := color.New(tt.color).Sprintf("%d dBm", *tt.rssi)
			assert.Equal(t, want, got)
		})
	}

	require.Equal(t, "-", FormatRSSI(nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
