// Package monitor runs the diagnostic loops of a long-running process: a
// scan health check and a periodic device summary table.
package monitor

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
)

// RSSI thresholds for summary coloring
const (
	StrongRSSI = -70
	FairRSSI   = -85
)

// Source is what the monitor observes
type Source interface {
	ListDevices() []*device.Device
	ScanningActive() bool
	LastAdvertisement() time.Time
}

// Options configures a Monitor. Zero intervals disable the matching loop.
type Options struct {
	HealthInterval  time.Duration
	SummaryInterval time.Duration
	SummaryRows     int
	// Out receives summary tables; nil means stdout
	Out io.Writer
}

// Monitor checks scan health and prints device summaries
type Monitor struct {
	src    Source
	opts   Options
	logger *logrus.Logger

	mu      sync.Mutex
	started time.Time
	warned  bool
	now     func() time.Time
}

// New creates a monitor over src. A nil logger falls back to logrus.New().
func New(src Source, opts Options, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	m := &Monitor{src: src, opts: opts, logger: logger, now: time.Now}
	m.started = m.now()
	return m
}

// Run drives both loops until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	health := tick(m.opts.HealthInterval)
	summary := tick(m.opts.SummaryInterval)
	defer health.Stop()
	defer summary.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			m.CheckHealth()
		case <-summary.C:
			m.WriteSummary(m.opts.Out)
		}
	}
}

// CheckHealth warns once per stall when scanning is active and no
// advertisement arrived within the health interval. Returns false while
// stalled.
func (m *Monitor) CheckHealth() bool {
	if m.opts.HealthInterval <= 0 || !m.src.ScanningActive() {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	last := m.src.LastAdvertisement()
	if last.IsZero() {
		last = m.started
	}
	idle := m.now().Sub(last)
	if idle <= m.opts.HealthInterval {
		if m.warned {
			m.logger.Info("Advertisements resumed")
		}
		m.warned = false
		return true
	}

	if !m.warned {
		m.logger.WithFields(logrus.Fields{
			"idle":     idle.Round(time.Second),
			"interval": m.opts.HealthInterval,
		}).Warn("Scanning is active but no advertisements were received")
		m.warned = true
	}
	return false
}

// WriteSummary prints a table of up to SummaryRows devices sorted by name
func (m *Monitor) WriteSummary(w io.Writer) {
	devices := m.src.ListDevices()
	device.SortByName(devices)

	total := len(devices)
	if m.opts.SummaryRows > 0 && total > m.opts.SummaryRows {
		devices = devices[:m.opts.SummaryRows]
	}

	fmt.Fprintf(w, "Devices: %d (scanning: %t)\n", total, m.src.ScanningActive())
	if total == 0 {
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tID\tSTATUS\tLAST SEEN\tRSSI")
	for _, d := range devices {
		name := d.LocalName
		if name == "" {
			name = "(unknown)"
		}
		status := string(d.ConnectionStatus)
		if status == "" {
			status = "-"
		}
		seen := "-"
		if !d.LastSeen.IsZero() {
			seen = d.LastSeen.Format(time.TimeOnly)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, d.ID, status, seen, FormatRSSI(d.LastRSSI))
	}
	tw.Flush()

	if total > len(devices) {
		fmt.Fprintf(w, "... %d more\n", total-len(devices))
	}
}

// FormatRSSI renders an RSSI colored by strength: green at or above
// StrongRSSI, yellow at or above FairRSSI, red below
func FormatRSSI(rssi *int) string {
	if rssi == nil {
		return "-"
	}
	text := strconv.Itoa(*rssi) + " dBm"
	switch {
	case *rssi >= StrongRSSI:
		return color.New(color.FgGreen).Sprint(text)
	case *rssi >= FairRSSI:
		return color.New(color.FgYellow).Sprint(text)
	default:
		return color.New(color.FgRed).Sprint(text)
	}
}

// tick returns a ticker for d, or a stopped one that never fires when d <= 0
func tick(d time.Duration) *time.Ticker {
	if d > 0 {
		return time.NewTicker(d)
	}
	t := time.NewTicker(time.Hour)
	t.Stop()
	return t
}
