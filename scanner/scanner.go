package scanner

import (
	"encoding/hex"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/events"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/transport"
)

// progressEvery is how many advertisements pass between progress logs
const progressEvery = 50

// ScanOptions configures which advertisements are recorded.
// Allow/block lists and the service filter gate a device's first appearance;
// MinRSSI applies to every advertisement.
type ScanOptions struct {
	MinRSSI      *int
	ServiceUUIDs []string
	AllowList    []string
	BlockList    []string
}

// DefaultScanOptions returns options that record everything
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{}
}

// Scanner turns transport discovery output into registry merges and
// adv/scan events. It implements transport.Handler.
type Scanner struct {
	reg    *registry.Registry
	bus    *events.Bus
	logger *logrus.Logger
	opts   ScanOptions

	active   atomic.Bool
	advCount atomic.Uint64
	lastAdv  atomic.Int64
}

// NewScanner creates a scanner. A nil logger falls back to logrus.New().
func NewScanner(reg *registry.Registry, bus *events.Bus, opts *ScanOptions, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	if opts == nil {
		opts = DefaultScanOptions()
	}
	s := &Scanner{
		reg:    reg,
		bus:    bus,
		logger: logger,
		opts:   *opts,
	}
	s.opts.ServiceUUIDs = device.NormalizeUUIDs(opts.ServiceUUIDs)
	return s
}

// OnAdvertisement merges one observation into the registry and publishes an adv event
func (s *Scanner) OnAdvertisement(obs transport.Observation) {
	if obs.ID == "" {
		return
	}
	if s.opts.MinRSSI != nil && obs.RSSI != nil && *obs.RSSI < *s.opts.MinRSSI {
		return
	}

	now := time.Now()
	name := device.CleanLocalName(obs.LocalName)
	uuids := device.NormalizeUUIDs(obs.ServiceUUIDs)
	manufacturer := hex.EncodeToString(obs.ManufacturerData)

	isNew := false
	d := s.reg.Update(obs.ID, func(current *device.Device) *device.Patch {
		if current == nil {
			if !s.shouldInclude(obs, uuids) {
				return nil
			}
			isNew = true
		}

		patch := &device.Patch{LastSeen: &now}
		if obs.Address != "" {
			patch.Address = &obs.Address
		}
		// An empty name never replaces a known one
		if name != "" {
			patch.LocalName = &name
		}
		if obs.RSSI != nil {
			patch.LastRSSI = obs.RSSI
		}
		if len(uuids) > 0 {
			patch.ServiceUUIDs = uuids
		}
		if manufacturer != "" {
			patch.ManufacturerDataHex = &manufacturer
		}
		// Discovery only upgrades a device the lifecycle manager never touched
		if obs.Connected != nil && *obs.Connected &&
			(current == nil || current.ConnectionStatus == device.StatusAbsent) {
			patch.Connected = device.Ptr(true)
			patch.ConnectionStatus = device.Ptr(device.StatusConnected)
		}
		return patch
	})
	if d == nil {
		return
	}

	s.lastAdv.Store(now.UnixNano())
	s.bus.Publish(events.TypeAdv, s.advData(obs, name, uuids, manufacturer))

	if isNew {
		s.logger.WithFields(logrus.Fields{
			"id":      obs.ID,
			"name":    name,
			"address": obs.Address,
			"rssi":    rssiField(obs.RSSI),
		}).Info("Discovered new device")
	}

	if n := s.advCount.Add(1); n%progressEvery == 0 {
		s.logger.WithFields(logrus.Fields{
			"advertisements": n,
			"devices":        s.reg.Len(),
		}).Info("Discovery progress")
	}
}

func (s *Scanner) advData(obs transport.Observation, name string, uuids []string, manufacturer string) events.AdvData {
	data := events.AdvData{
		ID:               obs.ID,
		Address:          obs.Address,
		RSSI:             obs.RSSI,
		LocalName:        name,
		ServiceUUIDs:     uuids,
		ManufacturerData: manufacturer,
	}
	for _, sd := range obs.ServiceData {
		data.ServiceData = append(data.ServiceData, events.ServiceData{
			UUID: device.NormalizeUUID(sd.UUID),
			Data: hex.EncodeToString(sd.Data),
		})
	}
	return data
}

// OnScanState records the scanning flag and publishes a scan event
func (s *Scanner) OnScanState(active bool, reason string) {
	s.active.Store(active)
	s.bus.Publish(events.TypeScan, events.ScanData{Active: active, Reason: reason})
	s.logger.WithFields(logrus.Fields{
		"active": active,
		"reason": reason,
	}).Info("Scan state changed")
}

// shouldInclude applies the allow/block/service filters
func (s *Scanner) shouldInclude(obs transport.Observation, uuids []string) bool {
	matches := func(list []string) bool {
		return slices.ContainsFunc(list, func(entry string) bool {
			return strings.EqualFold(entry, obs.ID) || (obs.Address != "" && strings.EqualFold(entry, obs.Address))
		})
	}

	if matches(s.opts.BlockList) {
		return false
	}
	if len(s.opts.AllowList) > 0 && !matches(s.opts.AllowList) {
		return false
	}
	if len(s.opts.ServiceUUIDs) > 0 {
		return slices.ContainsFunc(s.opts.ServiceUUIDs, func(required string) bool {
			return slices.Contains(uuids, required)
		})
	}
	return true
}

// Scanning reports the last scan state the transport reported
func (s *Scanner) Scanning() bool {
	return s.active.Load()
}

// AdvertisementCount returns the number of advertisements recorded
func (s *Scanner) AdvertisementCount() uint64 {
	return s.advCount.Load()
}

// LastAdvertisement returns when the last advertisement was recorded, or the zero time
func (s *Scanner) LastAdvertisement() time.Time {
	ns := s.lastAdv.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

func rssiField(rssi *int) any {
	if rssi == nil {
		return nil
	}
	return *rssi
}
