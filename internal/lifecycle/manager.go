// Package lifecycle drives per-device connect and disconnect against the
// active transport and reconciles every phase into the registry and the
// event bus.
//
// States: absent → connecting → {connected, error, disconnected};
// connected → disconnected (manual or automatic); error → connecting.
package lifecycle

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blescope/internal/device"
	"github.com/srg/blescope/internal/events"
	"github.com/srg/blescope/internal/groutine"
	"github.com/srg/blescope/internal/registry"
	"github.com/srg/blescope/internal/transport"
)

const (
	manualDisconnectMsg    = "manual disconnect"
	automaticDisconnectMsg = "automatic disconnect"
	droppedDuringSetupMsg  = "device disconnected during connect"
	managerClosedMsg       = "connection manager closed"

	cleanupTimeout = 5 * time.Second
)

// attempt is one in-flight connect. Exactly one of the dial result and the
// timeout guard claims it; the loser has no effect on state.
type attempt struct {
	id      string
	timer   *time.Timer
	cancel  context.CancelFunc
	claimed bool // guarded by Manager.mu

	done   chan struct{}
	result *device.Device
	err    error
}

func (a *attempt) finish(d *device.Device, err error) {
	a.result, a.err = d, err
	close(a.done)
}

// session is a live connection owned by the manager
type session struct {
	id          string
	link        transport.Link
	connectedAt time.Time

	// guarded by Manager.mu
	registered bool
	closing    bool
	lost       bool
}

// Manager owns the connect attempts and connected sessions of every device.
// It allows one in-flight attempt per device id.
type Manager struct {
	tr     transport.Transport
	reg    *registry.Registry
	bus    *events.Bus
	logger *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	attempts map[string]*attempt
	sessions map[string]*session
	closed   bool
}

// New creates a manager. A nil logger falls back to logrus.New().
func New(tr transport.Transport, reg *registry.Registry, bus *events.Bus, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tr:       tr,
		reg:      reg,
		bus:      bus,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		attempts: make(map[string]*attempt),
		sessions: make(map[string]*session),
	}
}

// Connect starts a connect attempt and waits for its outcome.
//
// Returns a NotFoundError when the transport cannot resolve id, ErrConnecting
// or ErrAlreadyConnected on conflict, and the failure (with the device record)
// when the attempt ends in error. If ctx ends first the attempt keeps running.
func (m *Manager) Connect(ctx context.Context, id string) (*device.Device, error) {
	tgt, err := m.tr.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}

	a, err := m.begin(id)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	m.reg.Merge(id, &device.Patch{
		ConnectionStatus:    device.Ptr(device.StatusConnecting),
		ConnectionTimestamp: &now,
		ConnectionError:     device.Ptr(""),
	})
	m.bus.Publish(events.TypeConnect, events.ConnectData{ID: id, Status: events.PhaseStarting})

	policy := m.tr.Policy()
	attemptCtx, cancel := context.WithCancel(m.ctx)
	a.cancel = cancel

	if policy.AttemptTimeout > 0 {
		m.mu.Lock()
		a.timer = time.AfterFunc(policy.AttemptTimeout, func() { m.expire(a, policy.AttemptTimeout) })
		m.mu.Unlock()
	}

	m.logger.WithFields(logrus.Fields{
		"id":        id,
		"transport": m.tr.Name(),
		"timeout":   policy.AttemptTimeout,
		"attempts":  policy.MaxAttempts,
	}).Info("Connecting to device")

	groutine.Go(attemptCtx, "connect-"+id, func(ctx context.Context) {
		defer cancel()
		m.run(ctx, a, tgt, policy)
	})

	select {
	case <-a.done:
		return a.result, a.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// begin registers an attempt unless one is in flight or a session exists
func (m *Manager) begin(id string) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, errors.New(managerClosedMsg)
	}
	if _, ok := m.attempts[id]; ok {
		return nil, device.ErrConnecting
	}
	if _, ok := m.sessions[id]; ok {
		return nil, device.ErrAlreadyConnected
	}
	a := &attempt{id: id, done: make(chan struct{})}
	m.attempts[id] = a
	return a, nil
}

// claim reports whether the caller won the attempt; it disarms the timeout guard
func (m *Manager) claim(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.claimed {
		return false
	}
	a.claimed = true
	if a.timer != nil {
		a.timer.Stop()
	}
	return true
}

func (m *Manager) expire(a *attempt, after time.Duration) {
	if !m.claim(a) {
		return
	}
	msg := fmt.Sprintf("Connection timeout (%s)", after)
	m.logger.WithField("id", a.id).Warn(msg)
	if a.cancel != nil {
		a.cancel()
	}
	m.fail(a, msg, fmt.Errorf("%w: %s", device.ErrTimeout, msg))
}

// run dials, then performs the best-effort post-connect steps
func (m *Manager) run(ctx context.Context, a *attempt, tgt transport.Target, policy transport.Policy) {
	sess := &session{id: a.id}
	hooks := transport.Hooks{OnDisconnect: func(err error) { m.handleDrop(sess, err) }}

	link, err := m.dial(ctx, a.id, tgt, policy, hooks)
	if err != nil {
		if m.claim(a) {
			m.logger.WithFields(logrus.Fields{"id": a.id, "error": err, "goroutine": groutine.GetName(ctx)}).Warn("Connect failed")
			m.fail(a, err.Error(), err)
		}
		return
	}

	if !m.claim(a) {
		m.logger.WithField("id", a.id).Warn("Connect completed after the attempt ended, closing link")
		m.discard(link)
		return
	}
	sess.link = link
	sess.connectedAt = time.Now()

	patch := &device.Patch{
		Connected:           device.Ptr(true),
		ConnectionStatus:    device.Ptr(device.StatusConnected),
		ConnectionTimestamp: device.Ptr(sess.connectedAt),
		ConnectionError:     device.Ptr(""),
		ConnectedAt:         device.Ptr(sess.connectedAt),
		Services:            []string{},
		Characteristics:     []device.Characteristic{},
	}

	if rssi, err := link.ReadRSSI(ctx); err == nil {
		patch.LastRSSI = &rssi
	} else {
		m.logger.WithFields(logrus.Fields{"id": a.id, "error": err}).Debug("RSSI refresh failed")
	}

	services, err := link.Discover(ctx)
	if err != nil {
		m.logger.WithFields(logrus.Fields{"id": a.id, "error": err}).Warn("Service discovery failed, continuing without details")
		services = nil
	}

	// Subscriptions run one at a time
	subscribed := 0
	for _, svc := range services {
		patch.Services = append(patch.Services, svc.UUID)
		for _, char := range svc.Characteristics {
			patch.Characteristics = append(patch.Characteristics, device.Characteristic{
				ServiceUUID: char.ServiceUUID,
				UUID:        char.UUID,
				Properties:  append([]string{}, char.Properties...),
			})
			if !char.CanNotify() {
				continue
			}
			if err := link.Subscribe(ctx, char, m.forwarder(a.id, char)); err != nil {
				m.logger.WithFields(logrus.Fields{
					"id":             a.id,
					"characteristic": char.UUID,
					"error":          err,
				}).Warn("Subscribe failed, skipping characteristic")
				continue
			}
			subscribed++
		}
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.discard(link)
		m.fail(a, managerClosedMsg, errors.New(managerClosedMsg))
		return
	}
	if sess.lost {
		m.mu.Unlock()
		link.Close()
		m.fail(a, droppedDuringSetupMsg, &device.ConnectionError{State: device.NotConnected, Msg: droppedDuringSetupMsg})
		return
	}
	sess.registered = true
	m.sessions[a.id] = sess
	if m.attempts[a.id] == a {
		delete(m.attempts, a.id)
	}
	d := m.reg.Merge(a.id, patch)
	m.bus.Publish(events.TypeConnected, events.ConnectedData{Device: d})
	m.bus.Publish(events.TypeConnect, events.ConnectData{ID: a.id, Status: events.PhaseSuccess})
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"id":         a.id,
		"services":   len(patch.Services),
		"subscribed": subscribed,
	}).Info("Device connected")
	a.finish(d, nil)
}

// dial calls the transport, retrying transient failures per policy
func (m *Manager) dial(ctx context.Context, id string, tgt transport.Target, policy transport.Policy, hooks transport.Hooks) (transport.Link, error) {
	attempts := max(policy.MaxAttempts, 1)

	var lastErr error
	for n := 1; n <= attempts; n++ {
		link, err := m.tr.Dial(ctx, tgt, hooks)
		if err == nil {
			return link, nil
		}
		lastErr = err
		if !errors.Is(err, device.ErrTransient) || n == attempts {
			break
		}

		m.logger.WithFields(logrus.Fields{
			"id":      id,
			"attempt": n,
			"of":      attempts,
			"error":   err,
		}).Warn("Transient connect failure, retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(policy.RetryDelay):
		}
	}
	return nil, lastErr
}

func (m *Manager) forwarder(id string, char transport.Characteristic) func([]byte) {
	return func(value []byte) {
		m.bus.Publish(events.TypeNotify, events.NotifyData{
			ID:          id,
			ServiceUUID: char.ServiceUUID,
			CharUUID:    char.UUID,
			Data:        hex.EncodeToString(value),
		})
	}
}

// fail records a terminal attempt failure and wakes the caller
func (m *Manager) fail(a *attempt, msg string, err error) {
	m.mu.Lock()
	if m.attempts[a.id] == a {
		delete(m.attempts, a.id)
	}
	now := time.Now()
	d := m.reg.Merge(a.id, &device.Patch{
		Connected:                    device.Ptr(false),
		ConnectionStatus:             device.Ptr(device.StatusError),
		ConnectionError:              &msg,
		LastConnectionError:          &msg,
		LastConnectionErrorTimestamp: &now,
	})
	m.bus.Publish(events.TypeConnect, events.ConnectData{ID: a.id, Status: events.PhaseError, Error: msg})
	m.mu.Unlock()

	a.finish(d, err)
}

// discard tears down a link nobody owns
func (m *Manager) discard(link transport.Link) {
	link.Close()
	ctx, cancel := context.WithTimeout(m.ctx, cleanupTimeout)
	defer cancel()
	if err := link.Disconnect(ctx); err != nil {
		m.logger.WithField("error", err).Debug("Disconnect of discarded link failed")
	}
}

// handleDrop reacts to an unsolicited link loss
func (m *Manager) handleDrop(sess *session, cause error) {
	m.mu.Lock()
	if sess.closing || !sess.registered {
		// Disconnect (or setup) finishes the teardown
		sess.lost = true
		m.mu.Unlock()
		return
	}
	if m.sessions[sess.id] != sess {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, sess.id)
	m.markDisconnectedLocked(sess.id, events.ReasonAutomatic)
	m.mu.Unlock()

	if sess.link != nil {
		sess.link.Close()
	}
	m.logger.WithFields(logrus.Fields{"id": sess.id, "cause": cause}).Info("Device disconnected")
}

// Disconnect tears down the session for id. Without a session it returns a
// NotFoundError; a transport failure is returned with no state change unless
// the link dropped meanwhile or the transport reports it already gone, in
// which case the session ends as an automatic disconnect.
func (m *Manager) Disconnect(ctx context.Context, id string) (*device.Device, error) {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if !ok || sess.closing {
		m.mu.Unlock()
		return nil, &device.NotFoundError{Resource: "session", ID: id}
	}
	sess.closing = true
	m.mu.Unlock()

	if err := sess.link.Disconnect(ctx); err != nil {
		m.mu.Lock()
		if !sess.lost && !device.IsConnectionState(err, device.NotConnected) {
			sess.closing = false
			m.mu.Unlock()
			m.logger.WithFields(logrus.Fields{"id": id, "error": err}).Warn("Disconnect failed")
			return nil, err
		}
		if m.sessions[id] == sess {
			delete(m.sessions, id)
		}
		d := m.markDisconnectedLocked(id, events.ReasonAutomatic)
		m.mu.Unlock()

		sess.link.Close()
		m.logger.WithFields(logrus.Fields{"id": id, "error": err}).Info("Link dropped while disconnecting")
		return d, nil
	}
	sess.link.Close()

	m.mu.Lock()
	if m.sessions[id] == sess {
		delete(m.sessions, id)
	}
	d := m.markDisconnectedLocked(id, events.ReasonManual)
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"id":       id,
		"duration": time.Since(sess.connectedAt).Round(time.Millisecond),
	}).Info("Device disconnected on request")
	return d, nil
}

func (m *Manager) markDisconnectedLocked(id string, reason events.DisconnectReason) *device.Device {
	msg := manualDisconnectMsg
	if reason == events.ReasonAutomatic {
		msg = automaticDisconnectMsg
	}
	d := m.reg.Merge(id, &device.Patch{
		Connected:           device.Ptr(false),
		ConnectionStatus:    device.Ptr(device.StatusDisconnected),
		ConnectionTimestamp: device.Ptr(time.Now()),
		ConnectionError:     &msg,
		ConnectedAt:         &time.Time{},
		Services:            []string{},
		Characteristics:     []device.Characteristic{},
	})
	m.bus.Publish(events.TypeDisconnected, events.DisconnectedData{ID: id, Reason: reason})
	return d
}

// Connected reports whether a session exists for id
func (m *Manager) Connected(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	return ok
}

// Connecting reports whether an attempt is in flight for id
func (m *Manager) Connecting(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.attempts[id]
	return ok
}

// SessionCount returns the number of connected sessions
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close aborts in-flight attempts and disconnects every session
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.closing = true
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.discard(s.link)
	}
	m.cancel()
}
