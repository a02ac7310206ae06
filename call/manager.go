package call

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// Signaler carries an encrypted signaling payload to one device. The
// engine implements this over the pairwise session and transport.
type Signaler interface {
	SendSignal(device keydir.DeviceID, payload *envelope.SignalingPayload) error
}

// IncomingFunc is notified when a remote device initiates a call with
// this device. The call is already ringing when the callback fires.
type IncomingFunc func(call *Call, from keydir.DeviceID)

// Manager tracks every call this device participates in and routes
// signaling payloads to the right call's state machine.
type Manager struct {
	mu         sync.RWMutex
	calls      map[CallID]*Call
	signaler   Signaler
	events     MediaEvents
	onIncoming IncomingFunc
	config     Config
}

// NewManager creates a call manager. signaler must be non-nil; events
// and onIncoming may be nil.
func NewManager(signaler Signaler, events MediaEvents, onIncoming IncomingFunc, config Config) *Manager {
	if config.RingTimeout <= 0 {
		config.RingTimeout = DefaultConfig().RingTimeout
	}
	return &Manager{
		calls:      make(map[CallID]*Call),
		signaler:   signaler,
		events:     events,
		onIncoming: onIncoming,
		config:     config,
	}
}

// StartCall initiates a call to one or more peers. Every peer starts
// ringing; the ring timeout ends the call if nobody answers.
func (m *Manager) StartCall(peers ...keydir.DeviceID) (*Call, error) {
	if len(peers) == 0 {
		return nil, fmt.Errorf("start call: %w", ErrNotParticipant)
	}

	id := CallID(uuid.New())
	c := newCall(id, true, peers, m.config, m.events)

	m.mu.Lock()
	m.calls[id] = c
	m.mu.Unlock()

	c.mu.Lock()
	payloads := make(map[keydir.DeviceID]*envelope.SignalingPayload, len(peers))
	for _, peer := range peers {
		payloads[peer] = c.nextSignal(envelope.SignalInitiate)
	}
	c.startRingTimer(c.ringTimeoutFired)
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "StartCall",
		"call":     id,
		"peers":    len(peers),
	}).Info("Call initiated")

	if err := m.fanOut(payloads); err != nil {
		m.Fail(id, err)
		return nil, err
	}
	return c, nil
}

// HandleSignal routes a decrypted signaling payload from a device to
// its call. An initiate for an unknown call ID creates a ringing
// incoming call.
func (m *Manager) HandleSignal(from keydir.DeviceID, payload *envelope.SignalingPayload) error {
	id := CallID(payload.CallID)

	m.mu.Lock()
	c, known := m.calls[id]
	if !known {
		if payload.Kind != envelope.SignalInitiate {
			m.mu.Unlock()
			return fmt.Errorf("signal %d for call %s: %w", payload.Kind, id, ErrCallNotFound)
		}
		c = newCall(id, false, []keydir.DeviceID{from}, m.config, m.events)
		m.calls[id] = c
		m.mu.Unlock()

		c.mu.Lock()
		c.startRingTimer(c.ringTimeoutFired)
		c.mu.Unlock()

		logrus.WithFields(logrus.Fields{
			"function": "HandleSignal",
			"call":     id,
			"from":     from,
		}).Info("Incoming call ringing")

		if m.onIncoming != nil {
			m.onIncoming(c, from)
		}
		return nil
	}
	m.mu.Unlock()

	return c.handleSignal(from, payload)
}

// Get returns the call with the given ID.
func (m *Manager) Get(id CallID) (*Call, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.calls[id]
	if !ok {
		return nil, ErrCallNotFound
	}
	return c, nil
}

// Accept answers a ringing incoming call. The remote legs move to
// Connecting; media starts once both sides report MediaReady.
func (m *Manager) Accept(id CallID) error {
	return m.answer(id, envelope.SignalAccept)
}

// Decline rejects a ringing incoming call and ends it.
func (m *Manager) Decline(id CallID) error {
	return m.answer(id, envelope.SignalDecline)
}

// MediaReady reports that this side's media path is up. Remote legs in
// Connecting move to Active.
func (m *Manager) MediaReady(id CallID) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.aggregate.Terminal() {
		c.mu.Unlock()
		return ErrCallEnded
	}
	payloads := make(map[keydir.DeviceID]*envelope.SignalingPayload, len(c.participants))
	for device, p := range c.participants {
		if p.state == StateConnecting {
			p.state = StateActive
			payloads[device] = c.nextSignal(envelope.SignalMediaReady)
		}
	}
	c.refreshAggregate()
	c.mu.Unlock()

	return m.fanOut(payloads)
}

// Hangup ends a call from this side in any non-terminal state.
func (m *Manager) Hangup(id CallID) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.aggregate.Terminal() {
		c.mu.Unlock()
		return ErrCallEnded
	}
	payloads := make(map[keydir.DeviceID]*envelope.SignalingPayload, len(c.participants))
	for device, p := range c.participants {
		if !p.state.Terminal() {
			payloads[device] = c.nextSignal(envelope.SignalHangup)
		}
	}
	c.hangupLocal(ReasonHangup)
	c.mu.Unlock()

	return m.fanOut(payloads)
}

// Release drops a terminal call's state and signaling transcript. Live
// calls cannot be released.
func (m *Manager) Release(id CallID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.calls[id]
	if !ok {
		return ErrCallNotFound
	}
	if !c.State().Terminal() {
		return fmt.Errorf("release while %s: %w", c.State(), ErrInvalidTransition)
	}
	delete(m.calls, id)

	logrus.WithFields(logrus.Fields{
		"function": "Release",
		"call":     id,
	}).Debug("Call state released")
	return nil
}

// Fail moves a call to Failed after an unrecoverable transport or
// session error.
func (m *Manager) Fail(id CallID, cause error) {
	c, err := m.Get(id)
	if err != nil {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "Fail",
		"call":     id,
		"error":    cause,
	}).Error("Call failed")

	c.mu.Lock()
	c.stopRingTimer()
	c.fail()
	c.mu.Unlock()
}

// Shutdown hangs up every live call, for engine teardown.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]CallID, 0, len(m.calls))
	for id := range m.calls {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		if err := m.Hangup(id); err != nil && !errors.Is(err, ErrCallEnded) {
			logrus.WithFields(logrus.Fields{
				"function": "Shutdown",
				"call":     id,
				"error":    err,
			}).Warn("Hangup during shutdown failed")
		}
	}
}

// answer sends an Accept or Decline for a ringing call and applies the
// matching local transition.
func (m *Manager) answer(id CallID, kind envelope.SignalingKind) error {
	c, err := m.Get(id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.aggregate.Terminal() {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if c.aggregate != StateRinging {
		c.mu.Unlock()
		return fmt.Errorf("answer while %s: %w", c.aggregate, ErrInvalidTransition)
	}

	payloads := make(map[keydir.DeviceID]*envelope.SignalingPayload, len(c.participants))
	for device, p := range c.participants {
		payloads[device] = c.nextSignal(kind)
		if kind == envelope.SignalAccept {
			p.state = StateConnecting
		} else {
			p.state = StateEnded
		}
	}
	if kind == envelope.SignalAccept {
		c.stopRingTimer()
	} else if c.reason == ReasonNone {
		c.reason = ReasonDeclined
	}
	c.refreshAggregate()
	c.mu.Unlock()

	return m.fanOut(payloads)
}

// fanOut delivers signaling payloads to their devices, collecting
// per-device failures.
func (m *Manager) fanOut(payloads map[keydir.DeviceID]*envelope.SignalingPayload) error {
	var errs []error
	for device, payload := range payloads {
		if err := m.signaler.SendSignal(device, payload); err != nil {
			errs = append(errs, fmt.Errorf("signaling device %d: %w", device, err))
		}
	}
	return errors.Join(errs...)
}
