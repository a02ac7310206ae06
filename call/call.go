// Package call implements the signaling state machine for chatcore
// calls. It turns decrypted signaling payloads into per-participant
// state transitions and aggregates them into call-level events.
//
// Media itself is out of scope: the package tells its MediaEvents sink
// when a call goes active, ends, or fails, and an external media
// transport acts on that.
package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// CallID uniquely identifies a call across all participants.
type CallID = uuid.UUID

// Config holds the tunable policy values for call signaling.
type Config struct {
	// RingTimeout ends an unanswered outgoing call.
	RingTimeout time.Duration
}

// DefaultConfig returns the production defaults for call policy.
func DefaultConfig() Config {
	return Config{RingTimeout: 60 * time.Second}
}

// MediaEvents receives call lifecycle notifications. Implementations
// must not call back into the call package from the callback.
type MediaEvents interface {
	CallActive(id CallID)
	CallEnded(id CallID, reason EndReason)
	CallFailed(id CallID, err error)
}

// participant tracks one remote device's state within a call, plus the
// decisive answer signal used to resolve races.
type participant struct {
	state         ParticipantState
	answer        envelope.SignalingKind
	answerCounter uint64
	answered      bool
}

// Call is one call's signaling state. Signals for the same call are
// serialized on the call's lock; racing answers are resolved by their
// signaling counter, never by arrival order.
type Call struct {
	id        CallID
	initiator bool
	config    Config
	events    MediaEvents

	mu           sync.Mutex
	participants map[keydir.DeviceID]*participant
	aggregate    ParticipantState
	reason       EndReason
	ringTimer    *time.Timer
	nextCounter  uint64
}

// newCall builds the shared call state. startRinging arms the ring
// timeout for outgoing calls.
func newCall(id CallID, initiator bool, peers []keydir.DeviceID, config Config, events MediaEvents) *Call {
	c := &Call{
		id:           id,
		initiator:    initiator,
		config:       config,
		events:       events,
		participants: make(map[keydir.DeviceID]*participant, len(peers)),
		aggregate:    StateRinging,
	}
	for _, peer := range peers {
		c.participants[peer] = &participant{state: StateRinging}
	}
	return c
}

// ID returns the call's identifier.
func (c *Call) ID() CallID {
	return c.id
}

// State returns the aggregate call state: the most advanced live
// participant state, or the terminal state once every participant is
// terminal.
func (c *Call) State() ParticipantState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aggregate
}

// Reason returns why the call ended, once it has.
func (c *Call) Reason() EndReason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// ParticipantState returns one participant's current state.
func (c *Call) ParticipantState(device keydir.DeviceID) (ParticipantState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.participants[device]
	if !ok {
		return StateIdle, ErrNotParticipant
	}
	return p.state, nil
}

// nextSignal allocates the next signaling counter for this call.
// Caller holds c.mu.
func (c *Call) nextSignal(kind envelope.SignalingKind) *envelope.SignalingPayload {
	counter := c.nextCounter
	c.nextCounter++
	return &envelope.SignalingPayload{
		Kind:      kind,
		CallID:    [16]byte(c.id),
		Counter:   counter,
		Timestamp: time.Now(),
	}
}

// handleSignal applies one signal from a participant.
func (c *Call) handleSignal(from keydir.DeviceID, payload *envelope.SignalingPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aggregate.Terminal() {
		return ErrCallEnded
	}
	p, ok := c.participants[from]
	if !ok {
		return ErrNotParticipant
	}

	switch payload.Kind {
	case envelope.SignalAccept, envelope.SignalDecline:
		c.applyAnswer(from, p, payload)

	case envelope.SignalMediaReady:
		if p.state != StateConnecting {
			return fmt.Errorf("media ready while %s: %w", p.state, ErrInvalidTransition)
		}
		p.state = StateActive

	case envelope.SignalHangup:
		p.state = StateEnded
		if c.reason == ReasonNone {
			c.reason = ReasonHangup
		}

	case envelope.SignalPing:
		// Liveness only; no transition.
		return nil

	case envelope.SignalInitiate:
		return fmt.Errorf("initiate on established call: %w", ErrInvalidTransition)

	default:
		return fmt.Errorf("signal kind %d: %w", payload.Kind, ErrInvalidTransition)
	}

	c.refreshAggregate()
	return nil
}

// applyAnswer resolves a participant's Accept or Decline against any
// earlier answer: the lower counter wins, and at equal counters Decline
// beats Accept. A late losing answer is dropped. Caller holds c.mu.
func (c *Call) applyAnswer(from keydir.DeviceID, p *participant, payload *envelope.SignalingPayload) {
	if p.state == StateActive {
		// Media is already flowing; the answer race is settled.
		return
	}

	if p.answered && !answerBeats(payload.Kind, payload.Counter, p.answer, p.answerCounter) {
		return
	}
	if p.answered && (p.answer != payload.Kind || p.answerCounter != payload.Counter) {
		logrus.WithFields(logrus.Fields{
			"function": "applyAnswer",
			"call":     c.id,
			"peer":     from,
			"winner":   payload.Kind,
		}).Info("Racing call answers resolved by counter")
	}

	p.answered = true
	p.answer = payload.Kind
	p.answerCounter = payload.Counter

	if payload.Kind == envelope.SignalAccept {
		p.state = StateConnecting
		c.stopRingTimer()
	} else {
		p.state = StateEnded
		if c.reason == ReasonNone {
			c.reason = ReasonDeclined
		}
	}
}

// answerBeats reports whether a new answer supersedes the recorded one.
func answerBeats(kind envelope.SignalingKind, counter uint64, prevKind envelope.SignalingKind, prevCounter uint64) bool {
	if counter != prevCounter {
		return counter < prevCounter
	}
	return kind == envelope.SignalDecline && prevKind == envelope.SignalAccept
}

// hangupLocal ends the call from this side. Caller holds c.mu.
func (c *Call) hangupLocal(reason EndReason) {
	for _, p := range c.participants {
		if !p.state.Terminal() {
			p.state = StateEnded
		}
	}
	if c.reason == ReasonNone {
		c.reason = reason
	}
	c.refreshAggregate()
}

// fail moves every live participant to Failed. Caller holds c.mu.
func (c *Call) fail() {
	for _, p := range c.participants {
		if !p.state.Terminal() {
			p.state = StateFailed
		}
	}
	c.reason = ReasonFailure
	c.refreshAggregate()
}

// refreshAggregate recomputes the call-level state from participant
// states and fires lifecycle events on transitions. Caller holds c.mu.
func (c *Call) refreshAggregate() {
	previous := c.aggregate

	mostAdvanced := StateIdle
	liveCount := 0
	anyFailed := false
	for _, p := range c.participants {
		if p.state.Terminal() {
			anyFailed = anyFailed || p.state == StateFailed
			continue
		}
		liveCount++
		if p.state > mostAdvanced {
			mostAdvanced = p.state
		}
	}

	if liveCount == 0 {
		c.stopRingTimer()
		if anyFailed {
			c.aggregate = StateFailed
		} else {
			c.aggregate = StateEnded
		}
		if c.reason == ReasonNone {
			c.reason = ReasonCompleted
		}
	} else {
		c.aggregate = mostAdvanced
	}

	if c.aggregate == previous || c.events == nil {
		return
	}
	switch c.aggregate {
	case StateActive:
		c.events.CallActive(c.id)
	case StateEnded:
		c.events.CallEnded(c.id, c.reason)
	case StateFailed:
		c.events.CallFailed(c.id, fmt.Errorf("call %s: signaling failure", c.id))
	}
}

// startRingTimer arms the one-shot ring timeout. Caller holds c.mu.
func (c *Call) startRingTimer(onTimeout func()) {
	if c.config.RingTimeout <= 0 {
		return
	}
	c.ringTimer = time.AfterFunc(c.config.RingTimeout, onTimeout)
}

// stopRingTimer disarms the ring timeout. Caller holds c.mu.
func (c *Call) stopRingTimer() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
		c.ringTimer = nil
	}
}

// ringTimeoutFired ends the call as unanswered if no participant ever
// progressed past ringing.
func (c *Call) ringTimeoutFired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.aggregate != StateRinging {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "ringTimeoutFired",
		"call":     c.id,
	}).Info("Call ring timeout, no answer")

	for _, p := range c.participants {
		if !p.state.Terminal() {
			p.state = StateEnded
		}
	}
	c.reason = ReasonNoAnswer
	c.refreshAggregate()
}
