// Package sequencer implements per-conversation delivery ordering for
// chatcore.
//
// Each conversation (pairwise or group) has one Sequencer. Outgoing
// envelopes receive a strictly increasing per-sender counter. Incoming
// envelopes are classified as in-order (delivered immediately), future
// (buffered inside a bounded, time-limited gap window), or duplicate
// (dropped with ErrReplayDetected, never delivered twice).
//
// The gap window is the engine's one time-bounded suspension point. The
// wait is a cancellable timer, not a blocking goroutine: a later in-order
// delivery, conversation teardown, or expiry all stop it without leaking
// the buffered envelopes.
//
// Sequencing is independent of the ratchet's chain counters: delivery
// order may regress (a gap-window flush), key-derivation order never does.
package sequencer

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// Sentinel errors for sequencer operations.
var (
	// ErrReplayDetected indicates an envelope with an already-delivered
	// or already-buffered counter. The envelope is dropped.
	ErrReplayDetected = errors.New("replay detected")

	// ErrClosed indicates the conversation was torn down.
	ErrClosed = errors.New("sequencer closed")
)

// Config holds the tunable policy values for sequencing.
type Config struct {
	// GapWindow is how long a gap may stay open before buffered future
	// envelopes are flushed out of strict order.
	GapWindow time.Duration

	// MaxBufferedPerSender bounds the future-envelope buffer per sender.
	// Hitting the bound flushes the sender's buffer early, like an
	// expired window.
	MaxBufferedPerSender int
}

// DefaultConfig returns the production defaults for sequencing policy.
func DefaultConfig() Config {
	return Config{
		GapWindow:            30 * time.Second,
		MaxBufferedPerSender: 256,
	}
}

// DeliveryFunc receives envelopes as the sequencer releases them.
// It is always invoked without sequencer locks held.
type DeliveryFunc func(*envelope.Envelope)

// GapFunc is notified when a gap opens for a sender, so the caller can
// trigger redelivery of the missing range [from, to).
type GapFunc func(sender keydir.DeviceID, from, to uint64)

// senderState tracks ordering for one sender within a conversation.
type senderState struct {
	nextExpected uint64
	buffered     map[uint64]*envelope.Envelope
	gapTimer     *time.Timer
}

// Sequencer orders envelope delivery for a single conversation.
type Sequencer struct {
	config   Config
	deliver  DeliveryFunc
	onGap    GapFunc
	senders  map[keydir.DeviceID]*senderState
	outbound uint64
	closed   bool
	timedOut int // GapTimeout occurrences, for diagnostics
	mu       sync.Mutex
}

// New creates a sequencer for one conversation. deliver must be non-nil;
// onGap may be nil.
func New(config Config, deliver DeliveryFunc, onGap GapFunc) *Sequencer {
	if config.GapWindow <= 0 {
		config.GapWindow = DefaultConfig().GapWindow
	}
	if config.MaxBufferedPerSender <= 0 {
		config.MaxBufferedPerSender = DefaultConfig().MaxBufferedPerSender
	}

	return &Sequencer{
		config:  config,
		deliver: deliver,
		onGap:   onGap,
		senders: make(map[keydir.DeviceID]*senderState),
	}
}

// NextOutbound assigns the next strictly increasing counter for envelopes
// this device sends into the conversation.
func (s *Sequencer) NextOutbound() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	counter := s.outbound
	s.outbound++
	return counter
}

// Receive classifies an incoming envelope and delivers what its arrival
// releases. In-order envelopes (and any buffered run they complete) are
// handed to the delivery callback before Receive returns.
func (s *Sequencer) Receive(env *envelope.Envelope) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}

	state := s.senderState(env.SenderDevice)
	counter := env.Counter

	switch {
	case counter < state.nextExpected:
		s.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Receive",
			"sender":   env.SenderDevice,
			"counter":  counter,
		}).Warn("Replay detected, envelope dropped")
		return ErrReplayDetected

	case counter == state.nextExpected:
		state.nextExpected++
		released := []*envelope.Envelope{env}
		released = append(released, s.drainBuffered(state)...)
		if len(state.buffered) == 0 {
			s.stopGapTimer(state)
		}
		s.mu.Unlock()

		for _, e := range released {
			s.deliver(e)
		}
		return nil

	default: // future
		if _, dup := state.buffered[counter]; dup {
			s.mu.Unlock()
			return ErrReplayDetected
		}

		state.buffered[counter] = env
		gapFrom, gapTo := state.nextExpected, counter
		overflow := len(state.buffered) >= s.config.MaxBufferedPerSender

		var released []*envelope.Envelope
		if overflow {
			released = s.flushSender(env.SenderDevice, state, "buffer bound reached")
		} else if state.gapTimer == nil {
			sender := env.SenderDevice
			state.gapTimer = time.AfterFunc(s.config.GapWindow, func() {
				s.expireGap(sender)
			})
		}
		onGap := s.onGap
		s.mu.Unlock()

		if onGap != nil && !overflow {
			onGap(env.SenderDevice, gapFrom, gapTo)
		}
		for _, e := range released {
			s.deliver(e)
		}
		return nil
	}
}

// GapTimeouts returns how many gap windows have expired or overflowed.
func (s *Sequencer) GapTimeouts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timedOut
}

// BufferedCount returns the number of envelopes currently buffered for a
// sender.
func (s *Sequencer) BufferedCount(sender keydir.DeviceID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if state, ok := s.senders[sender]; ok {
		return len(state.buffered)
	}
	return 0
}

// Position reports the conversation's sequence position: the outbound
// counter plus a per-sender vector of the next expected counters.
func (s *Sequencer) Position() Position {
	s.mu.Lock()
	defer s.mu.Unlock()

	vector := make(map[keydir.DeviceID]uint64, len(s.senders))
	for id, state := range s.senders {
		vector[id] = state.nextExpected
	}
	return Position{Counter: s.outbound, Vector: vector}
}

// Close tears the conversation down: all gap timers stop and buffered
// envelopes are released to the delivery callback so nothing is leaked or
// silently lost.
func (s *Sequencer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true

	var released []*envelope.Envelope
	for sender, state := range s.senders {
		s.stopGapTimer(state)
		released = append(released, s.flushLocked(sender, state)...)
	}
	s.mu.Unlock()

	for _, e := range released {
		s.deliver(e)
	}
}

// senderState returns (creating if needed) the state for a sender.
// Caller holds s.mu.
func (s *Sequencer) senderState(sender keydir.DeviceID) *senderState {
	state, ok := s.senders[sender]
	if !ok {
		state = &senderState{buffered: make(map[uint64]*envelope.Envelope)}
		s.senders[sender] = state
	}
	return state
}

// drainBuffered releases the consecutive run now unblocked. Caller holds
// s.mu.
func (s *Sequencer) drainBuffered(state *senderState) []*envelope.Envelope {
	var run []*envelope.Envelope
	for {
		env, ok := state.buffered[state.nextExpected]
		if !ok {
			break
		}
		delete(state.buffered, state.nextExpected)
		state.nextExpected++
		run = append(run, env)
	}
	return run
}

// expireGap is the gap timer callback: the window closed without the gap
// filling, so the sender's buffer flushes out of strict order.
func (s *Sequencer) expireGap(sender keydir.DeviceID) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	state, ok := s.senders[sender]
	if !ok || len(state.buffered) == 0 {
		s.mu.Unlock()
		return
	}
	state.gapTimer = nil
	released := s.flushSender(sender, state, "gap window expired")
	s.mu.Unlock()

	for _, e := range released {
		s.deliver(e)
	}
}

// flushSender releases a sender's buffer out of strict order, preserving
// per-sender monotonicity, and records the GapTimeout diagnostic. Caller
// holds s.mu.
func (s *Sequencer) flushSender(sender keydir.DeviceID, state *senderState, reason string) []*envelope.Envelope {
	s.timedOut++
	s.stopGapTimer(state)

	logrus.WithFields(logrus.Fields{
		"function": "flushSender",
		"sender":   sender,
		"buffered": len(state.buffered),
		"reason":   reason,
	}).Warn("GapTimeout: delivering buffered envelopes out of strict order")

	return s.flushLocked(sender, state)
}

// flushLocked empties a sender's buffer in counter order and advances the
// expected counter past everything released. Caller holds s.mu.
func (s *Sequencer) flushLocked(_ keydir.DeviceID, state *senderState) []*envelope.Envelope {
	if len(state.buffered) == 0 {
		return nil
	}

	counters := make([]uint64, 0, len(state.buffered))
	for c := range state.buffered {
		counters = append(counters, c)
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })

	released := make([]*envelope.Envelope, 0, len(counters))
	for _, c := range counters {
		released = append(released, state.buffered[c])
		delete(state.buffered, c)
	}
	state.nextExpected = counters[len(counters)-1] + 1

	return released
}

// stopGapTimer cancels a pending gap timer. Caller holds s.mu.
func (s *Sequencer) stopGapTimer(state *senderState) {
	if state.gapTimer != nil {
		state.gapTimer.Stop()
		state.gapTimer = nil
	}
}
