package chatcore

import (
	"github.com/opd-ai/chatcore/call"
	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// callSignaler carries signaling payloads over pairwise sessions.
type callSignaler struct {
	engine *Engine
}

func (cs *callSignaler) SendSignal(device keydir.DeviceID, payload *envelope.SignalingPayload) error {
	e := cs.engine

	data, err := envelope.EncodeSignaling(payload)
	if err != nil {
		return err
	}
	s, err := e.sessionFor(device)
	if err != nil {
		return err
	}
	return e.sendThroughSession(s, device, envelope.KindSignaling, data)
}

// callEvents forwards call lifecycle transitions to the engine callback.
type callEvents struct {
	engine *Engine
}

func (ce *callEvents) CallActive(id call.CallID) {
	ce.notify(id, call.StateActive, call.ReasonNone)
}

func (ce *callEvents) CallEnded(id call.CallID, reason call.EndReason) {
	ce.notify(id, call.StateEnded, reason)
}

func (ce *callEvents) CallFailed(id call.CallID, _ error) {
	ce.notify(id, call.StateFailed, call.ReasonFailure)
}

func (ce *callEvents) notify(id call.CallID, state call.ParticipantState, reason call.EndReason) {
	e := ce.engine
	e.callbackMu.RLock()
	fn := e.callStateFunc
	e.callbackMu.RUnlock()

	if fn != nil {
		fn(id, state, reason)
	}

	// Delivering the terminal event acknowledges the call; its signaling
	// transcript is destroyed afterwards. Released off the event path
	// because the event fires under the call's lock.
	if state.Terminal() {
		go func() { _ = e.calls.Release(id) }()
	}
}

// handleIncomingCall surfaces a remote initiation to the application.
func (e *Engine) handleIncomingCall(c *call.Call, from keydir.DeviceID) {
	e.callbackMu.RLock()
	fn := e.incomingFunc
	e.callbackMu.RUnlock()

	if fn != nil {
		fn(c.ID(), from)
	}
}

// handleSignaling decrypts a signaling envelope and routes it to the
// call state machine.
func (e *Engine) handleSignaling(env *envelope.Envelope) error {
	data, err := e.decryptFromPeer(env)
	if err != nil {
		return err
	}
	payload, err := envelope.DecodeSignaling(data)
	if err != nil {
		return err
	}
	return e.calls.HandleSignal(env.SenderDevice, payload)
}

// StartCall initiates a call to one or more peer devices.
func (e *Engine) StartCall(peers ...keydir.DeviceID) (call.CallID, error) {
	if !e.isRunning() {
		return call.CallID{}, ErrEngineKilled
	}

	c, err := e.calls.StartCall(peers...)
	if err != nil {
		return call.CallID{}, err
	}
	return c.ID(), nil
}

// Call returns the call with the given ID.
func (e *Engine) Call(id call.CallID) (*call.Call, error) {
	return e.calls.Get(id)
}

// AcceptCall answers a ringing incoming call.
func (e *Engine) AcceptCall(id call.CallID) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}
	return e.calls.Accept(id)
}

// DeclineCall rejects a ringing incoming call.
func (e *Engine) DeclineCall(id call.CallID) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}
	return e.calls.Decline(id)
}

// CallMediaReady reports that this side's media path is up.
func (e *Engine) CallMediaReady(id call.CallID) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}
	return e.calls.MediaReady(id)
}

// HangupCall ends a call from this side.
func (e *Engine) HangupCall(id call.CallID) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}
	return e.calls.Hangup(id)
}
