package transport

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// LoopbackHub connects in-process endpoints by device ID. It exists for
// tests and for single-process tooling; envelopes pass through the same
// sealed wire encoding a network transport would carry.
type LoopbackHub struct {
	mu        sync.RWMutex
	endpoints map[keydir.DeviceID]*LoopbackTransport
}

// NewLoopbackHub creates an empty hub.
func NewLoopbackHub() *LoopbackHub {
	return &LoopbackHub{endpoints: make(map[keydir.DeviceID]*LoopbackTransport)}
}

// Attach creates an endpoint for a device and joins it to the hub.
func (h *LoopbackHub) Attach(device keydir.DeviceID) *LoopbackTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	t := &LoopbackTransport{hub: h, device: device}
	h.endpoints[device] = t
	return t
}

// route hands an envelope to the destination endpoint's handler.
func (h *LoopbackHub) route(device keydir.DeviceID, env *envelope.Envelope) error {
	h.mu.RLock()
	endpoint, ok := h.endpoints[device]
	h.mu.RUnlock()

	if !ok {
		return fmt.Errorf("device %d: %w", device, ErrPeerUnreachable)
	}

	endpoint.mu.RLock()
	handler := endpoint.handler
	closed := endpoint.closed
	endpoint.mu.RUnlock()

	if closed {
		return fmt.Errorf("device %d: %w", device, ErrPeerUnreachable)
	}
	if handler == nil {
		logrus.WithFields(logrus.Fields{
			"function": "route",
			"device":   device,
		}).Warn("Envelope dropped, no receive handler registered")
		return nil
	}

	// The wire round trip keeps loopback honest: endpoints only ever
	// see what a real transport would deliver.
	data, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	decoded, err := envelope.Decode(data)
	if err != nil {
		return err
	}

	handler(decoded)
	return nil
}

// detach removes an endpoint from the hub.
func (h *LoopbackHub) detach(device keydir.DeviceID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, device)
}

// LoopbackTransport is one device's endpoint on a LoopbackHub.
type LoopbackTransport struct {
	hub    *LoopbackHub
	device keydir.DeviceID

	mu      sync.RWMutex
	handler ReceiveFunc
	closed  bool
}

// Send delivers an envelope to another endpoint on the hub.
func (t *LoopbackTransport) Send(device keydir.DeviceID, env *envelope.Envelope) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()

	if closed {
		return ErrTransportClosed
	}
	return t.hub.route(device, env)
}

// SetReceiveHandler registers the inbound envelope callback.
func (t *LoopbackTransport) SetReceiveHandler(handler ReceiveFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Close detaches the endpoint from the hub.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.hub.detach(t.device)
	return nil
}
