// Package transport defines how sealed envelopes leave and enter the
// engine. Delivery itself is an external collaborator: implementations
// move opaque envelope bytes between devices and nothing more.
package transport

import (
	"errors"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

// Sentinel errors for transport operations.
var (
	// ErrPeerUnreachable indicates no route to the destination device.
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrTransportClosed indicates the transport was shut down.
	ErrTransportClosed = errors.New("transport closed")
)

// ReceiveFunc handles an inbound envelope for the local device.
type ReceiveFunc func(*envelope.Envelope)

// Transport carries sealed envelopes between devices. Implementations
// must be safe for concurrent use.
type Transport interface {
	// Send delivers an envelope to the destination device.
	Send(device keydir.DeviceID, env *envelope.Envelope) error

	// SetReceiveHandler registers the callback for inbound envelopes.
	// It must be called before the first envelope can arrive.
	SetReceiveHandler(handler ReceiveFunc)

	// Close shuts the transport down. Further sends fail with
	// ErrTransportClosed.
	Close() error
}
