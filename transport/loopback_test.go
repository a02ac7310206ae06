package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

func testEnvelope(sender, recipient keydir.DeviceID) *envelope.Envelope {
	return &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          envelope.KindMessage,
		SenderDevice:  sender,
		RecipientKind: envelope.RecipientDevice,
		Recipient:     uint64(recipient),
		Ciphertext:    []byte("sealed"),
	}
}

func TestLoopbackDeliversBetweenEndpoints(t *testing.T) {
	hub := NewLoopbackHub()
	alice := hub.Attach(1)
	bob := hub.Attach(2)

	var received *envelope.Envelope
	bob.SetReceiveHandler(func(env *envelope.Envelope) { received = env })

	require.NoError(t, alice.Send(2, testEnvelope(1, 2)))

	require.NotNil(t, received)
	assert.Equal(t, keydir.DeviceID(1), received.SenderDevice)
	assert.Equal(t, []byte("sealed"), received.Ciphertext)
}

func TestSendToUnknownDevice(t *testing.T) {
	hub := NewLoopbackHub()
	alice := hub.Attach(1)

	err := alice.Send(9, testEnvelope(1, 9))
	assert.ErrorIs(t, err, ErrPeerUnreachable)
}

func TestSendWithoutHandlerDropsQuietly(t *testing.T) {
	hub := NewLoopbackHub()
	alice := hub.Attach(1)
	hub.Attach(2)

	assert.NoError(t, alice.Send(2, testEnvelope(1, 2)))
}

func TestClosedEndpointRejectsSends(t *testing.T) {
	hub := NewLoopbackHub()
	alice := hub.Attach(1)
	bob := hub.Attach(2)
	bob.SetReceiveHandler(func(*envelope.Envelope) {})

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.Send(2, testEnvelope(1, 2)), ErrTransportClosed)

	// A detached peer is unreachable for others.
	require.NoError(t, bob.Close())
	carol := hub.Attach(3)
	assert.ErrorIs(t, carol.Send(2, testEnvelope(3, 2)), ErrPeerUnreachable)
}
