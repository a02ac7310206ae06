package session

import (
	"encoding/binary"
	"errors"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// HandshakeMessage is the public material the initiator sends alongside its
// first encrypted message, letting the responder derive the same root
// secret offline.
//
// Wire format:
//
//	[INITIATOR_DEVICE(8)][IDENTITY_KEY(32)][EPHEMERAL_KEY(32)][ONE_TIME_KEY_ID(4)]
//
// Total size: 76 bytes. A one-time key ID of zero means no one-time key was
// used (long-term-only establishment).
type HandshakeMessage struct {
	InitiatorDevice keydir.DeviceID
	IdentityKey     [crypto.KeySize]byte
	EphemeralKey    [crypto.KeySize]byte
	OneTimeKeyID    uint32
}

const handshakeMessageSize = 8 + crypto.KeySize + crypto.KeySize + 4

// EncodeHandshake serializes a handshake message for transmission.
func EncodeHandshake(msg *HandshakeMessage) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("handshake message is nil")
	}

	data := make([]byte, handshakeMessageSize)
	binary.BigEndian.PutUint64(data[0:8], uint64(msg.InitiatorDevice))
	copy(data[8:40], msg.IdentityKey[:])
	copy(data[40:72], msg.EphemeralKey[:])
	binary.BigEndian.PutUint32(data[72:76], msg.OneTimeKeyID)

	return data, nil
}

// DecodeHandshake parses a received handshake message.
func DecodeHandshake(data []byte) (*HandshakeMessage, error) {
	if len(data) != handshakeMessageSize {
		return nil, errors.New("handshake message has wrong size")
	}

	msg := &HandshakeMessage{
		InitiatorDevice: keydir.DeviceID(binary.BigEndian.Uint64(data[0:8])),
		OneTimeKeyID:    binary.BigEndian.Uint32(data[72:76]),
	}
	copy(msg.IdentityKey[:], data[8:40])
	copy(msg.EphemeralKey[:], data[40:72])

	return msg, nil
}
