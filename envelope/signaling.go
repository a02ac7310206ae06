package envelope

import (
	"encoding/binary"
	"fmt"
	"time"
)

// SignalingKind identifies a call signaling payload carried inside the
// ciphertext of a KindSignaling envelope.
type SignalingKind uint8

const (
	// SignalInitiate starts a call and begins ringing.
	SignalInitiate SignalingKind = iota
	// SignalAccept accepts a ringing call.
	SignalAccept
	// SignalDecline declines a ringing call.
	SignalDecline
	// SignalHangup ends a call in any state.
	SignalHangup
	// SignalMediaReady reports that the participant's media path is up.
	SignalMediaReady
	// SignalPing is a liveness probe during an active call.
	SignalPing
)

// SignalingPayload is the decrypted body of a call signaling envelope.
//
// Wire format:
//
//	[KIND(1)][CALL_ID(16)][COUNTER(8)][TIMESTAMP(8)]
//
// Total size: 33 bytes. Counter orders racing signals deterministically;
// two signals for the same call are resolved by counter, never by
// delivery order.
type SignalingPayload struct {
	Kind      SignalingKind
	CallID    [16]byte
	Counter   uint64
	Timestamp time.Time
}

const signalingPayloadSize = 1 + 16 + 8 + 8

// EncodeSignaling serializes a signaling payload for encryption.
func EncodeSignaling(payload *SignalingPayload) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil signaling payload", ErrMalformedEnvelope)
	}
	if payload.Kind > SignalPing {
		return nil, fmt.Errorf("%w: unknown signaling kind %d", ErrMalformedEnvelope, payload.Kind)
	}

	data := make([]byte, signalingPayloadSize)
	data[0] = byte(payload.Kind)
	copy(data[1:17], payload.CallID[:])
	binary.BigEndian.PutUint64(data[17:25], payload.Counter)
	binary.BigEndian.PutUint64(data[25:33], uint64(payload.Timestamp.UnixNano()))

	return data, nil
}

// DecodeSignaling parses a decrypted signaling payload.
func DecodeSignaling(data []byte) (*SignalingPayload, error) {
	if len(data) != signalingPayloadSize {
		return nil, fmt.Errorf("%w: signaling payload must be %d bytes, got %d",
			ErrMalformedEnvelope, signalingPayloadSize, len(data))
	}

	payload := &SignalingPayload{
		Kind:      SignalingKind(data[0]),
		Counter:   binary.BigEndian.Uint64(data[17:25]),
		Timestamp: time.Unix(0, int64(binary.BigEndian.Uint64(data[25:33]))),
	}
	copy(payload.CallID[:], data[1:17])

	if payload.Kind > SignalPing {
		return nil, fmt.Errorf("%w: unknown signaling kind %d", ErrMalformedEnvelope, payload.Kind)
	}

	return payload, nil
}
