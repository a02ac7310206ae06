package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// ErrMalformedEnvelope indicates truncated input, an unknown version tag,
// or a field/length inconsistency. It is never returned for well-formed
// but semantically invalid content.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// Wire format, big-endian:
//
//	[VERSION(1)][KIND(1)][SENDER(8)][RECIPIENT_KIND(1)][RECIPIENT(8)]
//	[EPOCH(8)][COUNTER(8)][SEQTOKEN_LEN(2)][SEQTOKEN]
//	[CIPHERTEXT_LEN(4)][CIPHERTEXT][AUTH_TAG(32)]
const (
	headerSize      = 1 + 1 + 8 + 1 + 8 + 8 + 8
	maxSeqTokenLen  = 1 << 10
	maxCiphertext   = crypto.MaxMessageSize + 64
	maxEnvelopeSize = headerSize + 2 + maxSeqTokenLen + 4 + maxCiphertext + crypto.AuthTagSize
)

// Encode serializes an envelope to its wire form.
func Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}

	body, err := encodeBody(env)
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, len(body)+crypto.AuthTagSize)
	data = append(data, body...)
	data = append(data, env.AuthTag[:]...)

	logrus.WithFields(logrus.Fields{
		"function":  "Encode",
		"kind":      env.Kind,
		"counter":   env.Counter,
		"wire_size": len(data),
	}).Debug("Envelope encoded")

	return data, nil
}

// encodeBody serializes every field except the auth tag; the tag is
// computed over exactly these bytes.
func encodeBody(env *Envelope) ([]byte, error) {
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, env.Version)
	}
	if env.Kind > KindSignaling {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, env.Kind)
	}
	if env.RecipientKind > RecipientGroup {
		return nil, fmt.Errorf("%w: unknown recipient kind %d", ErrMalformedEnvelope, env.RecipientKind)
	}
	if len(env.SeqToken) > maxSeqTokenLen {
		return nil, fmt.Errorf("%w: sequence token too long", ErrMalformedEnvelope)
	}
	if len(env.Ciphertext) > maxCiphertext {
		return nil, fmt.Errorf("%w: ciphertext too long", ErrMalformedEnvelope)
	}

	size := headerSize + 2 + len(env.SeqToken) + 4 + len(env.Ciphertext)
	data := make([]byte, size)
	offset := 0

	data[offset] = env.Version
	offset++
	data[offset] = byte(env.Kind)
	offset++
	binary.BigEndian.PutUint64(data[offset:], uint64(env.SenderDevice))
	offset += 8
	data[offset] = byte(env.RecipientKind)
	offset++
	binary.BigEndian.PutUint64(data[offset:], env.Recipient)
	offset += 8
	binary.BigEndian.PutUint64(data[offset:], env.Epoch)
	offset += 8
	binary.BigEndian.PutUint64(data[offset:], env.Counter)
	offset += 8

	binary.BigEndian.PutUint16(data[offset:], uint16(len(env.SeqToken)))
	offset += 2
	copy(data[offset:], env.SeqToken)
	offset += len(env.SeqToken)

	binary.BigEndian.PutUint32(data[offset:], uint32(len(env.Ciphertext)))
	offset += 4
	copy(data[offset:], env.Ciphertext)

	return data, nil
}

// Decode parses a wire-form envelope. Decode never mutates its input and
// the returned envelope owns copies of all variable-length fields.
func Decode(data []byte) (*Envelope, error) {
	if len(data) > maxEnvelopeSize {
		return nil, fmt.Errorf("%w: oversized input (%d bytes)", ErrMalformedEnvelope, len(data))
	}
	if len(data) < headerSize+2+4+crypto.AuthTagSize {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformedEnvelope)
	}

	env := &Envelope{}
	offset := 0

	env.Version = data[offset]
	offset++
	if env.Version != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedEnvelope, env.Version)
	}

	env.Kind = Kind(data[offset])
	offset++
	if env.Kind > KindSignaling {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedEnvelope, env.Kind)
	}

	env.SenderDevice = keydir.DeviceID(binary.BigEndian.Uint64(data[offset:]))
	offset += 8

	env.RecipientKind = RecipientKind(data[offset])
	offset++
	if env.RecipientKind > RecipientGroup {
		return nil, fmt.Errorf("%w: unknown recipient kind %d", ErrMalformedEnvelope, env.RecipientKind)
	}

	env.Recipient = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	env.Epoch = binary.BigEndian.Uint64(data[offset:])
	offset += 8
	env.Counter = binary.BigEndian.Uint64(data[offset:])
	offset += 8

	seqTokenLen := int(binary.BigEndian.Uint16(data[offset:]))
	offset += 2
	if seqTokenLen > maxSeqTokenLen {
		return nil, fmt.Errorf("%w: sequence token too long", ErrMalformedEnvelope)
	}
	if len(data) < offset+seqTokenLen+4+crypto.AuthTagSize {
		return nil, fmt.Errorf("%w: truncated sequence token", ErrMalformedEnvelope)
	}
	env.SeqToken = append([]byte(nil), data[offset:offset+seqTokenLen]...)
	offset += seqTokenLen

	ciphertextLen := int(binary.BigEndian.Uint32(data[offset:]))
	offset += 4
	if ciphertextLen > maxCiphertext {
		return nil, fmt.Errorf("%w: ciphertext too long", ErrMalformedEnvelope)
	}
	if len(data) != offset+ciphertextLen+crypto.AuthTagSize {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedEnvelope)
	}
	env.Ciphertext = append([]byte(nil), data[offset:offset+ciphertextLen]...)
	offset += ciphertextLen

	copy(env.AuthTag[:], data[offset:])

	return env, nil
}
