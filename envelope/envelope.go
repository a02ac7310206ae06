// Package envelope implements the wire codec for the chatcore protocol.
//
// The codec is a pure, stateless, bidirectional mapping between in-memory
// envelopes and their binary wire form. It rejects structurally invalid
// input with ErrMalformedEnvelope but never judges semantic validity; replay
// detection and key availability are the sequencer's and ratchet's concern.
package envelope

import (
	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// Version is the current envelope wire format version.
const Version = 1

// Kind identifies what the envelope's ciphertext carries.
type Kind uint8

const (
	// KindMessage is an encrypted conversation message.
	KindMessage Kind = iota
	// KindHandshake is session establishment material.
	KindHandshake
	// KindGroupUpdate is an encrypted group key distribution or membership
	// change notice.
	KindGroupUpdate
	// KindSignaling is an encrypted call signaling payload.
	KindSignaling
)

// RecipientKind distinguishes device-addressed from group-addressed
// envelopes.
type RecipientKind uint8

const (
	// RecipientDevice addresses a single device.
	RecipientDevice RecipientKind = iota
	// RecipientGroup addresses a group conversation.
	RecipientGroup
)

// Envelope is the immutable unit of wire transmission. All fields except
// AuthTag are covered by the tag.
type Envelope struct {
	Version       uint8
	Kind          Kind
	SenderDevice  keydir.DeviceID
	RecipientKind RecipientKind
	Recipient     uint64
	Epoch         uint64
	Counter       uint64
	SeqToken      []byte
	Ciphertext    []byte
	AuthTag       crypto.AuthTag
}

// Seal computes and sets the envelope's authentication tag under key.
// The tag covers every other field of the wire encoding.
func Seal(env *Envelope, key [crypto.KeySize]byte) error {
	body, err := encodeBody(env)
	if err != nil {
		return err
	}
	env.AuthTag = crypto.ComputeAuthTag(key, body)
	return nil
}

// VerifyTag checks the envelope's authentication tag under key.
func VerifyTag(env *Envelope, key [crypto.KeySize]byte) bool {
	body, err := encodeBody(env)
	if err != nil {
		return false
	}
	return crypto.VerifyAuthTag(key, body, env.AuthTag)
}
