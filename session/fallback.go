package session

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/chatcore/crypto"
)

// fallbackLabel domain-separates the fallback root secret from the noise
// channel binding it is derived from.
const fallbackLabel = "chatcore/noise-ik"

// HandshakeRole defines whether we initiate or respond to the fallback
// handshake.
type HandshakeRole uint8

const (
	// Initiator starts the handshake (knows the peer's static key).
	Initiator HandshakeRole = iota
	// Responder responds to a handshake initiation.
	Responder
)

// FallbackHandshake is the long-term-only session establishment path, used
// when the responder's one-time key pool is exhausted. It runs the Noise IK
// pattern over both devices' long-term agreement keys: mutual
// authentication and forward secrecy from the handshake ephemerals, with no
// one-time prekey required.
type FallbackHandshake struct {
	role     HandshakeRole
	state    *noise.HandshakeState
	complete bool
}

// NewFallbackHandshake creates an IK handshake over the local long-term
// key. peerPublic is required for the initiator and ignored for the
// responder.
func NewFallbackHandshake(role HandshakeRole, localStatic *crypto.KeyPair, peerPublic [crypto.KeySize]byte) (*FallbackHandshake, error) {
	if localStatic == nil {
		return nil, fmt.Errorf("local static key is nil")
	}

	staticKey := noise.DHKey{
		Private: make([]byte, crypto.KeySize),
		Public:  make([]byte, crypto.KeySize),
	}
	copy(staticKey.Private, localStatic.Private[:])
	copy(staticKey.Public, localStatic.Public[:])

	cipherSuite := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	config := noise.Config{
		CipherSuite:   cipherSuite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}

	if role == Initiator {
		config.PeerStatic = make([]byte, crypto.KeySize)
		copy(config.PeerStatic, peerPublic[:])
	}

	state, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewFallbackHandshake",
		"role":     role,
	}).Debug("Fallback IK handshake created")

	return &FallbackHandshake{
		role:  role,
		state: state,
	}, nil
}

// WriteMessage produces the next outbound handshake message.
// The initiator calls this first; the responder calls it after reading the
// initiation. Returns the message and whether the handshake is complete on
// our side.
func (fh *FallbackHandshake) WriteMessage() ([]byte, bool, error) {
	if fh.complete {
		return nil, false, ErrHandshakeComplete
	}

	msg, cs1, cs2, err := fh.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, false, fmt.Errorf("handshake write failed: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		fh.complete = true
	}

	return msg, fh.complete, nil
}

// ReadMessage consumes an inbound handshake message. Returns whether the
// handshake is complete on our side.
func (fh *FallbackHandshake) ReadMessage(message []byte) (bool, error) {
	if fh.complete {
		return false, ErrHandshakeComplete
	}

	_, cs1, cs2, err := fh.state.ReadMessage(nil, message)
	if err != nil {
		return false, fmt.Errorf("handshake read failed: %w", err)
	}

	if cs1 != nil && cs2 != nil {
		fh.complete = true
	}

	return fh.complete, nil
}

// RootSecret derives the session root secret from the completed
// handshake's channel binding. Both sides derive the same value.
func (fh *FallbackHandshake) RootSecret() ([crypto.KeySize]byte, error) {
	var root [crypto.KeySize]byte
	if !fh.complete {
		return root, ErrHandshakeNotComplete
	}

	binding := fh.state.ChannelBinding()
	r := hkdf.New(sha256.New, binding, nil, []byte(fallbackLabel))
	_, _ = io.ReadFull(r, root[:])

	return root, nil
}
