// Package session implements pairwise session establishment for chatcore.
//
// The primary path is an extended triple key-agreement handshake: the
// initiator combines its identity key and a fresh ephemeral key with the
// responder's identity key, signed prekey, and a consumed one-time key, and
// both sides derive the same root secret without the responder being online.
// The handshake is deniable: no signature binds the session transcript, only
// the prekey itself is signed.
//
// When the responder's one-time key pool is exhausted the engine falls back
// to a Noise IK handshake over long-term keys only (see fallback.go). The
// fallback is slower to achieve forward secrecy but never weakens
// confidentiality; an unencrypted path is not a valid degradation.
package session

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// x3dhLabel domain-separates the root secret derivation.
const x3dhLabel = "chatcore/x3dh"

// InitiatorResult is the outcome of the initiator side of the handshake:
// the derived root secret plus the public handshake message to send.
type InitiatorResult struct {
	RootSecret   [crypto.KeySize]byte
	EphemeralKey [crypto.KeySize]byte
	Message      *HandshakeMessage
}

// Initiate performs the initiator side of the triple key agreement against
// a responder's public bundle. oneTime may be nil when the responder's pool
// is empty and the caller has chosen the long-term-only path anyway; the
// usual exhausted-pool path is the Noise fallback instead.
func Initiate(local *keydir.LocalIdentity, peerDevice keydir.DeviceID, peer *keydir.DeviceKeys, oneTime *keydir.OneTimeKey) (*InitiatorResult, error) {
	ok, err := crypto.Verify(peer.SignedPrekey[:], peer.PrekeySignature, peer.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("prekey verification failed: %w", err)
	}
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":    "Initiate",
			"peer_device": peerDevice,
		}).Error("Signed prekey failed verification")
		return nil, ErrSignatureInvalid
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	identity := local.IdentityKeyPair()

	// DH(IK_A, SPK_B) || DH(EK_A, IK_B) || DH(EK_A, SPK_B) [|| DH(EK_A, OPK_B)]
	dh1, err := crypto.SharedSecret(identity.Private, peer.SignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("dh1 failed: %w", err)
	}
	dh2, err := crypto.SharedSecret(ephemeral.Private, peer.AgreementKey)
	if err != nil {
		return nil, fmt.Errorf("dh2 failed: %w", err)
	}
	dh3, err := crypto.SharedSecret(ephemeral.Private, peer.SignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("dh3 failed: %w", err)
	}

	concat := make([]byte, 0, crypto.KeySize*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	var oneTimeID uint32
	if oneTime != nil {
		dh4, err := crypto.SharedSecret(ephemeral.Private, oneTime.Key)
		if err != nil {
			return nil, fmt.Errorf("dh4 failed: %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
		oneTimeID = oneTime.ID
	}

	root := deriveRoot(concat)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])

	logrus.WithFields(logrus.Fields{
		"function":     "Initiate",
		"peer_device":  peerDevice,
		"one_time_key": oneTimeID,
	}).Debug("Initiator root secret derived")

	result := &InitiatorResult{
		RootSecret:   root,
		EphemeralKey: ephemeral.Public,
		Message: &HandshakeMessage{
			InitiatorDevice: local.DeviceID,
			IdentityKey:     identity.Public,
			EphemeralKey:    ephemeral.Public,
			OneTimeKeyID:    oneTimeID,
		},
	}

	crypto.ZeroBytes(ephemeral.Private[:])
	return result, nil
}

// Respond performs the responder side of the handshake from a received
// handshake message. Returns ErrKeyStale when the referenced one-time key
// was already taken, so the initiator can retry with a fresh key.
func Respond(local *keydir.LocalIdentity, msg *HandshakeMessage) ([crypto.KeySize]byte, error) {
	var root [crypto.KeySize]byte

	identity := local.IdentityKeyPair()
	signedPrekey := local.SignedPrekeyPair()

	dh1, err := crypto.SharedSecret(signedPrekey.Private, msg.IdentityKey)
	if err != nil {
		return root, fmt.Errorf("dh1 failed: %w", err)
	}
	dh2, err := crypto.SharedSecret(identity.Private, msg.EphemeralKey)
	if err != nil {
		return root, fmt.Errorf("dh2 failed: %w", err)
	}
	dh3, err := crypto.SharedSecret(signedPrekey.Private, msg.EphemeralKey)
	if err != nil {
		return root, fmt.Errorf("dh3 failed: %w", err)
	}

	concat := make([]byte, 0, crypto.KeySize*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if msg.OneTimeKeyID != 0 {
		oneTimePair, err := local.TakeOneTimeKey(msg.OneTimeKeyID)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":     "Respond",
				"initiator":    msg.InitiatorDevice,
				"one_time_key": msg.OneTimeKeyID,
			}).Warn("Handshake references a consumed one-time key")
			return root, ErrKeyStale
		}

		dh4, err := crypto.SharedSecret(oneTimePair.Private, msg.EphemeralKey)
		if err != nil {
			return root, fmt.Errorf("dh4 failed: %w", err)
		}
		concat = append(concat, dh4[:]...)
		crypto.ZeroBytes(dh4[:])
		_ = crypto.WipeKeyPair(oneTimePair)
	}

	root = deriveRoot(concat)
	crypto.ZeroBytes(concat)
	crypto.ZeroBytes(dh1[:])
	crypto.ZeroBytes(dh2[:])
	crypto.ZeroBytes(dh3[:])

	logrus.WithFields(logrus.Fields{
		"function":  "Respond",
		"initiator": msg.InitiatorDevice,
	}).Debug("Responder root secret derived")

	return root, nil
}

func deriveRoot(dhConcat []byte) [crypto.KeySize]byte {
	var root [crypto.KeySize]byte
	r := hkdf.New(sha256.New, dhConcat, nil, []byte(x3dhLabel))
	_, _ = io.ReadFull(r, root[:])
	return root
}
