package chatcore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
	"github.com/opd-ai/chatcore/ratchet"
	"github.com/opd-ai/chatcore/sequencer"
	"github.com/opd-ai/chatcore/session"
	"github.com/opd-ai/chatcore/storage"
)

// Handshake payload discriminators. The first ciphertext byte of a
// KindHandshake envelope says which establishment path the rest belongs
// to.
const (
	handshakeX3DH      byte = 1
	handshakeNoiseInit byte = 2
	handshakeNoiseResp byte = 3
)

// pairSession is the engine's state for one peer device: the ratchet,
// the envelope authentication key derived from the session root, the
// previous ratchet and auth key retained across a re-establishment so
// reordered traffic from before the rekey still decrypts, a pending
// fallback handshake if one is in flight, and messages queued until the
// session can encrypt.
type pairSession struct {
	peer keydir.DeviceID

	mu          sync.Mutex
	ratchet     *ratchet.State
	authKey     [crypto.KeySize]byte
	prevRatchet *ratchet.State
	prevAuthKey [crypto.KeySize]byte
	fallback    *session.FallbackHandshake
	pending     [][]byte
}

// wipe erases the session's key material.
func (s *pairSession) wipe() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ratchet != nil {
		s.ratchet.Wipe()
	}
	if s.prevRatchet != nil {
		s.prevRatchet.Wipe()
	}
	crypto.WipeKey(&s.authKey)
	crypto.WipeKey(&s.prevAuthKey)
	s.fallback = nil
	s.pending = nil
}

// retireLocked moves the live ratchet and auth key into the previous
// slot, where they keep decrypting traffic sealed before a
// re-establishment until the next one. Caller holds s.mu.
func (s *pairSession) retireLocked() {
	if s.ratchet == nil {
		return
	}
	if s.prevRatchet != nil {
		s.prevRatchet.Wipe()
	}
	s.prevRatchet = s.ratchet
	s.prevAuthKey = s.authKey
	s.ratchet = nil
}

// sessionFor returns the session for a peer, establishing one if none
// exists yet. The establishment handshake is sent after the session
// lock is released.
func (e *Engine) sessionFor(peer keydir.DeviceID) (*pairSession, error) {
	e.sessionsMu.Lock()
	if s, ok := e.sessions[peer]; ok {
		e.sessionsMu.Unlock()
		return s, nil
	}
	s := &pairSession{peer: peer}
	e.sessions[peer] = s
	e.sessionsMu.Unlock()

	s.mu.Lock()
	handshake, err := e.establishLocked(s)
	s.mu.Unlock()

	if err == nil {
		err = e.transport.Send(peer, handshake)
	}
	if err != nil {
		e.sessionsMu.Lock()
		delete(e.sessions, peer)
		e.sessionsMu.Unlock()
		s.wipe()
		return nil, err
	}
	return s, nil
}

// handleRevokedDevice destroys all pairwise state for a revoked device:
// its session and key material, its sequencing counters, and any stored
// session snapshot.
func (e *Engine) handleRevokedDevice(peer keydir.DeviceID) {
	if peer == e.deviceID {
		return
	}

	e.sessionsMu.Lock()
	s, ok := e.sessions[peer]
	delete(e.sessions, peer)
	e.sessionsMu.Unlock()
	if ok {
		s.wipe()
	}

	key := conversationKey{kind: envelope.RecipientDevice, id: uint64(peer)}
	e.sequencersMu.Lock()
	seq, ok := e.sequencers[key]
	delete(e.sequencers, key)
	e.sequencersMu.Unlock()
	if ok {
		seq.Close()
	}

	if err := e.store.DeleteSession(uint64(peer)); err != nil && !errors.Is(err, storage.ErrStateNotFound) {
		logrus.WithFields(logrus.Fields{
			"function": "handleRevokedDevice",
			"peer":     peer,
			"error":    err,
		}).Warn("Deleting stored session failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleRevokedDevice",
		"peer":     peer,
	}).Info("Pairwise session destroyed for revoked device")
}

// lookupSession returns the session for a peer without establishing one.
func (e *Engine) lookupSession(peer keydir.DeviceID) (*pairSession, bool) {
	e.sessionsMu.Lock()
	defer e.sessionsMu.Unlock()
	s, ok := e.sessions[peer]
	return s, ok
}

// establishLocked runs session establishment as initiator: the triple
// key agreement when the peer has one-time keys left, the Noise IK
// fallback when the pool is exhausted. A stale one-time key is retried
// once with a fresh one before falling back. Returns the sealed
// handshake envelope the caller must send after releasing s.mu; no
// transport I/O happens under the lock.
func (e *Engine) establishLocked(s *pairSession) (*envelope.Envelope, error) {
	bundle, err := e.directory.Resolve(s.peer)
	if err != nil {
		return nil, fmt.Errorf("resolving peer %d: %w", s.peer, err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		oneTime, err := e.directory.ConsumeOneTimeKey(s.peer)
		if err != nil {
			if errors.Is(err, keydir.ErrOneTimeKeysExhausted) {
				return e.startFallbackLocked(s, bundle)
			}
			return nil, fmt.Errorf("consuming one-time key for %d: %w", s.peer, err)
		}

		result, err := session.Initiate(e.identity, s.peer, bundle, oneTime)
		if err != nil {
			if errors.Is(err, session.ErrKeyStale) && attempt == 0 {
				logrus.WithFields(logrus.Fields{
					"function": "establishLocked",
					"peer":     s.peer,
				}).Warn("Stale one-time key, retrying with a fresh one")
				continue
			}
			if errors.Is(err, session.ErrKeyStale) {
				return e.startFallbackLocked(s, bundle)
			}
			return nil, fmt.Errorf("key agreement with %d: %w", s.peer, err)
		}

		st, err := ratchet.NewInitiator(result.RootSecret, bundle.SignedPrekey, e.options.Ratchet)
		if err != nil {
			return nil, fmt.Errorf("initializing ratchet for %d: %w", s.peer, err)
		}

		payload, err := session.EncodeHandshake(result.Message)
		if err != nil {
			st.Wipe()
			return nil, err
		}
		env, err := e.buildHandshake(s.peer, handshakeX3DH, payload)
		if err != nil {
			st.Wipe()
			return nil, err
		}

		s.retireLocked()
		s.ratchet = st
		s.authKey = crypto.DeriveAuthKey(result.RootSecret)
		s.fallback = nil

		logrus.WithFields(logrus.Fields{
			"function": "establishLocked",
			"peer":     s.peer,
			"one_time": result.Message.OneTimeKeyID != 0,
		}).Info("Session established")
		return env, nil
	}
	return nil, fmt.Errorf("key agreement with %d failed", s.peer)
}

// startFallbackLocked begins the long-term-key-only Noise IK handshake
// used when the peer's one-time key pool is exhausted. The session
// becomes usable when the peer's response arrives; sends queue until
// then. Returns the sealed initiation envelope for the caller to send
// after releasing s.mu.
func (e *Engine) startFallbackLocked(s *pairSession, bundle *keydir.DeviceKeys) (*envelope.Envelope, error) {
	fh, err := session.NewFallbackHandshake(session.Initiator, e.identity.IdentityKeyPair(), bundle.AgreementKey)
	if err != nil {
		return nil, fmt.Errorf("starting fallback handshake with %d: %w", s.peer, err)
	}

	message, _, err := fh.WriteMessage()
	if err != nil {
		return nil, fmt.Errorf("fallback handshake with %d: %w", s.peer, err)
	}
	env, err := e.buildHandshake(s.peer, handshakeNoiseInit, message)
	if err != nil {
		return nil, err
	}

	s.fallback = fh

	logrus.WithFields(logrus.Fields{
		"function": "startFallbackLocked",
		"peer":     s.peer,
	}).Warn("One-time keys exhausted, using long-term-only establishment")
	return env, nil
}

// buildHandshake seals a handshake payload under the static-static
// authentication key. Handshake envelopes bypass sequencing; they
// create the sessions later counters depend on.
func (e *Engine) buildHandshake(peer keydir.DeviceID, prefix byte, payload []byte) (*envelope.Envelope, error) {
	authKey, err := e.staticAuthKey(peer)
	if err != nil {
		return nil, err
	}

	env := &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          envelope.KindHandshake,
		SenderDevice:  e.deviceID,
		RecipientKind: envelope.RecipientDevice,
		Recipient:     uint64(peer),
		Ciphertext:    append([]byte{prefix}, payload...),
	}
	if err := envelope.Seal(env, authKey); err != nil {
		return nil, err
	}
	return env, nil
}

// staticAuthKey derives the authentication key both devices can compute
// from their long-term agreement keys alone, for envelopes that exist
// before any session root does.
func (e *Engine) staticAuthKey(peer keydir.DeviceID) ([crypto.KeySize]byte, error) {
	bundle, err := e.directory.Resolve(peer)
	if err != nil {
		return [crypto.KeySize]byte{}, fmt.Errorf("resolving peer %d: %w", peer, err)
	}
	shared, err := crypto.SharedSecret(e.identity.IdentityKeyPair().Private, bundle.AgreementKey)
	if err != nil {
		return [crypto.KeySize]byte{}, err
	}
	defer crypto.WipeKey(&shared)
	return crypto.DeriveAuthKey(shared), nil
}

// handleHandshake processes an inbound KindHandshake envelope.
// Handshakes bypass the sequencer, so replay protection happens here: a
// handshake whose bytes were already processed is rejected before it
// can touch session state.
func (e *Engine) handleHandshake(env *envelope.Envelope) error {
	authKey, err := e.staticAuthKey(env.SenderDevice)
	if err != nil {
		return err
	}
	if !envelope.VerifyTag(env, authKey) {
		return fmt.Errorf("handshake from %d: %w", env.SenderDevice, ErrEnvelopeRejected)
	}
	if len(env.Ciphertext) < 1 {
		return fmt.Errorf("handshake from %d: %w", env.SenderDevice, envelope.ErrMalformedEnvelope)
	}
	if e.handshakeReplayed(env.SenderDevice, env.Ciphertext) {
		return fmt.Errorf("handshake from %d: %w", env.SenderDevice, sequencer.ErrReplayDetected)
	}

	prefix, payload := env.Ciphertext[0], env.Ciphertext[1:]
	switch prefix {
	case handshakeX3DH:
		return e.respondX3DH(env.SenderDevice, payload)
	case handshakeNoiseInit:
		return e.respondFallback(env.SenderDevice, payload)
	case handshakeNoiseResp:
		return e.completeFallback(env.SenderDevice, payload)
	default:
		return fmt.Errorf("handshake prefix %d: %w", prefix, envelope.ErrMalformedEnvelope)
	}
}

// handshakeReplayed records a handshake's ciphertext digest and reports
// whether the same handshake was processed before. Only the authentic
// peer can mint new handshakes, so the per-peer digest set stays small.
func (e *Engine) handshakeReplayed(peer keydir.DeviceID, ciphertext []byte) bool {
	digest := sha256.Sum256(ciphertext)

	e.handshakesMu.Lock()
	defer e.handshakesMu.Unlock()

	seen, ok := e.handshakesSeen[peer]
	if !ok {
		seen = make(map[[sha256.Size]byte]struct{})
		e.handshakesSeen[peer] = seen
	}
	if _, dup := seen[digest]; dup {
		logrus.WithFields(logrus.Fields{
			"function": "handshakeReplayed",
			"peer":     peer,
		}).Warn("Replayed handshake envelope rejected")
		return true
	}
	seen[digest] = struct{}{}
	return false
}

// respondX3DH runs the responder side of the triple key agreement and
// installs the resulting session.
func (e *Engine) respondX3DH(peer keydir.DeviceID, payload []byte) error {
	msg, err := session.DecodeHandshake(payload)
	if err != nil {
		return err
	}

	rootSecret, err := session.Respond(e.identity, msg)
	if err != nil {
		return fmt.Errorf("responding to %d: %w", peer, err)
	}

	st, err := ratchet.NewResponder(rootSecret, e.identity.SignedPrekeyPair(), e.options.Ratchet)
	if err != nil {
		return fmt.Errorf("initializing ratchet for %d: %w", peer, err)
	}

	e.installSession(peer, st, crypto.DeriveAuthKey(rootSecret))
	e.replenishOneTimeKeys()

	logrus.WithFields(logrus.Fields{
		"function": "respondX3DH",
		"peer":     peer,
	}).Info("Session established as responder")
	return nil
}

// respondFallback answers a Noise IK initiation and installs the
// session as responder.
func (e *Engine) respondFallback(peer keydir.DeviceID, payload []byte) error {
	fh, err := session.NewFallbackHandshake(session.Responder, e.identity.IdentityKeyPair(), [crypto.KeySize]byte{})
	if err != nil {
		return err
	}
	if _, err := fh.ReadMessage(payload); err != nil {
		return fmt.Errorf("fallback handshake from %d: %w", peer, err)
	}
	response, complete, err := fh.WriteMessage()
	if err != nil {
		return fmt.Errorf("fallback handshake from %d: %w", peer, err)
	}
	if !complete {
		return fmt.Errorf("fallback handshake from %d did not complete", peer)
	}
	responseEnv, err := e.buildHandshake(peer, handshakeNoiseResp, response)
	if err != nil {
		return err
	}
	if err := e.transport.Send(peer, responseEnv); err != nil {
		return err
	}

	rootSecret, err := fh.RootSecret()
	if err != nil {
		return err
	}
	st, err := ratchet.NewResponder(rootSecret, e.identity.SignedPrekeyPair(), e.options.Ratchet)
	if err != nil {
		return fmt.Errorf("initializing ratchet for %d: %w", peer, err)
	}

	e.installSession(peer, st, crypto.DeriveAuthKey(rootSecret))

	logrus.WithFields(logrus.Fields{
		"function": "respondFallback",
		"peer":     peer,
	}).Info("Fallback session established as responder")
	return nil
}

// completeFallback finishes the initiator side of a pending Noise IK
// handshake and flushes any messages queued behind it.
func (e *Engine) completeFallback(peer keydir.DeviceID, payload []byte) error {
	s, ok := e.lookupSession(peer)
	if !ok {
		return fmt.Errorf("fallback response from %d without a pending handshake", peer)
	}

	s.mu.Lock()
	if s.fallback == nil {
		s.mu.Unlock()
		return fmt.Errorf("fallback response from %d without a pending handshake", peer)
	}
	complete, err := s.fallback.ReadMessage(payload)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("fallback handshake with %d: %w", peer, err)
	}
	if !complete {
		s.mu.Unlock()
		return fmt.Errorf("fallback handshake with %d did not complete", peer)
	}

	rootSecret, err := s.fallback.RootSecret()
	if err != nil {
		s.mu.Unlock()
		return err
	}
	bundle, err := e.directory.Resolve(peer)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	st, err := ratchet.NewInitiator(rootSecret, bundle.SignedPrekey, e.options.Ratchet)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("initializing ratchet for %d: %w", peer, err)
	}

	s.retireLocked()
	s.ratchet = st
	s.authKey = crypto.DeriveAuthKey(rootSecret)
	s.fallback = nil
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "completeFallback",
		"peer":     peer,
	}).Info("Fallback session established as initiator")

	e.flushPending(s)
	return nil
}

// installSession replaces (or creates) the stored session for a peer.
// A live ratchet being replaced retires into the previous slot so
// traffic sealed before the peer's re-establishment still decrypts.
func (e *Engine) installSession(peer keydir.DeviceID, st *ratchet.State, authKey [crypto.KeySize]byte) {
	e.sessionsMu.Lock()
	s, ok := e.sessions[peer]
	if !ok {
		s = &pairSession{peer: peer}
		e.sessions[peer] = s
	}
	e.sessionsMu.Unlock()

	s.mu.Lock()
	s.retireLocked()
	s.ratchet = st
	s.authKey = authKey
	s.fallback = nil
	s.mu.Unlock()
}

// sendThroughSession ratchet-encrypts a payload and sends it as the
// given envelope kind. Payloads that cannot be encrypted yet (fallback
// in flight, or responder before its first receive) queue on the
// session. The transport send happens after the session lock is
// released.
func (e *Engine) sendThroughSession(s *pairSession, peer keydir.DeviceID, kind envelope.Kind, payload []byte) error {
	s.mu.Lock()
	env, err := e.sealForPeerLocked(s, peer, kind, payload)
	s.mu.Unlock()

	if err != nil || env == nil {
		return err
	}
	if err := e.transport.Send(peer, env); err != nil {
		return err
	}
	e.maybeRekey(s, peer)
	return nil
}

// sealForPeerLocked encrypts a payload through the session ratchet into
// a sealed, sequenced envelope. A nil envelope with a nil error means
// the payload was queued until the session can encrypt. Caller holds
// s.mu.
func (e *Engine) sealForPeerLocked(s *pairSession, peer keydir.DeviceID, kind envelope.Kind, payload []byte) (*envelope.Envelope, error) {
	if s.fallback != nil || s.ratchet == nil || !s.ratchet.CanSend() {
		if kind != envelope.KindMessage {
			return nil, fmt.Errorf("session with %d not ready: %w", peer, ratchet.ErrNotReady)
		}
		s.pending = append(s.pending, payload)
		return nil, nil
	}

	msg, err := s.ratchet.Encrypt(payload)
	if err != nil {
		return nil, fmt.Errorf("encrypting for %d: %w", peer, err)
	}
	data, err := ratchet.EncodeMessage(msg)
	if err != nil {
		return nil, err
	}

	seq := e.sequencerFor(conversationKey{kind: envelope.RecipientDevice, id: uint64(peer)})
	env := &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          kind,
		SenderDevice:  e.deviceID,
		RecipientKind: envelope.RecipientDevice,
		Recipient:     uint64(peer),
		Counter:       seq.NextOutbound(),
		SeqToken:      seq.Position().Encode(),
		Ciphertext:    data,
	}
	if err := envelope.Seal(env, s.authKey); err != nil {
		return nil, err
	}
	return env, nil
}

// maybeRekey re-establishes the session once the ratchet's rekey
// interval is reached. The retiring ratchet and auth key stay on the
// session so traffic still in flight under them decrypts.
func (e *Engine) maybeRekey(s *pairSession, peer keydir.DeviceID) {
	s.mu.Lock()
	need := s.fallback == nil && s.ratchet != nil && s.ratchet.NeedsRekey()
	s.mu.Unlock()
	if !need {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "maybeRekey",
		"peer":     peer,
	}).Info("Rekey interval reached, re-establishing session")

	s.mu.Lock()
	handshake, err := e.establishLocked(s)
	s.mu.Unlock()
	if err == nil {
		err = e.transport.Send(peer, handshake)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "maybeRekey",
			"peer":     peer,
			"error":    err,
		}).Warn("Session re-establishment failed")
	}
}

// decryptFromPeer authenticates and ratchet-decrypts a pairwise
// envelope's ciphertext.
func (e *Engine) decryptFromPeer(env *envelope.Envelope) ([]byte, error) {
	s, ok := e.lookupSession(env.SenderDevice)
	if !ok {
		return nil, fmt.Errorf("no session with %d: %w", env.SenderDevice, ErrEnvelopeRejected)
	}

	s.mu.Lock()
	if s.ratchet == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("no session with %d: %w", env.SenderDevice, ErrEnvelopeRejected)
	}

	// Envelopes sealed before a rekey carry the retiring auth key and
	// decrypt through the retiring ratchet.
	st, authKey := s.ratchet, s.authKey
	if !envelope.VerifyTag(env, authKey) {
		if s.prevRatchet == nil || !envelope.VerifyTag(env, s.prevAuthKey) {
			s.mu.Unlock()
			return nil, fmt.Errorf("envelope from %d failed authentication: %w", env.SenderDevice, ErrEnvelopeRejected)
		}
		st = s.prevRatchet
	}

	msg, err := ratchet.DecodeMessage(env.Ciphertext)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	plaintext, err := st.Decrypt(msg)
	s.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("decrypting from %d: %w", env.SenderDevice, err)
	}

	e.flushPending(s)
	return plaintext, nil
}

// flushPending sends messages queued while the session could not
// encrypt. Envelopes are sealed under the session lock and sent after
// it is released.
func (e *Engine) flushPending(s *pairSession) {
	s.mu.Lock()
	if len(s.pending) == 0 || s.ratchet == nil || !s.ratchet.CanSend() {
		s.mu.Unlock()
		return
	}

	queued := s.pending
	s.pending = nil
	sealed := make([]*envelope.Envelope, 0, len(queued))
	for _, payload := range queued {
		env, err := e.sealForPeerLocked(s, s.peer, envelope.KindMessage, payload)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushPending",
				"peer":     s.peer,
				"error":    err,
			}).Warn("Queued message send failed")
			continue
		}
		if env != nil {
			sealed = append(sealed, env)
		}
	}
	s.mu.Unlock()

	for _, env := range sealed {
		if err := e.transport.Send(s.peer, env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "flushPending",
				"peer":     s.peer,
				"error":    err,
			}).Warn("Queued message send failed")
		}
	}
	e.maybeRekey(s, s.peer)
}
