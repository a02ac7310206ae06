// Package ratchet implements the per-session forward-secret key state
// machine for chatcore.
//
// Every sent message advances the sending chain through a one-way
// derivation, producing a single-use message key that is wiped immediately
// after sealing. Receiving ahead of the expected counter derives and caches
// the intermediate skipped keys up to a bounded limit so reordered
// deliveries still decrypt; keys that were consumed or evicted are gone for
// good and the message is reported undecryptable.
//
// A full Diffie-Hellman ratchet step runs whenever the peer presents a
// fresh ratchet key, so every round trip exchanges new ephemerals. Long
// one-directional streams never step on their own; NeedsRekey reports when
// the configured interval has elapsed so the session owner can force fresh
// key material through a new establishment handshake.
package ratchet

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/opd-ai/chatcore/crypto"
)

// Config holds the tunable policy values for a ratchet state.
type Config struct {
	// MaxSkippedKeys bounds the skipped message key cache. Oldest entries
	// are evicted first once the bound is reached.
	MaxSkippedKeys int

	// RekeyInterval is the number of messages sent on a single chain after
	// which NeedsRekey reports true. Zero disables the policy.
	RekeyInterval uint32
}

// DefaultConfig returns the production defaults for ratchet policy.
func DefaultConfig() Config {
	return Config{
		MaxSkippedKeys: 1000,
		RekeyInterval:  100,
	}
}

// skippedEntry caches a derived-but-unused message key for an out-of-order
// message, keyed by the sender ratchet key and counter it belongs to.
type skippedEntry struct {
	dhPublic [crypto.KeySize]byte
	count    uint32
	key      [crypto.KeySize]byte
}

// State is the ratchet state for one pairwise session. Methods serialize
// internally; the owning session additionally serializes logical operations
// so envelope ordering stays coherent with chain ordering.
type State struct {
	config Config

	rootKey [crypto.KeySize]byte

	dhPair   *crypto.KeyPair
	peerDH   [crypto.KeySize]byte
	havePeer bool

	sendChain     [crypto.KeySize]byte
	haveSendChain bool
	recvChain     [crypto.KeySize]byte
	haveRecvChain bool

	sendCount     uint32
	recvCount     uint32
	prevSendCount uint32
	sentSinceStep uint32
	rekeyForced   bool

	skipped []skippedEntry

	mu sync.Mutex
}

// NewInitiator creates the initiator-side ratchet from a freshly derived
// root secret and the responder's signed prekey, which acts as the peer's
// initial ratchet key.
func NewInitiator(rootSecret [crypto.KeySize]byte, peerSignedPrekey [crypto.KeySize]byte, config Config) (*State, error) {
	applyConfigDefaults(&config)

	dhPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ratchet key: %w", err)
	}

	dh, err := crypto.SharedSecret(dhPair.Private, peerSignedPrekey)
	if err != nil {
		return nil, fmt.Errorf("initial ratchet agreement failed: %w", err)
	}

	st := &State{
		config:   config,
		dhPair:   dhPair,
		peerDH:   peerSignedPrekey,
		havePeer: true,
	}
	st.rootKey, st.sendChain = crypto.DeriveRootChain(rootSecret[:], dh[:])
	st.haveSendChain = true
	crypto.ZeroBytes(dh[:])

	return st, nil
}

// NewResponder creates the responder-side ratchet from the shared root
// secret and the responder's signed prekey pair. Both chains are
// established when the initiator's first message arrives with its ratchet
// key; the responder cannot send before that.
func NewResponder(rootSecret [crypto.KeySize]byte, signedPrekeyPair *crypto.KeyPair, config Config) (*State, error) {
	applyConfigDefaults(&config)

	if signedPrekeyPair == nil {
		return nil, fmt.Errorf("signed prekey pair is nil")
	}

	st := &State{
		config:  config,
		dhPair:  &crypto.KeyPair{Public: signedPrekeyPair.Public, Private: signedPrekeyPair.Private},
		rootKey: rootSecret,
	}

	return st, nil
}

func applyConfigDefaults(config *Config) {
	if config.MaxSkippedKeys <= 0 {
		config.MaxSkippedKeys = DefaultConfig().MaxSkippedKeys
	}
}

// Encrypt seals a plaintext under the next sending chain key. The derived
// message key is wiped before returning and never reused.
func (st *State) Encrypt(plaintext []byte) (*Message, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.haveSendChain {
		return nil, ErrNotReady
	}

	var messageKey [crypto.KeySize]byte
	st.sendChain, messageKey = crypto.DeriveChainStep(st.sendChain)

	header := Header{
		DHPublic:  st.dhPair.Public,
		PrevCount: st.prevSendCount,
		Count:     st.sendCount,
	}

	ciphertext, err := seal(messageKey, &header, plaintext)
	crypto.WipeKey(&messageKey)
	if err != nil {
		return nil, err
	}

	st.sendCount++
	st.sentSinceStep++

	return &Message{Header: header, Ciphertext: ciphertext}, nil
}

// Decrypt opens a received ratchet message. Out-of-order messages consume
// cached skipped keys; a fresh peer ratchet key triggers a full DH step.
// The derived message key is wiped before returning.
func (st *State) Decrypt(msg *Message) ([]byte, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	// Reordered message whose key was derived ahead of time.
	if key, ok := st.takeSkipped(msg.Header.DHPublic, msg.Header.Count); ok {
		plaintext, err := open(key, &msg.Header, msg.Ciphertext)
		crypto.WipeKey(&key)
		if err != nil {
			return nil, err
		}
		return plaintext, nil
	}

	if !st.havePeer || msg.Header.DHPublic != st.peerDH {
		// Peer stepped its ratchet (or this is the initiator's first
		// message). Cache the tail of the old receiving chain, then
		// advance both chains with the fresh key.
		st.skipReceiveChain(msg.Header.PrevCount)
		if err := st.stepRatchet(msg.Header.DHPublic); err != nil {
			return nil, err
		}
	}

	if msg.Header.Count < st.recvCount {
		logrus.WithFields(logrus.Fields{
			"function": "Decrypt",
			"counter":  msg.Header.Count,
			"expected": st.recvCount,
		}).Warn("Message key already consumed or evicted")
		return nil, ErrKeyUnavailable
	}

	st.skipReceiveChain(msg.Header.Count)

	var messageKey [crypto.KeySize]byte
	st.recvChain, messageKey = crypto.DeriveChainStep(st.recvChain)
	st.recvCount++

	plaintext, err := open(messageKey, &msg.Header, msg.Ciphertext)
	crypto.WipeKey(&messageKey)
	if err != nil {
		return nil, err
	}

	return plaintext, nil
}

// NeedsRekey reports whether the session owner should re-establish fresh
// key material: either the configured send interval elapsed without a DH
// step, or a rekey was requested explicitly.
func (st *State) NeedsRekey() bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.rekeyForced {
		return true
	}
	return st.config.RekeyInterval > 0 && st.sentSinceStep >= st.config.RekeyInterval
}

// ForceRekey marks the state for re-establishment regardless of the
// interval, bounding the damage window after a suspected compromise.
func (st *State) ForceRekey() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.rekeyForced = true
}

// SendCount returns the number of messages encrypted on the current chain.
func (st *State) SendCount() uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.sendCount
}

// ReceiveCount returns the next expected counter on the receiving chain.
func (st *State) ReceiveCount() uint32 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.recvCount
}

// SkippedKeyCount returns the number of cached skipped message keys.
func (st *State) SkippedKeyCount() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.skipped)
}

// CanSend reports whether the sending chain is initialised.
func (st *State) CanSend() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.haveSendChain
}

// Wipe erases all key material held by the state. A wiped state is
// unusable; the session must be re-established.
func (st *State) Wipe() {
	st.mu.Lock()
	defer st.mu.Unlock()

	crypto.WipeKey(&st.rootKey)
	crypto.WipeKey(&st.sendChain)
	crypto.WipeKey(&st.recvChain)
	if st.dhPair != nil {
		_ = crypto.WipeKeyPair(st.dhPair)
	}
	for i := range st.skipped {
		crypto.WipeKey(&st.skipped[i].key)
	}
	st.skipped = nil
	st.haveSendChain = false
	st.haveRecvChain = false
}

// stepRatchet advances the receiving chain onto the peer's new ratchet
// key's chain, then rotates our own pair and sending chain so replies use
// fresh material.
func (st *State) stepRatchet(newPeer [crypto.KeySize]byte) error {
	dh, err := crypto.SharedSecret(st.dhPair.Private, newPeer)
	if err != nil {
		return fmt.Errorf("ratchet agreement failed: %w", err)
	}
	st.rootKey, st.recvChain = crypto.DeriveRootChain(st.rootKey[:], dh[:])
	crypto.ZeroBytes(dh[:])
	st.haveRecvChain = true
	st.recvCount = 0
	st.peerDH = newPeer
	st.havePeer = true

	newPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("failed to generate ratchet key: %w", err)
	}
	dh2, err := crypto.SharedSecret(newPair.Private, newPeer)
	if err != nil {
		return fmt.Errorf("ratchet agreement failed: %w", err)
	}

	_ = crypto.WipeKeyPair(st.dhPair)
	st.dhPair = newPair
	st.rootKey, st.sendChain = crypto.DeriveRootChain(st.rootKey[:], dh2[:])
	crypto.ZeroBytes(dh2[:])

	st.prevSendCount = st.sendCount
	st.sendCount = 0
	st.sentSinceStep = 0
	st.haveSendChain = true

	logrus.WithFields(logrus.Fields{
		"function": "stepRatchet",
	}).Debug("Full DH ratchet step completed")

	return nil
}

// skipReceiveChain derives and caches message keys on the receiving chain
// up to (but not including) until, evicting the oldest cached key when the
// bound is hit.
func (st *State) skipReceiveChain(until uint32) {
	if !st.haveRecvChain {
		return
	}

	for st.recvCount < until {
		var messageKey [crypto.KeySize]byte
		st.recvChain, messageKey = crypto.DeriveChainStep(st.recvChain)

		if len(st.skipped) >= st.config.MaxSkippedKeys {
			crypto.WipeKey(&st.skipped[0].key)
			st.skipped = st.skipped[1:]
			logrus.WithFields(logrus.Fields{
				"function": "skipReceiveChain",
				"bound":    st.config.MaxSkippedKeys,
			}).Warn("Skipped-key cache full, evicting oldest key")
		}

		st.skipped = append(st.skipped, skippedEntry{
			dhPublic: st.peerDH,
			count:    st.recvCount,
			key:      messageKey,
		})
		st.recvCount++
	}
}

// takeSkipped removes and returns a cached skipped key, if present.
func (st *State) takeSkipped(dhPublic [crypto.KeySize]byte, count uint32) ([crypto.KeySize]byte, bool) {
	for i := range st.skipped {
		if st.skipped[i].dhPublic == dhPublic && st.skipped[i].count == count {
			key := st.skipped[i].key
			st.skipped = append(st.skipped[:i], st.skipped[i+1:]...)
			return key, true
		}
	}
	return [crypto.KeySize]byte{}, false
}

// seal encrypts plaintext under a single-use message key, binding the
// header as associated data. The nonce is derived from the chain counter;
// message keys are never reused, so the pairing is unique.
func seal(key [crypto.KeySize]byte, header *Header, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], header.Count)

	return aead.Seal(nil, nonce, plaintext, header.Bytes()), nil
}

// open decrypts ciphertext under a message key, verifying the header.
func open(key [crypto.KeySize]byte, header *Header, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint32(nonce[chacha20poly1305.NonceSize-4:], header.Count)

	plaintext, err := aead.Open(nil, nonce, ciphertext, header.Bytes())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
