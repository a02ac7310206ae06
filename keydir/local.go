package keydir

import (
	"fmt"
	"sync"

	"github.com/opd-ai/chatcore/crypto"
)

// LocalIdentity holds the private key material a device keeps for itself:
// the long-term identity and signing keys, the current signed prekey pair,
// and the private halves of published one-time keys, indexed by key ID.
//
// The directory only ever sees the public halves.
type LocalIdentity struct {
	DeviceID DeviceID

	identityKey  *crypto.KeyPair
	signingKey   *crypto.SigningKeyPair
	signedPrekey *crypto.KeyPair
	prekeySig    crypto.Signature

	oneTimeKeys map[uint32]*crypto.KeyPair
	nextKeyID   uint32

	mu sync.Mutex
}

// NewLocalIdentity generates fresh long-term key material for a device and
// signs the initial prekey.
func NewLocalIdentity(deviceID DeviceID) (*LocalIdentity, error) {
	identityKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity key: %w", err)
	}

	signingKey, err := crypto.GenerateSigningKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	signedPrekey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}

	prekeySig, err := crypto.Sign(signedPrekey.Public[:], signingKey.Seed)
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	return &LocalIdentity{
		DeviceID:     deviceID,
		identityKey:  identityKey,
		signingKey:   signingKey,
		signedPrekey: signedPrekey,
		prekeySig:    prekeySig,
		oneTimeKeys:  make(map[uint32]*crypto.KeyPair),
		nextKeyID:    1,
	}, nil
}

// PublicBundle returns the public key bundle suitable for directory
// registration.
func (li *LocalIdentity) PublicBundle() DeviceKeys {
	li.mu.Lock()
	defer li.mu.Unlock()

	return DeviceKeys{
		SigningKey:      li.signingKey.Public,
		AgreementKey:    li.identityKey.Public,
		SignedPrekey:    li.signedPrekey.Public,
		PrekeySignature: li.prekeySig,
	}
}

// Sign signs a message with the device's long-term signing key.
func (li *LocalIdentity) Sign(message []byte) (crypto.Signature, error) {
	li.mu.Lock()
	defer li.mu.Unlock()
	return crypto.Sign(message, li.signingKey.Seed)
}

// IdentityKeyPair returns the device's long-term agreement key pair.
func (li *LocalIdentity) IdentityKeyPair() *crypto.KeyPair {
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.identityKey
}

// SignedPrekeyPair returns the device's current signed prekey pair.
func (li *LocalIdentity) SignedPrekeyPair() *crypto.KeyPair {
	li.mu.Lock()
	defer li.mu.Unlock()
	return li.signedPrekey
}

// GenerateOneTimeKeys creates count fresh one-time key pairs, retains the
// private halves locally, and returns the public halves for publication.
func (li *LocalIdentity) GenerateOneTimeKeys(count int) ([]OneTimeKey, error) {
	li.mu.Lock()
	defer li.mu.Unlock()

	batch := make([]OneTimeKey, 0, count)
	for i := 0; i < count; i++ {
		pair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate one-time key %d: %w", i, err)
		}

		id := li.nextKeyID
		li.nextKeyID++
		li.oneTimeKeys[id] = pair

		batch = append(batch, OneTimeKey{ID: id, Key: pair.Public})
	}

	return batch, nil
}

// TakeOneTimeKey removes and returns the private key pair for a consumed
// one-time key ID. The key is handed out at most once; a second call for
// the same ID reports the key as already used.
func (li *LocalIdentity) TakeOneTimeKey(id uint32) (*crypto.KeyPair, error) {
	li.mu.Lock()
	defer li.mu.Unlock()

	pair, exists := li.oneTimeKeys[id]
	if !exists {
		return nil, fmt.Errorf("one-time key %d already used or unknown", id)
	}
	delete(li.oneTimeKeys, id)
	return pair, nil
}

// Wipe erases all private key material held by the identity.
func (li *LocalIdentity) Wipe() {
	li.mu.Lock()
	defer li.mu.Unlock()

	_ = crypto.WipeKeyPair(li.identityKey)
	_ = crypto.WipeKeyPair(li.signedPrekey)
	crypto.ZeroBytes(li.signingKey.Seed[:])
	for id, pair := range li.oneTimeKeys {
		_ = crypto.WipeKeyPair(pair)
		delete(li.oneTimeKeys, id)
	}
}
