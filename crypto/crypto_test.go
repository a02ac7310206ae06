package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NotNil(t, keys)
	assert.False(t, isZeroKey(keys.Public))
	assert.False(t, isZeroKey(keys.Private))
}

func TestFromSecretKeyDerivesMatchingPublic(t *testing.T) {
	keys, err := GenerateKeyPair()
	require.NoError(t, err)

	derived, err := FromSecretKey(keys.Private)
	require.NoError(t, err)
	assert.Equal(t, keys.Public, derived.Public)
}

func TestFromSecretKeyRejectsZeroKey(t *testing.T) {
	var zero [KeySize]byte
	_, err := FromSecretKey(zero)
	assert.Error(t, err)
}

func TestSharedSecretAgreement(t *testing.T) {
	alice, err := GenerateKeyPair()
	require.NoError(t, err)
	bob, err := GenerateKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(alice.Private, bob.Public)
	require.NoError(t, err)
	ba, err := SharedSecret(bob.Private, alice.Public)
	require.NoError(t, err)

	assert.Equal(t, ab, ba)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	sender, err := GenerateKeyPair()
	require.NoError(t, err)
	recipient, err := GenerateKeyPair()
	require.NoError(t, err)

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("attack at dawn")
	ciphertext, err := Encrypt(plaintext, nonce, recipient.Public, sender.Private)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext, nonce, sender.Public, recipient.Private)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	sender, _ := GenerateKeyPair()
	recipient, _ := GenerateKeyPair()
	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt([]byte("hello"), nonce, recipient.Public, sender.Private)
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = Decrypt(ciphertext, nonce, sender.Public, recipient.Private)
	assert.Error(t, err)
}

func TestSymmetricRoundTrip(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], bytes.Repeat([]byte{7}, KeySize))

	nonce, err := GenerateNonce()
	require.NoError(t, err)

	ciphertext, err := EncryptSymmetric([]byte("group payload"), nonce, key)
	require.NoError(t, err)

	plaintext, err := DecryptSymmetric(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("group payload"), plaintext)

	var wrongKey [KeySize]byte
	_, err = DecryptSymmetric(ciphertext, nonce, wrongKey)
	assert.Error(t, err)
}

func TestSignVerify(t *testing.T) {
	pair, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	message := []byte("signed prekey bytes")
	sig, err := Sign(message, pair.Seed)
	require.NoError(t, err)

	ok, err := Verify(message, sig, pair.Public)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify([]byte("different message"), sig, pair.Public)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeriveChainStepIsDeterministicAndForward(t *testing.T) {
	var chain [KeySize]byte
	chain[0] = 1

	next1, mk1 := DeriveChainStep(chain)
	next2, mk2 := DeriveChainStep(chain)
	assert.Equal(t, next1, next2)
	assert.Equal(t, mk1, mk2)

	// Advancing again never reproduces an earlier message key.
	_, mk3 := DeriveChainStep(next1)
	assert.NotEqual(t, mk1, mk3)
	assert.NotEqual(t, chain, next1)
}

func TestDeriveRootChainSeparatesDomains(t *testing.T) {
	root := bytes.Repeat([]byte{2}, KeySize)
	dh := bytes.Repeat([]byte{3}, KeySize)

	newRoot, chain := DeriveRootChain(root, dh)
	assert.NotEqual(t, newRoot, chain)
}

func TestDeriveGroupKeyChangesPerEpoch(t *testing.T) {
	var prev [KeySize]byte
	fresh := []byte("rotation entropy")

	k1 := DeriveGroupKey(prev, 1, fresh)
	k2 := DeriveGroupKey(prev, 2, fresh)
	assert.NotEqual(t, k1, k2)

	chained := DeriveGroupKey(k1, 2, fresh)
	assert.NotEqual(t, k2, chained)
}

func TestSecureWipe(t *testing.T) {
	secret := []byte{1, 2, 3, 4}
	require.NoError(t, SecureWipe(secret))
	assert.Equal(t, []byte{0, 0, 0, 0}, secret)

	assert.Error(t, SecureWipe(nil))

	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, WipeKeyPair(kp))
	assert.True(t, isZeroKey(kp.Private))
}
