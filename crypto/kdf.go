package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KDF labels keep the root, chain, and group derivations in separate
// HKDF domains so keys from one chain can never collide with another.
const (
	labelRootChain = "chatcore/root"
	labelChainStep = "chatcore/chain"
	labelGroupKey  = "chatcore/group"
	labelAuthKey   = "chatcore/envelope-auth"
)

// DeriveRootChain advances a root key with fresh Diffie-Hellman output,
// returning the next root key and a new chain key.
func DeriveRootChain(rootKey, dhOutput []byte) (newRoot, chainKey [KeySize]byte) {
	r := hkdf.New(sha256.New, dhOutput, rootKey, []byte(labelRootChain))
	_, _ = io.ReadFull(r, newRoot[:])
	_, _ = io.ReadFull(r, chainKey[:])
	return newRoot, chainKey
}

// DeriveChainStep advances a symmetric chain key one step, returning the
// next chain key and the single-use message key for this step. The
// derivation is one-way: the message key cannot be reversed to recover the
// chain key, and the prior chain key cannot be recovered from the next.
func DeriveChainStep(chainKey [KeySize]byte) (nextChain, messageKey [KeySize]byte) {
	r := hkdf.New(sha256.New, chainKey[:], nil, []byte(labelChainStep))
	_, _ = io.ReadFull(r, nextChain[:])
	_, _ = io.ReadFull(r, messageKey[:])
	return nextChain, messageKey
}

// DeriveAuthKey derives an envelope authentication key from a shared
// secret, keeping it in a separate HKDF domain from encryption keys.
func DeriveAuthKey(secret [KeySize]byte) [KeySize]byte {
	var out [KeySize]byte
	r := hkdf.New(sha256.New, secret[:], nil, []byte(labelAuthKey))
	_, _ = io.ReadFull(r, out[:])
	return out
}

// DeriveGroupKey derives the symmetric group key for an epoch from the
// group's root secret. Each epoch bump feeds the previous key back in, so
// a member holding only an old epoch key cannot compute newer ones.
func DeriveGroupKey(previousKey [KeySize]byte, epoch uint64, freshSecret []byte) [KeySize]byte {
	var out [KeySize]byte
	salt := make([]byte, 8)
	for i := 0; i < 8; i++ {
		salt[i] = byte(epoch >> (56 - 8*i))
	}
	r := hkdf.New(sha256.New, append(previousKey[:], freshSecret...), salt, []byte(labelGroupKey))
	_, _ = io.ReadFull(r, out[:])
	return out
}
