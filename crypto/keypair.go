// Package crypto implements the cryptographic primitives for the chatcore
// protocol engine.
//
// This package handles key generation, authenticated encryption, signatures,
// and chain key derivation using the NaCl constructions through Go's x/crypto
// packages.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", hex.EncodeToString(keys.Public[:]))
package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeySize is the size in bytes of all X25519 keys used by the engine.
const KeySize = 32

// KeyPair represents an X25519 key pair used for key agreement.
type KeyPair struct {
	Public  [KeySize]byte
	Private [KeySize]byte
}

// GenerateKeyPair creates a new random X25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	keyPair := &KeyPair{
		Public:  *publicKey,
		Private: *privateKey,
	}

	return keyPair, nil
}

// FromSecretKey creates a key pair from an existing private key by deriving
// the matching public key on the curve basepoint.
func FromSecretKey(secretKey [KeySize]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, errors.New("invalid secret key: all zeros")
	}

	publicBytes, err := curve25519.X25519(secretKey[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}

	var publicKey [KeySize]byte
	copy(publicKey[:], publicBytes)

	return &KeyPair{
		Public:  publicKey,
		Private: secretKey,
	}, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between a
// private key and a peer public key.
func SharedSecret(private, peerPublic [KeySize]byte) ([KeySize]byte, error) {
	var out [KeySize]byte

	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return out, err
	}

	copy(out[:], shared)
	return out, nil
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [KeySize]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
