package keydir

import "errors"

// Sentinel errors for directory operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrDeviceNotFound indicates the device identifier is not registered.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceRevoked indicates the device was revoked and cannot be used.
	ErrDeviceRevoked = errors.New("device revoked")

	// ErrOneTimeKeysExhausted indicates the device's one-time key pool is
	// empty. Callers fall back to a long-term-only handshake.
	ErrOneTimeKeysExhausted = errors.New("one-time key pool exhausted")

	// ErrDuplicateKeyID indicates a published one-time key reuses an ID
	// already present in the pool.
	ErrDuplicateKeyID = errors.New("duplicate one-time key ID")
)
