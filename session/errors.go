package session

import "errors"

// Sentinel errors for session establishment.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrSignatureInvalid indicates the responder's signed prekey failed
	// verification. The handshake is aborted and never retried with the
	// same key material.
	ErrSignatureInvalid = errors.New("signed prekey signature invalid")

	// ErrKeyStale indicates the referenced one-time key was already
	// consumed. The caller retries once with a fresh key, then falls back
	// to a long-term-only handshake.
	ErrKeyStale = errors.New("one-time key already consumed")

	// ErrHandshakeNotComplete indicates the fallback handshake is still in
	// progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")

	// ErrHandshakeComplete indicates the fallback handshake already
	// finished and cannot process further messages.
	ErrHandshakeComplete = errors.New("handshake already complete")
)
