package ratchet

import "errors"

// Sentinel errors for ratchet operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrKeyUnavailable indicates the message key for a received counter
	// was already consumed or evicted from the skipped-key cache. The
	// message is undecryptable and is reported, never retried.
	ErrKeyUnavailable = errors.New("message key unavailable")

	// ErrNotReady indicates the sending chain is not initialised yet; the
	// responder cannot send before its first receive.
	ErrNotReady = errors.New("sending chain not initialised")

	// ErrDecryptionFailed indicates the ciphertext failed authentication
	// under the derived message key.
	ErrDecryptionFailed = errors.New("ratchet decryption failed")
)
