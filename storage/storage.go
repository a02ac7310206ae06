// Package storage defines persistence for chatcore's durable state:
// pairwise session snapshots, group rosters and epoch keys, and call
// records. Persistence itself is a collaborator; the engine hands the
// store opaque serialized blobs and expects them back verbatim.
package storage

import "errors"

// ErrStateNotFound indicates no stored state under the requested key.
var ErrStateNotFound = errors.New("state not found")

// Store persists engine state between runs. Implementations must be
// safe for concurrent use and must return copies the caller may mutate.
type Store interface {
	// SaveSession persists a pairwise session snapshot for a device.
	SaveSession(device uint64, state []byte) error
	// LoadSession returns a device's session snapshot.
	LoadSession(device uint64) ([]byte, error)
	// DeleteSession removes a device's session snapshot.
	DeleteSession(device uint64) error

	// SaveGroup persists a group's roster and epoch state.
	SaveGroup(id uint64, state []byte) error
	// LoadGroup returns a group's stored state.
	LoadGroup(id uint64) ([]byte, error)
	// DeleteGroup removes a group's stored state.
	DeleteGroup(id uint64) error

	// SaveCall persists a call record.
	SaveCall(id [16]byte, state []byte) error
	// LoadCall returns a call record.
	LoadCall(id [16]byte) ([]byte, error)
	// DeleteCall removes a call record.
	DeleteCall(id [16]byte) error

	// Close releases the store's resources.
	Close() error
}
