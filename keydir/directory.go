// Package keydir implements the identity and key directory for the chatcore
// protocol engine.
//
// The directory resolves device identifiers to long-term and one-time public
// key material. It holds no other protocol state: sessions, groups, and calls
// look keys up here but never store their own state in the directory.
//
// One-time key consumption is the hottest shared-resource point in the
// engine. Consumption is atomic compare-and-remove: two concurrent consumers
// for the same device can never both receive the same key.
package keydir

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
)

// DeviceID identifies a single device belonging to a user identity.
type DeviceID uint64

// OneTimeKey is a single-use public agreement key published by a device.
type OneTimeKey struct {
	ID  uint32
	Key [crypto.KeySize]byte
}

// DeviceKeys is the public key bundle for one device: the long-term signing
// and agreement keys plus the current signed prekey and its signature.
type DeviceKeys struct {
	SigningKey      [crypto.KeySize]byte
	AgreementKey    [crypto.KeySize]byte
	SignedPrekey    [crypto.KeySize]byte
	PrekeySignature crypto.Signature
}

// Config holds the tunable policy values for the directory.
type Config struct {
	// BatchSize is the number of one-time keys a device publishes at once.
	BatchSize int

	// ReplenishThreshold flags a device for key refresh when its pool
	// drops below this many unused keys.
	ReplenishThreshold int
}

// DefaultConfig returns the production defaults for the directory.
func DefaultConfig() Config {
	return Config{
		BatchSize:          100,
		ReplenishThreshold: 20,
	}
}

// deviceEntry is the directory's mutable record for one device.
type deviceEntry struct {
	keys    DeviceKeys
	pool    []OneTimeKey
	revoked bool
}

// Directory maps device identifiers to key material. It is safe for
// concurrent use across unrelated devices.
type Directory struct {
	config  Config
	devices map[DeviceID]*deviceEntry

	// revokeCallbacks are invoked after a device is revoked so owners of
	// pairwise sessions can destroy them.
	revokeCallbacks []func(DeviceID)

	mu sync.RWMutex
}

// New creates an empty directory with the given configuration.
func New(config Config) *Directory {
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	if config.ReplenishThreshold <= 0 {
		config.ReplenishThreshold = DefaultConfig().ReplenishThreshold
	}

	return &Directory{
		config:  config,
		devices: make(map[DeviceID]*deviceEntry),
	}
}

// Register adds or replaces the public key bundle for a device. The
// verified bundle is expected to come from the external auth service; the
// directory performs no authentication itself.
func (d *Directory) Register(deviceID DeviceID, keys DeviceKeys) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.devices[deviceID]
	if !exists {
		entry = &deviceEntry{}
		d.devices[deviceID] = entry
	}
	entry.keys = keys
	entry.revoked = false

	logrus.WithFields(logrus.Fields{
		"function":  "Register",
		"device_id": deviceID,
	}).Debug("Device key bundle registered")
}

// Resolve returns the public key bundle for a device.
func (d *Directory) Resolve(deviceID DeviceID) (*DeviceKeys, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.devices[deviceID]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	if entry.revoked {
		return nil, ErrDeviceRevoked
	}

	keys := entry.keys
	return &keys, nil
}

// PublishOneTimeKeys appends a batch of one-time keys to a device's pool.
// Key IDs must be unique within the pool.
func (d *Directory) PublishOneTimeKeys(deviceID DeviceID, batch []OneTimeKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.devices[deviceID]
	if !exists {
		return ErrDeviceNotFound
	}
	if entry.revoked {
		return ErrDeviceRevoked
	}

	seen := make(map[uint32]struct{}, len(entry.pool)+len(batch))
	for _, key := range entry.pool {
		seen[key.ID] = struct{}{}
	}
	for _, key := range batch {
		if _, dup := seen[key.ID]; dup {
			return ErrDuplicateKeyID
		}
		seen[key.ID] = struct{}{}
	}

	entry.pool = append(entry.pool, batch...)

	logrus.WithFields(logrus.Fields{
		"function":  "PublishOneTimeKeys",
		"device_id": deviceID,
		"published": len(batch),
		"pool_size": len(entry.pool),
	}).Debug("One-time keys published")

	return nil
}

// ConsumeOneTimeKey atomically removes and returns one unused key from the
// device's pool. Returns ErrOneTimeKeysExhausted when the pool is empty;
// the caller then falls back to a long-term-only handshake.
func (d *Directory) ConsumeOneTimeKey(deviceID DeviceID) (*OneTimeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, exists := d.devices[deviceID]
	if !exists {
		return nil, ErrDeviceNotFound
	}
	if entry.revoked {
		return nil, ErrDeviceRevoked
	}
	if len(entry.pool) == 0 {
		logrus.WithFields(logrus.Fields{
			"function":  "ConsumeOneTimeKey",
			"device_id": deviceID,
		}).Warn("One-time key pool exhausted")
		return nil, ErrOneTimeKeysExhausted
	}

	// Oldest key first. The removal happens under the same lock as the
	// read, so the key is handed out exactly once.
	key := entry.pool[0]
	entry.pool = entry.pool[1:]

	if len(entry.pool) < d.config.ReplenishThreshold {
		logrus.WithFields(logrus.Fields{
			"function":  "ConsumeOneTimeKey",
			"device_id": deviceID,
			"remaining": len(entry.pool),
			"threshold": d.config.ReplenishThreshold,
		}).Info("Device one-time key pool below replenish threshold")
	}

	return &key, nil
}

// OneTimeKeyCount returns the number of unused one-time keys for a device.
func (d *Directory) OneTimeKeyCount(deviceID DeviceID) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entry, exists := d.devices[deviceID]
	if !exists {
		return 0, ErrDeviceNotFound
	}
	return len(entry.pool), nil
}

// NeedsReplenish reports whether a device's pool has dropped below the
// configured replenish threshold.
func (d *Directory) NeedsReplenish(deviceID DeviceID) (bool, error) {
	count, err := d.OneTimeKeyCount(deviceID)
	if err != nil {
		return false, err
	}
	return count < d.config.ReplenishThreshold, nil
}

// OnRevoke registers a callback invoked whenever a device is revoked.
// Session owners use this to destroy pairwise state for the device.
func (d *Directory) OnRevoke(callback func(DeviceID)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.revokeCallbacks = append(d.revokeCallbacks, callback)
}

// Revoke marks a device as revoked, drops its one-time key pool, and
// notifies the revocation callback.
func (d *Directory) Revoke(deviceID DeviceID) error {
	d.mu.Lock()
	entry, exists := d.devices[deviceID]
	if !exists {
		d.mu.Unlock()
		return ErrDeviceNotFound
	}
	entry.revoked = true
	entry.pool = nil
	callbacks := append([]func(DeviceID){}, d.revokeCallbacks...)
	d.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":  "Revoke",
		"device_id": deviceID,
	}).Info("Device revoked")

	// Callbacks run outside the directory lock.
	for _, callback := range callbacks {
		callback(deviceID)
	}

	return nil
}
