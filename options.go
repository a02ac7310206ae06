package chatcore

import (
	"github.com/opd-ai/chatcore/call"
	"github.com/opd-ai/chatcore/group"
	"github.com/opd-ai/chatcore/keydir"
	"github.com/opd-ai/chatcore/ratchet"
	"github.com/opd-ai/chatcore/sequencer"
	"github.com/opd-ai/chatcore/storage"
	"github.com/opd-ai/chatcore/transport"
)

// Options configures a chatcore engine.
type Options struct {
	// DeviceID is this device's identifier in the key directory.
	DeviceID keydir.DeviceID

	// Directory is the shared key directory all devices publish to.
	Directory *keydir.Directory

	// Transport carries sealed envelopes between devices.
	Transport transport.Transport

	// Store persists group state between runs. Defaults to an in-memory
	// store.
	Store storage.Store

	// OneTimeKeyBatch is the number of one-time keys published at
	// startup and on replenish.
	OneTimeKeyBatch int

	// Ratchet, Sequencer, Group, and Call carry the per-subsystem
	// policy values; zero values take the subsystem defaults.
	Ratchet   ratchet.Config
	Sequencer sequencer.Config
	Group     group.Config
	Call      call.Config
}

// NewOptions returns an Options with production defaults. The caller
// still must set DeviceID, Directory, and Transport.
func NewOptions() *Options {
	return &Options{
		OneTimeKeyBatch: keydir.DefaultConfig().BatchSize,
		Ratchet:         ratchet.DefaultConfig(),
		Sequencer:       sequencer.DefaultConfig(),
		Group:           group.DefaultConfig(),
		Call:            call.DefaultConfig(),
	}
}
