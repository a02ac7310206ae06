package group

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// ErrMalformedUpdate indicates a key update payload that does not decode.
var ErrMalformedUpdate = errors.New("malformed group key update")

const (
	updateHeaderSize = 8 + 8 + crypto.KeySize + 2
	updateMemberSize = 8 + 1 + 8
)

// EncodeKeyUpdate serializes a key update for pairwise delivery.
//
// Wire format:
//
//	[GROUP_ID (8 bytes)][EPOCH (8 bytes)][KEY (32 bytes)]
//	[MEMBER_COUNT (2 bytes)] then per member
//	[DEVICE (8 bytes)][ROLE (1 byte)][JOIN_EPOCH (8 bytes)]
func EncodeKeyUpdate(update *KeyUpdate) ([]byte, error) {
	if update == nil {
		return nil, fmt.Errorf("%w: nil update", ErrMalformedUpdate)
	}
	if len(update.Members) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d members", ErrMalformedUpdate, len(update.Members))
	}

	buf := make([]byte, updateHeaderSize+updateMemberSize*len(update.Members))
	binary.BigEndian.PutUint64(buf[0:8], uint64(update.Group))
	binary.BigEndian.PutUint64(buf[8:16], update.Epoch)
	copy(buf[16:48], update.Key[:])
	binary.BigEndian.PutUint16(buf[48:50], uint16(len(update.Members)))

	offset := updateHeaderSize
	for _, m := range update.Members {
		binary.BigEndian.PutUint64(buf[offset:offset+8], uint64(m.Device))
		buf[offset+8] = byte(m.Role)
		binary.BigEndian.PutUint64(buf[offset+9:offset+17], m.JoinEpoch)
		offset += updateMemberSize
	}
	return buf, nil
}

// DecodeKeyUpdate parses a decrypted key update payload.
func DecodeKeyUpdate(data []byte) (*KeyUpdate, error) {
	if len(data) < updateHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedUpdate, len(data))
	}

	count := int(binary.BigEndian.Uint16(data[48:50]))
	if len(data) != updateHeaderSize+updateMemberSize*count {
		return nil, fmt.Errorf("%w: length mismatch", ErrMalformedUpdate)
	}

	update := &KeyUpdate{
		Group:   ID(binary.BigEndian.Uint64(data[0:8])),
		Epoch:   binary.BigEndian.Uint64(data[8:16]),
		Members: make([]Membership, count),
	}
	copy(update.Key[:], data[16:48])

	offset := updateHeaderSize
	for i := 0; i < count; i++ {
		role := Role(data[offset+8])
		if role > RoleOwner {
			return nil, fmt.Errorf("%w: role %d", ErrMalformedUpdate, role)
		}
		update.Members[i] = Membership{
			Device:    keydir.DeviceID(binary.BigEndian.Uint64(data[offset : offset+8])),
			Role:      role,
			JoinEpoch: binary.BigEndian.Uint64(data[offset+9 : offset+17]),
		}
		offset += updateMemberSize
	}
	return update, nil
}

// ApplyUpdate installs a key update received from another member's
// mutation. Unknown groups are created (an invite); known groups advance
// to the update's epoch with the roster it carries. Updates at or behind
// the current epoch return ErrEpochConflict and change nothing.
func (m *Manager) ApplyUpdate(update *KeyUpdate) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, exists := m.groups[update.Group]
	if !exists {
		g = &Group{
			id:          update.Group,
			config:      m.config,
			distributor: m.distributor,
			prevKeys:    make(map[uint64][crypto.KeySize]byte),
			members:     make(map[keydir.DeviceID]*Membership),
		}
		m.groups[update.Group] = g
	}

	if err := g.applyRemote(update, exists); err != nil {
		if !exists {
			delete(m.groups, update.Group)
		}
		return nil, err
	}
	return g, nil
}

// applyRemote advances the group to a remotely mutated epoch.
func (g *Group) applyRemote(update *KeyUpdate, established bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if established && update.Epoch <= g.epoch {
		return fmt.Errorf("update for epoch %d at epoch %d: %w", update.Epoch, g.epoch, ErrEpochConflict)
	}

	if established {
		g.retireKey()
	}
	g.epoch = update.Epoch
	g.key = update.Key

	for device := range g.members {
		delete(g.members, device)
	}
	for _, m := range update.Members {
		member := m
		g.members[m.Device] = &member
	}
	return nil
}
