package group

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// Manager tracks every group session this device participates in.
type Manager struct {
	mu          sync.RWMutex
	groups      map[ID]*Group
	distributor Distributor
	config      Config
}

// NewManager creates an empty group manager.
func NewManager(distributor Distributor, config Config) *Manager {
	return &Manager{
		groups:      make(map[ID]*Group),
		distributor: distributor,
		config:      config,
	}
}

// Create starts a new group with the creator as Owner and returns it.
func (m *Manager) Create(creator keydir.DeviceID) (*Group, error) {
	rootSecret := make([]byte, 32)
	if _, err := rand.Read(rootSecret); err != nil {
		return nil, fmt.Errorf("generating group secret: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var id ID
	for {
		var raw [8]byte
		if _, err := rand.Read(raw[:]); err != nil {
			return nil, fmt.Errorf("generating group ID: %w", err)
		}
		id = ID(binary.BigEndian.Uint64(raw[:]))
		if _, taken := m.groups[id]; !taken && id != 0 {
			break
		}
	}

	g := NewGroup(id, creator, rootSecret, m.distributor, m.config)
	m.groups[id] = g
	return g, nil
}

// Join registers a group this device was invited into, seeded with the
// epoch key received through the inviter's pairwise session.
func (m *Manager) Join(id ID, self keydir.DeviceID, epoch uint64, key [crypto.KeySize]byte) (*Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.groups[id]; exists {
		return nil, ErrAlreadyMember
	}

	g := &Group{
		id:          id,
		config:      m.config,
		distributor: m.distributor,
		prevKeys:    make(map[uint64][crypto.KeySize]byte),
		members:     make(map[keydir.DeviceID]*Membership),
	}
	g.epoch = epoch
	g.key = key
	g.members[self] = &Membership{Device: self, Role: RoleMember, JoinEpoch: epoch}

	m.groups[id] = g
	return g, nil
}

// Get returns the group with the given ID.
func (m *Manager) Get(id ID) (*Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.groups[id]
	if !ok {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

// Dissolve tears a group down locally: its keys are wiped and the group
// is forgotten. Only the Owner may dissolve a group it still belongs to.
func (m *Manager) Dissolve(id ID, actor keydir.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return ErrGroupNotFound
	}
	member, err := g.Member(actor)
	if err != nil {
		return err
	}
	if member.Role != RoleOwner {
		return fmt.Errorf("dissolve as %s: %w", member.Role, ErrPermissionDenied)
	}

	g.Wipe()
	delete(m.groups, id)
	return nil
}

// Wipe erases every group's key material, for engine shutdown.
func (m *Manager) Wipe() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, g := range m.groups {
		g.Wipe()
		delete(m.groups, id)
	}
}
