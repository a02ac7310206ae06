// Package group implements group session management for chatcore: the
// member roster with its role lattice, the epoch-numbered group key, and
// the mutations that advance both.
//
// Every group mutation (add, remove, role change, ownership transfer,
// key rotation) performs exactly one epoch increment and derives a fresh
// group key for the new epoch. The new key reaches each member through
// that member's own pairwise session via the Distributor, so a removed
// member never sees keys for epochs after its removal.
package group

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/keydir"
)

// ID uniquely identifies a group conversation. It travels in the
// envelope's recipient field for group-addressed traffic.
type ID uint64

// Membership records one device's standing in a group.
type Membership struct {
	Device    keydir.DeviceID
	Role      Role
	JoinEpoch uint64
}

// KeyUpdate is the payload distributed to each member after a group
// mutation: the new epoch, its key, and the roster as of that epoch.
// It travels encrypted inside the member's pairwise session.
type KeyUpdate struct {
	Group   ID
	Epoch   uint64
	Key     [crypto.KeySize]byte
	Members []Membership
}

// Distributor delivers an epoch's key update to one member over that
// member's pairwise session. Implementations may be called concurrently.
type Distributor interface {
	DistributeGroupKey(member keydir.DeviceID, update *KeyUpdate) error
}

// Config holds the tunable policy values for group sessions.
type Config struct {
	// EpochGraceWindow is how many epochs behind the current one an
	// inbound envelope may be sealed under and still decrypt. Messages
	// in flight across a rotation land inside this window.
	EpochGraceWindow uint64
}

// DefaultConfig returns the production defaults for group policy.
func DefaultConfig() Config {
	return Config{EpochGraceWindow: 1}
}

// Group is one group session: roster, current epoch, and epoch keys.
// All mutations serialize on the group's lock, so concurrent mutations
// observe distinct epochs.
type Group struct {
	id          ID
	config      Config
	distributor Distributor

	mu        sync.Mutex
	epoch     uint64
	key       [crypto.KeySize]byte
	prevKeys  map[uint64][crypto.KeySize]byte
	members   map[keydir.DeviceID]*Membership
	dissolved bool
}

// NewGroup creates a group with the creator as its sole Owner at epoch
// zero. The initial group key derives from rootSecret.
func NewGroup(id ID, creator keydir.DeviceID, rootSecret []byte, distributor Distributor, config Config) *Group {
	g := &Group{
		id:          id,
		config:      config,
		distributor: distributor,
		prevKeys:    make(map[uint64][crypto.KeySize]byte),
		members:     make(map[keydir.DeviceID]*Membership),
	}
	g.key = crypto.DeriveGroupKey([crypto.KeySize]byte{}, 0, rootSecret)
	g.members[creator] = &Membership{Device: creator, Role: RoleOwner, JoinEpoch: 0}

	logrus.WithFields(logrus.Fields{
		"function": "NewGroup",
		"group":    id,
		"creator":  creator,
	}).Info("Group created")

	return g
}

// ID returns the group's identifier.
func (g *Group) ID() ID {
	return g.id
}

// Epoch returns the group's current epoch.
func (g *Group) Epoch() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch
}

// MemberCount returns the current roster size.
func (g *Group) MemberCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.members)
}

// Member returns the membership record for a device.
func (g *Group) Member(device keydir.DeviceID) (Membership, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m, ok := g.members[device]
	if !ok {
		return Membership{}, ErrNotMember
	}
	return *m, nil
}

// Members returns the roster sorted by device ID.
func (g *Group) Members() []Membership {
	g.mu.Lock()
	defer g.mu.Unlock()

	roster := make([]Membership, 0, len(g.members))
	for _, m := range g.members {
		roster = append(roster, *m)
	}
	sort.Slice(roster, func(i, j int) bool { return roster[i].Device < roster[j].Device })
	return roster
}

// mutate runs one roster or key mutation: apply and the epoch advance
// happen under the group lock, the resulting key update fans out after
// the lock is released. No lock is held across distributor I/O.
func (g *Group) mutate(mutation string, apply func() error) error {
	g.mu.Lock()
	if err := apply(); err != nil {
		g.mu.Unlock()
		return err
	}
	update, err := g.advanceEpoch(mutation)
	g.mu.Unlock()
	if err != nil {
		return err
	}
	return g.distribute(update)
}

// AddMember adds a device to the group as a Member. The actor must hold
// Moderator or above, and actorEpoch must match the current epoch.
func (g *Group) AddMember(actor keydir.DeviceID, actorEpoch uint64, device keydir.DeviceID) error {
	return g.mutate("AddMember", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		if !acting.Role.CanInvite() {
			return fmt.Errorf("add member as %s: %w", acting.Role, ErrPermissionDenied)
		}
		if _, exists := g.members[device]; exists {
			return ErrAlreadyMember
		}

		g.members[device] = &Membership{Device: device, Role: RoleMember, JoinEpoch: g.epoch + 1}
		return nil
	})
}

// RemoveMember removes a device from the group and rotates the key so
// the removed member holds no usable epoch. The actor must outrank the
// target; no role can remove at or above its own rank.
func (g *Group) RemoveMember(actor keydir.DeviceID, actorEpoch uint64, device keydir.DeviceID) error {
	return g.mutate("RemoveMember", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		target, ok := g.members[device]
		if !ok {
			return ErrNotMember
		}
		if target.Role == RoleOwner {
			return ErrLastOwner
		}
		if !acting.Role.CanRemove(target.Role) {
			return fmt.Errorf("remove %s as %s: %w", target.Role, acting.Role, ErrPermissionDenied)
		}

		delete(g.members, device)
		return nil
	})
}

// Leave removes the acting device from the group voluntarily. The sole
// Owner must transfer ownership before leaving.
func (g *Group) Leave(actor keydir.DeviceID, actorEpoch uint64) error {
	return g.mutate("Leave", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		if acting.Role == RoleOwner {
			return ErrLastOwner
		}

		delete(g.members, actor)
		return nil
	})
}

// ChangeRole sets a member's role. Only the Owner may change roles, and
// RoleOwner cannot be granted here; ownership moves only through
// TransferOwnership, which keeps the owner count at exactly one.
func (g *Group) ChangeRole(actor keydir.DeviceID, actorEpoch uint64, device keydir.DeviceID, role Role) error {
	return g.mutate("ChangeRole", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		if !acting.Role.CanChangeRoles() {
			return fmt.Errorf("change role as %s: %w", acting.Role, ErrPermissionDenied)
		}
		if role == RoleOwner {
			return fmt.Errorf("grant ownership via role change: %w", ErrPermissionDenied)
		}
		target, ok := g.members[device]
		if !ok {
			return ErrNotMember
		}
		if target.Role == RoleOwner {
			return ErrLastOwner
		}

		target.Role = role
		return nil
	})
}

// TransferOwnership atomically makes the target the group's Owner and
// demotes the acting owner to Moderator, within a single epoch bump.
func (g *Group) TransferOwnership(actor keydir.DeviceID, actorEpoch uint64, device keydir.DeviceID) error {
	return g.mutate("TransferOwnership", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		if acting.Role != RoleOwner {
			return fmt.Errorf("transfer ownership as %s: %w", acting.Role, ErrPermissionDenied)
		}
		target, ok := g.members[device]
		if !ok {
			return ErrNotMember
		}
		if target.Device == acting.Device {
			return fmt.Errorf("transfer ownership to self: %w", ErrPermissionDenied)
		}

		acting.Role = RoleModerator
		target.Role = RoleOwner
		return nil
	})
}

// RotateKey advances the epoch and distributes a fresh group key without
// changing the roster. The actor must hold Moderator or above.
func (g *Group) RotateKey(actor keydir.DeviceID, actorEpoch uint64) error {
	return g.mutate("RotateKey", func() error {
		acting, err := g.checkMutation(actor, actorEpoch)
		if err != nil {
			return err
		}
		if !acting.Role.CanRotateKey() {
			return fmt.Errorf("rotate key as %s: %w", acting.Role, ErrPermissionDenied)
		}
		return nil
	})
}

// KeyForEpoch returns the group key for an envelope's epoch. Epochs
// newer than the current one, or older than the grace window, are
// rejected with ErrStaleEpoch.
func (g *Group) KeyForEpoch(epoch uint64) ([crypto.KeySize]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if epoch == g.epoch {
		return g.key, nil
	}
	if epoch > g.epoch || g.epoch-epoch > g.config.EpochGraceWindow {
		return [crypto.KeySize]byte{}, ErrStaleEpoch
	}
	key, ok := g.prevKeys[epoch]
	if !ok {
		return [crypto.KeySize]byte{}, ErrStaleEpoch
	}
	return key, nil
}

// CurrentKey returns the key for the current epoch.
func (g *Group) CurrentKey() (uint64, [crypto.KeySize]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epoch, g.key
}

// InstallEpochKey installs a key received from a moderator's rotation,
// for members who learn of epochs through distribution rather than by
// performing the mutation themselves.
func (g *Group) InstallEpochKey(epoch uint64, key [crypto.KeySize]byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if epoch <= g.epoch {
		return ErrEpochConflict
	}

	g.retireKey()
	g.epoch = epoch
	g.key = key
	return nil
}

// Wipe erases all epoch keys held for the group.
func (g *Group) Wipe() {
	g.mu.Lock()
	defer g.mu.Unlock()

	crypto.WipeKey(&g.key)
	for epoch, key := range g.prevKeys {
		crypto.WipeKey(&key)
		delete(g.prevKeys, epoch)
	}
	g.dissolved = true
}

// checkMutation validates the actor and epoch preconditions shared by
// every mutation. Caller holds g.mu.
func (g *Group) checkMutation(actor keydir.DeviceID, actorEpoch uint64) (*Membership, error) {
	if g.dissolved {
		return nil, ErrGroupNotFound
	}
	acting, ok := g.members[actor]
	if !ok {
		return nil, ErrNotMember
	}
	if actorEpoch != g.epoch {
		return nil, fmt.Errorf("actor at epoch %d, group at %d: %w", actorEpoch, g.epoch, ErrEpochConflict)
	}
	return acting, nil
}

// advanceEpoch performs the single epoch increment every mutation ends
// with: retire the current key into the grace window, derive the next
// epoch's key from it plus a fresh secret, and snapshot the update the
// caller fans out once the lock is released. Caller holds g.mu.
func (g *Group) advanceEpoch(mutation string) (*KeyUpdate, error) {
	fresh := make([]byte, crypto.KeySize)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("generating rotation secret: %w", err)
	}

	g.retireKey()
	g.epoch++
	g.key = crypto.DeriveGroupKey(g.key, g.epoch, fresh)
	crypto.SecureWipe(fresh)

	logrus.WithFields(logrus.Fields{
		"function": "advanceEpoch",
		"group":    g.id,
		"epoch":    g.epoch,
		"mutation": mutation,
		"members":  len(g.members),
	}).Info("Group epoch advanced")

	update := &KeyUpdate{
		Group:   g.id,
		Epoch:   g.epoch,
		Key:     g.key,
		Members: make([]Membership, 0, len(g.members)),
	}
	for _, m := range g.members {
		update.Members = append(update.Members, *m)
	}
	sort.Slice(update.Members, func(i, j int) bool {
		return update.Members[i].Device < update.Members[j].Device
	})
	return update, nil
}

// retireKey moves the current key into the grace window and drops keys
// that fall out of it. Caller holds g.mu.
func (g *Group) retireKey() {
	g.prevKeys[g.epoch] = g.key
	for epoch := range g.prevKeys {
		if g.epoch+1-epoch > g.config.EpochGraceWindow {
			key := g.prevKeys[epoch]
			crypto.WipeKey(&key)
			delete(g.prevKeys, epoch)
		}
	}
}

// distribute fans an epoch's key update out to the roster it snapshots,
// in parallel, without holding the group lock. A failed delivery does
// not roll the epoch back; the member recovers through the grace window
// or a follow-up rotation.
func (g *Group) distribute(update *KeyUpdate) error {
	if g.distributor == nil {
		return nil
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(update.Members))

	for _, m := range update.Members {
		wg.Add(1)
		go func(device keydir.DeviceID) {
			defer wg.Done()
			if err := g.distributor.DistributeGroupKey(device, update); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "distribute",
					"group":    g.id,
					"epoch":    update.Epoch,
					"member":   device,
					"error":    err,
				}).Warn("Group key distribution failed for member")
				errCh <- fmt.Errorf("distributing to device %d: %w", device, err)
			}
		}(m.Device)
	}
	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
