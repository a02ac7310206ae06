package chatcore

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/group"
	"github.com/opd-ai/chatcore/keydir"
)

// groupDistributor fans epoch key updates out through pairwise sessions.
type groupDistributor struct {
	engine *Engine
}

func (d *groupDistributor) DistributeGroupKey(member keydir.DeviceID, update *group.KeyUpdate) error {
	e := d.engine
	if member == e.deviceID {
		return nil
	}

	payload, err := group.EncodeKeyUpdate(update)
	if err != nil {
		return err
	}
	s, err := e.sessionFor(member)
	if err != nil {
		return err
	}
	return e.sendThroughSession(s, member, envelope.KindGroupUpdate, payload)
}

// CreateGroup starts a new group with this device as Owner.
func (e *Engine) CreateGroup() (group.ID, error) {
	if !e.isRunning() {
		return 0, ErrEngineKilled
	}

	g, err := e.groups.Create(e.deviceID)
	if err != nil {
		return 0, err
	}
	e.persistGroup(g)
	return g.ID(), nil
}

// Group returns the group session with the given ID.
func (e *Engine) Group(id group.ID) (*group.Group, error) {
	return e.groups.Get(id)
}

// AddGroupMember invites a device into a group. The invitee receives the
// roster and new epoch key through its pairwise session.
func (e *Engine) AddGroupMember(id group.ID, device keydir.DeviceID) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.AddMember(e.deviceID, g.Epoch(), device)
	})
}

// RemoveGroupMember removes a device from a group and rotates the key.
func (e *Engine) RemoveGroupMember(id group.ID, device keydir.DeviceID) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.RemoveMember(e.deviceID, g.Epoch(), device)
	})
}

// ChangeGroupRole sets a member's role in a group.
func (e *Engine) ChangeGroupRole(id group.ID, device keydir.DeviceID, role group.Role) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.ChangeRole(e.deviceID, g.Epoch(), device, role)
	})
}

// TransferGroupOwnership makes another member the group's Owner.
func (e *Engine) TransferGroupOwnership(id group.ID, device keydir.DeviceID) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.TransferOwnership(e.deviceID, g.Epoch(), device)
	})
}

// RotateGroupKey forces a key rotation without a roster change.
func (e *Engine) RotateGroupKey(id group.ID) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.RotateKey(e.deviceID, g.Epoch())
	})
}

// LeaveGroup removes this device from a group.
func (e *Engine) LeaveGroup(id group.ID) error {
	return e.mutateGroup(id, func(g *group.Group) error {
		return g.Leave(e.deviceID, g.Epoch())
	})
}

// mutateGroup runs one group mutation and persists the outcome.
func (e *Engine) mutateGroup(id group.ID, mutate func(*group.Group) error) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}

	g, err := e.groups.Get(id)
	if err != nil {
		return err
	}
	if err := mutate(g); err != nil {
		return err
	}
	e.persistGroup(g)
	return nil
}

// groupSigningInput binds a sender's signature to the exact slot the
// message occupies: group, epoch, counter, then the message bytes.
func groupSigningInput(id group.ID, epoch, counter uint64, message []byte) []byte {
	input := make([]byte, 24, 24+len(message))
	binary.BigEndian.PutUint64(input[0:8], uint64(id))
	binary.BigEndian.PutUint64(input[8:16], epoch)
	binary.BigEndian.PutUint64(input[16:24], counter)
	return append(input, message...)
}

// SendGroupMessage encrypts a message under the group's current epoch
// key and fans it out to every member device. The plaintext carries the
// sender's signature, so members cannot impersonate each other even
// though they all hold the epoch key.
func (e *Engine) SendGroupMessage(id group.ID, message []byte) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}

	g, err := e.groups.Get(id)
	if err != nil {
		return err
	}

	epoch, key := g.CurrentKey()
	seq := e.sequencerFor(conversationKey{kind: envelope.RecipientGroup, id: uint64(id)})
	counter := seq.NextOutbound()

	sig, err := e.identity.Sign(groupSigningInput(id, epoch, counter, message))
	if err != nil {
		return fmt.Errorf("signing group message: %w", err)
	}
	plaintext := append(sig[:], message...)

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return err
	}
	sealed, err := crypto.EncryptSymmetric(plaintext, nonce, key)
	if err != nil {
		return fmt.Errorf("encrypting group message: %w", err)
	}

	env := &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          envelope.KindMessage,
		SenderDevice:  e.deviceID,
		RecipientKind: envelope.RecipientGroup,
		Recipient:     uint64(id),
		Epoch:         epoch,
		Counter:       counter,
		SeqToken:      seq.Position().Encode(),
		Ciphertext:    append(nonce[:], sealed...),
	}
	if err := envelope.Seal(env, key); err != nil {
		return err
	}

	var errs []error
	for _, member := range g.Members() {
		if member.Device == e.deviceID {
			continue
		}
		if err := e.transport.Send(member.Device, env); err != nil {
			errs = append(errs, fmt.Errorf("sending to device %d: %w", member.Device, err))
		}
	}
	return errors.Join(errs...)
}

// handleGroupMessage authenticates and decrypts a group-addressed
// envelope with the epoch key it names.
func (e *Engine) handleGroupMessage(env *envelope.Envelope) error {
	g, err := e.groups.Get(group.ID(env.Recipient))
	if err != nil {
		return err
	}
	key, err := g.KeyForEpoch(env.Epoch)
	if err != nil {
		return err
	}
	if !envelope.VerifyTag(env, key) {
		return fmt.Errorf("group envelope from %d failed authentication: %w", env.SenderDevice, ErrEnvelopeRejected)
	}
	if len(env.Ciphertext) < len(crypto.Nonce{}) {
		return fmt.Errorf("group envelope from %d: %w", env.SenderDevice, envelope.ErrMalformedEnvelope)
	}

	var nonce crypto.Nonce
	copy(nonce[:], env.Ciphertext[:len(nonce)])
	plaintext, err := crypto.DecryptSymmetric(env.Ciphertext[len(nonce):], nonce, key)
	if err != nil {
		return fmt.Errorf("decrypting group message from %d: %w", env.SenderDevice, err)
	}
	if len(plaintext) < crypto.SignatureSize {
		return fmt.Errorf("group envelope from %d: %w", env.SenderDevice, envelope.ErrMalformedEnvelope)
	}

	// Every member holds the epoch key, so the envelope tag alone does
	// not prove who sent it. The sender's signature inside does.
	var sig crypto.Signature
	copy(sig[:], plaintext[:crypto.SignatureSize])
	message := plaintext[crypto.SignatureSize:]

	bundle, err := e.directory.Resolve(env.SenderDevice)
	if err != nil {
		return fmt.Errorf("resolving group sender %d: %w", env.SenderDevice, err)
	}
	input := groupSigningInput(group.ID(env.Recipient), env.Epoch, env.Counter, message)
	ok, err := crypto.Verify(input, sig, bundle.SigningKey)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("group envelope claims sender %d but signature does not verify: %w", env.SenderDevice, ErrEnvelopeRejected)
	}

	e.callbackMu.RLock()
	fn := e.groupMsgFunc
	e.callbackMu.RUnlock()

	if fn != nil {
		fn(group.ID(env.Recipient), env.SenderDevice, message)
	}
	return nil
}

// handleGroupUpdate installs an epoch key update received through a
// pairwise session.
func (e *Engine) handleGroupUpdate(env *envelope.Envelope) error {
	payload, err := e.decryptFromPeer(env)
	if err != nil {
		return err
	}
	update, err := group.DecodeKeyUpdate(payload)
	if err != nil {
		return err
	}

	g, err := e.groups.ApplyUpdate(update)
	if err != nil {
		if errors.Is(err, group.ErrEpochConflict) {
			// Our own mutation or a faster peer already advanced past
			// this epoch.
			logrus.WithFields(logrus.Fields{
				"function": "handleGroupUpdate",
				"group":    update.Group,
				"epoch":    update.Epoch,
			}).Debug("Superseded group key update ignored")
			return nil
		}
		return err
	}

	e.persistGroup(g)

	logrus.WithFields(logrus.Fields{
		"function": "handleGroupUpdate",
		"group":    update.Group,
		"epoch":    update.Epoch,
		"members":  len(update.Members),
	}).Info("Group key update installed")
	return nil
}

// persistGroup saves a group's roster and current epoch key.
func (e *Engine) persistGroup(g *group.Group) {
	epoch, key := g.CurrentKey()
	blob, err := group.EncodeKeyUpdate(&group.KeyUpdate{
		Group:   g.ID(),
		Epoch:   epoch,
		Key:     key,
		Members: g.Members(),
	})
	if err == nil {
		err = e.store.SaveGroup(uint64(g.ID()), blob)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "persistGroup",
			"group":    g.ID(),
			"error":    err,
		}).Warn("Group state persistence failed")
	}
}

// RestoreGroup reloads a group's state from the store, for engines that
// restart with durable storage.
func (e *Engine) RestoreGroup(id group.ID) error {
	blob, err := e.store.LoadGroup(uint64(id))
	if err != nil {
		return err
	}
	update, err := group.DecodeKeyUpdate(blob)
	if err != nil {
		return err
	}
	_, err = e.groups.ApplyUpdate(update)
	return err
}
