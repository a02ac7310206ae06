package group

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/crypto"
)

func testUpdate(epoch uint64) *KeyUpdate {
	var key [crypto.KeySize]byte
	key[0] = byte(epoch)
	return &KeyUpdate{
		Group: 42,
		Epoch: epoch,
		Key:   key,
		Members: []Membership{
			{Device: owner, Role: RoleOwner, JoinEpoch: 0},
			{Device: member, Role: RoleMember, JoinEpoch: epoch},
		},
	}
}

func TestKeyUpdateRoundTrip(t *testing.T) {
	update := testUpdate(3)

	encoded, err := EncodeKeyUpdate(update)
	require.NoError(t, err)

	decoded, err := DecodeKeyUpdate(encoded)
	require.NoError(t, err)
	assert.Equal(t, update, decoded)
}

func TestDecodeKeyUpdateRejectsMalformed(t *testing.T) {
	encoded, err := EncodeKeyUpdate(testUpdate(1))
	require.NoError(t, err)

	_, err = DecodeKeyUpdate(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrMalformedUpdate)

	encoded[updateHeaderSize+8] = 0xFF // invalid role
	_, err = DecodeKeyUpdate(encoded)
	assert.ErrorIs(t, err, ErrMalformedUpdate)
}

func TestApplyUpdateCreatesInvitedGroup(t *testing.T) {
	m := NewManager(nil, DefaultConfig())

	g, err := m.ApplyUpdate(testUpdate(3))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), g.Epoch())
	assert.Equal(t, 2, g.MemberCount())

	got, err := m.Get(42)
	require.NoError(t, err)
	assert.Same(t, g, got)

	membership, err := g.Member(member)
	require.NoError(t, err)
	assert.Equal(t, RoleMember, membership.Role)
}

func TestApplyUpdateAdvancesEpochForwardOnly(t *testing.T) {
	m := NewManager(nil, DefaultConfig())

	g, err := m.ApplyUpdate(testUpdate(3))
	require.NoError(t, err)

	_, err = m.ApplyUpdate(testUpdate(3))
	assert.ErrorIs(t, err, ErrEpochConflict)
	_, err = m.ApplyUpdate(testUpdate(2))
	assert.ErrorIs(t, err, ErrEpochConflict)

	_, err = m.ApplyUpdate(testUpdate(4))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), g.Epoch())

	// The superseded epoch stays usable inside the grace window.
	prev, err := g.KeyForEpoch(3)
	require.NoError(t, err)
	assert.Equal(t, testUpdate(3).Key, prev)
}
