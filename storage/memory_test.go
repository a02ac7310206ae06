package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionRoundTrip(t *testing.T) {
	s := NewMemoryStore()

	require.NoError(t, s.SaveSession(1, []byte("session state")))
	got, err := s.LoadSession(1)
	require.NoError(t, err)
	assert.Equal(t, []byte("session state"), got)

	require.NoError(t, s.DeleteSession(1))
	_, err = s.LoadSession(1)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestMissingStateNotFound(t *testing.T) {
	s := NewMemoryStore()

	_, err := s.LoadSession(1)
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = s.LoadGroup(1)
	assert.ErrorIs(t, err, ErrStateNotFound)
	_, err = s.LoadCall([16]byte{1})
	assert.ErrorIs(t, err, ErrStateNotFound)

	assert.ErrorIs(t, s.DeleteSession(1), ErrStateNotFound)
	assert.ErrorIs(t, s.DeleteGroup(1), ErrStateNotFound)
	assert.ErrorIs(t, s.DeleteCall([16]byte{1}), ErrStateNotFound)
}

func TestStoredBlobsAreCopies(t *testing.T) {
	s := NewMemoryStore()

	blob := []byte("original")
	require.NoError(t, s.SaveGroup(7, blob))
	blob[0] = 'X'

	got, err := s.LoadGroup(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := s.LoadGroup(7)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestCloseWipesState(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.SaveCall([16]byte{1}, []byte("record")))
	require.NoError(t, s.Close())

	_, err := s.LoadCall([16]byte{1})
	assert.ErrorIs(t, err, ErrStateNotFound)
}
