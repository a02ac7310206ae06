package keydir

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDevice(t *testing.T, dir *Directory, id DeviceID, keyCount int) *LocalIdentity {
	t.Helper()

	local, err := NewLocalIdentity(id)
	require.NoError(t, err)

	dir.Register(id, local.PublicBundle())

	if keyCount > 0 {
		batch, err := local.GenerateOneTimeKeys(keyCount)
		require.NoError(t, err)
		require.NoError(t, dir.PublishOneTimeKeys(id, batch))
	}

	return local
}

func TestResolveUnknownDevice(t *testing.T) {
	dir := New(DefaultConfig())
	_, err := dir.Resolve(DeviceID(42))
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestResolveReturnsRegisteredBundle(t *testing.T) {
	dir := New(DefaultConfig())
	local := newTestDevice(t, dir, 1, 0)

	keys, err := dir.Resolve(1)
	require.NoError(t, err)
	assert.Equal(t, local.PublicBundle(), *keys)
}

func TestConsumeOneTimeKeyRemovesExactlyOnce(t *testing.T) {
	dir := New(DefaultConfig())
	newTestDevice(t, dir, 1, 1)

	key, err := dir.ConsumeOneTimeKey(1)
	require.NoError(t, err)
	require.NotNil(t, key)

	_, err = dir.ConsumeOneTimeKey(1)
	assert.ErrorIs(t, err, ErrOneTimeKeysExhausted)
}

func TestConcurrentConsumptionNeverDuplicates(t *testing.T) {
	dir := New(DefaultConfig())
	const poolSize = 64
	newTestDevice(t, dir, 1, poolSize)

	var mu sync.Mutex
	seen := make(map[uint32]int)
	var exhausted int

	var wg sync.WaitGroup
	for i := 0; i < poolSize*2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key, err := dir.ConsumeOneTimeKey(1)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				exhausted++
				return
			}
			seen[key.ID]++
		}()
	}
	wg.Wait()

	assert.Equal(t, poolSize, len(seen))
	assert.Equal(t, poolSize, exhausted)
	for id, count := range seen {
		assert.Equalf(t, 1, count, "one-time key %d consumed more than once", id)
	}
}

func TestPublishRejectsDuplicateKeyIDs(t *testing.T) {
	dir := New(DefaultConfig())
	local := newTestDevice(t, dir, 1, 1)

	batch, err := local.GenerateOneTimeKeys(1)
	require.NoError(t, err)
	batch[0].ID = 1 // collides with the first published key

	err = dir.PublishOneTimeKeys(1, batch)
	assert.ErrorIs(t, err, ErrDuplicateKeyID)
}

func TestNeedsReplenishBelowThreshold(t *testing.T) {
	config := Config{BatchSize: 10, ReplenishThreshold: 3}
	dir := New(config)
	newTestDevice(t, dir, 1, 4)

	needs, err := dir.NeedsReplenish(1)
	require.NoError(t, err)
	assert.False(t, needs)

	_, err = dir.ConsumeOneTimeKey(1)
	require.NoError(t, err)
	_, err = dir.ConsumeOneTimeKey(1)
	require.NoError(t, err)

	needs, err = dir.NeedsReplenish(1)
	require.NoError(t, err)
	assert.True(t, needs)
}

func TestRevokeBlocksFurtherUseAndNotifies(t *testing.T) {
	dir := New(DefaultConfig())
	newTestDevice(t, dir, 1, 5)

	var revoked []DeviceID
	dir.OnRevoke(func(id DeviceID) { revoked = append(revoked, id) })

	require.NoError(t, dir.Revoke(1))
	assert.Equal(t, []DeviceID{1}, revoked)

	_, err := dir.Resolve(1)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
	_, err = dir.ConsumeOneTimeKey(1)
	assert.ErrorIs(t, err, ErrDeviceRevoked)
}

func TestRevokeNotifiesEveryRegisteredCallback(t *testing.T) {
	dir := New(DefaultConfig())
	newTestDevice(t, dir, 1, 5)

	var first, second []DeviceID
	dir.OnRevoke(func(id DeviceID) { first = append(first, id) })
	dir.OnRevoke(func(id DeviceID) { second = append(second, id) })

	require.NoError(t, dir.Revoke(1))
	assert.Equal(t, []DeviceID{1}, first)
	assert.Equal(t, []DeviceID{1}, second)
}

func TestTakeOneTimeKeyIsSingleUse(t *testing.T) {
	local, err := NewLocalIdentity(7)
	require.NoError(t, err)

	batch, err := local.GenerateOneTimeKeys(2)
	require.NoError(t, err)

	pair, err := local.TakeOneTimeKey(batch[0].ID)
	require.NoError(t, err)
	assert.Equal(t, batch[0].Key, pair.Public)

	_, err = local.TakeOneTimeKey(batch[0].ID)
	assert.Error(t, err)
}
