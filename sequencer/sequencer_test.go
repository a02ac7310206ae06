package sequencer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/keydir"
)

type recorder struct {
	mu       sync.Mutex
	counters []uint64
}

func (r *recorder) deliver(env *envelope.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, env.Counter)
}

func (r *recorder) delivered() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.counters))
	copy(out, r.counters)
	return out
}

func testEnvelope(sender keydir.DeviceID, counter uint64) *envelope.Envelope {
	return &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          envelope.KindMessage,
		SenderDevice:  sender,
		RecipientKind: envelope.RecipientDevice,
		Recipient:     99,
		Counter:       counter,
	}
}

func TestInOrderDelivery(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	for i := uint64(0); i < 5; i++ {
		require.NoError(t, seq.Receive(testEnvelope(1, i)))
	}

	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, rec.delivered())
	assert.Equal(t, 0, seq.BufferedCount(1))
}

func TestOutOfOrderBurstDeliversInOrder(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	// Counters 3, 1, 4, 2 arrive first: everything waits on 0.
	for _, c := range []uint64{3, 1, 4, 2} {
		require.NoError(t, seq.Receive(testEnvelope(1, c)))
	}
	assert.Empty(t, rec.delivered())
	assert.Equal(t, 4, seq.BufferedCount(1))

	// The missing envelope releases the whole run in counter order.
	require.NoError(t, seq.Receive(testEnvelope(1, 0)))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4}, rec.delivered())
	assert.Equal(t, 0, seq.BufferedCount(1))
	assert.Equal(t, 0, seq.GapTimeouts())
}

func TestReplayOfDeliveredCounterRejected(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	require.NoError(t, seq.Receive(testEnvelope(1, 0)))
	require.NoError(t, seq.Receive(testEnvelope(1, 1)))

	err := seq.Receive(testEnvelope(1, 0))
	assert.ErrorIs(t, err, ErrReplayDetected)
	assert.Equal(t, []uint64{0, 1}, rec.delivered())
}

func TestDuplicateBufferedCounterRejected(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	require.NoError(t, seq.Receive(testEnvelope(1, 5)))
	err := seq.Receive(testEnvelope(1, 5))
	assert.ErrorIs(t, err, ErrReplayDetected)
	assert.Equal(t, 1, seq.BufferedCount(1))
}

func TestSendersSequenceIndependently(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	// Sender 2 waiting on a gap does not block sender 1.
	require.NoError(t, seq.Receive(testEnvelope(2, 7)))
	require.NoError(t, seq.Receive(testEnvelope(1, 0)))
	require.NoError(t, seq.Receive(testEnvelope(1, 1)))

	assert.Equal(t, []uint64{0, 1}, rec.delivered())
	assert.Equal(t, 1, seq.BufferedCount(2))
}

func TestGapWindowExpiryFlushesInCounterOrder(t *testing.T) {
	rec := &recorder{}
	config := Config{GapWindow: 20 * time.Millisecond, MaxBufferedPerSender: 256}
	seq := New(config, rec.deliver, nil)

	require.NoError(t, seq.Receive(testEnvelope(1, 4)))
	require.NoError(t, seq.Receive(testEnvelope(1, 2)))
	require.NoError(t, seq.Receive(testEnvelope(1, 3)))

	assert.Eventually(t, func() bool {
		return seq.GapTimeouts() == 1
	}, time.Second, 5*time.Millisecond)

	// Out of strict order, but per-sender monotonic.
	assert.Equal(t, []uint64{2, 3, 4}, rec.delivered())

	// The late gap-filler is now a replay.
	err := seq.Receive(testEnvelope(1, 0))
	assert.ErrorIs(t, err, ErrReplayDetected)

	// Delivery resumes past the flushed range.
	require.NoError(t, seq.Receive(testEnvelope(1, 5)))
	assert.Equal(t, []uint64{2, 3, 4, 5}, rec.delivered())
}

func TestGapFillCancelsTimer(t *testing.T) {
	rec := &recorder{}
	config := Config{GapWindow: 30 * time.Millisecond, MaxBufferedPerSender: 256}
	seq := New(config, rec.deliver, nil)

	require.NoError(t, seq.Receive(testEnvelope(1, 1)))
	require.NoError(t, seq.Receive(testEnvelope(1, 0)))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, seq.GapTimeouts())
	assert.Equal(t, []uint64{0, 1}, rec.delivered())
}

func TestBufferBoundFlushesEarly(t *testing.T) {
	rec := &recorder{}
	config := Config{GapWindow: time.Hour, MaxBufferedPerSender: 4}
	seq := New(config, rec.deliver, nil)

	for _, c := range []uint64{10, 12, 11, 13} {
		require.NoError(t, seq.Receive(testEnvelope(1, c)))
	}

	assert.Equal(t, 1, seq.GapTimeouts())
	assert.Equal(t, []uint64{10, 11, 12, 13}, rec.delivered())
	assert.Equal(t, 0, seq.BufferedCount(1))
}

func TestGapCallbackReportsMissingRange(t *testing.T) {
	rec := &recorder{}
	var gapSender keydir.DeviceID
	var gapFrom, gapTo uint64
	seq := New(DefaultConfig(), rec.deliver, func(sender keydir.DeviceID, from, to uint64) {
		gapSender, gapFrom, gapTo = sender, from, to
	})

	require.NoError(t, seq.Receive(testEnvelope(3, 6)))

	assert.Equal(t, keydir.DeviceID(3), gapSender)
	assert.Equal(t, uint64(0), gapFrom)
	assert.Equal(t, uint64(6), gapTo)
}

func TestCloseReleasesBufferedAndRejectsFurther(t *testing.T) {
	rec := &recorder{}
	config := Config{GapWindow: time.Hour, MaxBufferedPerSender: 256}
	seq := New(config, rec.deliver, nil)

	require.NoError(t, seq.Receive(testEnvelope(1, 2)))
	require.NoError(t, seq.Receive(testEnvelope(1, 1)))

	seq.Close()
	assert.Equal(t, []uint64{1, 2}, rec.delivered())

	err := seq.Receive(testEnvelope(1, 3))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNextOutboundStrictlyIncreases(t *testing.T) {
	seq := New(DefaultConfig(), func(*envelope.Envelope) {}, nil)

	var wg sync.WaitGroup
	seen := make([]uint64, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seen[i] = seq.NextOutbound()
		}(i)
	}
	wg.Wait()

	unique := make(map[uint64]bool)
	for _, c := range seen {
		assert.False(t, unique[c], "counter issued twice")
		unique[c] = true
	}
}

func TestPositionRoundTrip(t *testing.T) {
	rec := &recorder{}
	seq := New(DefaultConfig(), rec.deliver, nil)

	seq.NextOutbound()
	seq.NextOutbound()
	require.NoError(t, seq.Receive(testEnvelope(1, 0)))
	require.NoError(t, seq.Receive(testEnvelope(2, 0)))
	require.NoError(t, seq.Receive(testEnvelope(2, 1)))

	pos := seq.Position()
	decoded, err := DecodePosition(pos.Encode())
	require.NoError(t, err)

	assert.Equal(t, uint64(2), decoded.Counter)
	assert.Equal(t, uint64(1), decoded.Vector[1])
	assert.Equal(t, uint64(2), decoded.Vector[2])
}

func TestDecodePositionRejectsMalformed(t *testing.T) {
	_, err := DecodePosition([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrMalformedPosition)

	pos := Position{Counter: 1, Vector: map[keydir.DeviceID]uint64{1: 1}}
	encoded := pos.Encode()
	_, err = DecodePosition(encoded[:len(encoded)-1])
	assert.ErrorIs(t, err, ErrMalformedPosition)
}
