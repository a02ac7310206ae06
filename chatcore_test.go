package chatcore

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/chatcore/call"
	"github.com/opd-ai/chatcore/crypto"
	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/group"
	"github.com/opd-ai/chatcore/keydir"
	"github.com/opd-ai/chatcore/transport"
)

const (
	eventuallyTimeout = 3 * time.Second
	eventuallyTick    = 10 * time.Millisecond
)

// inbox collects decrypted messages for assertions.
type inbox struct {
	mu       sync.Mutex
	messages []string
	senders  []keydir.DeviceID
}

func (in *inbox) add(from keydir.DeviceID, message []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.messages = append(in.messages, string(message))
	in.senders = append(in.senders, from)
}

func (in *inbox) contains(message string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, m := range in.messages {
		if m == message {
			return true
		}
	}
	return false
}

func (in *inbox) len() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.messages)
}

type testBench struct {
	directory *keydir.Directory
	hub       *transport.LoopbackHub
}

func newBench() *testBench {
	return &testBench{
		directory: keydir.New(keydir.DefaultConfig()),
		hub:       transport.NewLoopbackHub(),
	}
}

func (b *testBench) engine(t *testing.T, device keydir.DeviceID) (*Engine, *inbox) {
	t.Helper()

	options := NewOptions()
	options.DeviceID = device
	options.Directory = b.directory
	options.Transport = b.hub.Attach(device)

	e, err := New(options)
	require.NoError(t, err)
	t.Cleanup(e.Kill)

	in := &inbox{}
	e.OnMessage(in.add)
	return e, in
}

func TestMessagingRoundTrip(t *testing.T) {
	bench := newBench()
	alice, aliceInbox := bench.engine(t, 1)
	bob, bobInbox := bench.engine(t, 2)

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("hello bob")))
	assert.Eventually(t, func() bool {
		return bobInbox.contains("hello bob")
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, bob.SendMessage(alice.DeviceID(), []byte("hello alice")))
	assert.Eventually(t, func() bool {
		return aliceInbox.contains("hello alice")
	}, eventuallyTimeout, eventuallyTick)

	// Several rounds in both directions exercise the ratchet's key
	// rotation across the same transport.
	for i := 0; i < 5; i++ {
		require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte(fmt.Sprintf("ping %d", i))))
		require.NoError(t, bob.SendMessage(alice.DeviceID(), []byte(fmt.Sprintf("pong %d", i))))
	}
	assert.Eventually(t, func() bool {
		return bobInbox.contains("ping 4") && aliceInbox.contains("pong 4")
	}, eventuallyTimeout, eventuallyTick)
}

func TestRevokedDeviceSessionDestroyed(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, bobInbox := bench.engine(t, 2)

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("before revoke")))
	assert.Eventually(t, func() bool {
		return bobInbox.contains("before revoke")
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, bench.directory.Revoke(bob.DeviceID()))

	_, ok := alice.lookupSession(bob.DeviceID())
	assert.False(t, ok, "pairwise session should be destroyed on revocation")

	err := alice.SendMessage(bob.DeviceID(), []byte("after revoke"))
	assert.ErrorIs(t, err, keydir.ErrDeviceRevoked)
}

func TestMessagesDeliverInOrder(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, bobInbox := bench.engine(t, 2)

	for i := 0; i < 10; i++ {
		require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte(fmt.Sprintf("m%d", i))))
	}

	assert.Eventually(t, func() bool {
		return bobInbox.len() == 10
	}, eventuallyTimeout, eventuallyTick)

	bobInbox.mu.Lock()
	defer bobInbox.mu.Unlock()
	for i, m := range bobInbox.messages {
		assert.Equal(t, fmt.Sprintf("m%d", i), m)
	}
}

func TestExhaustedOneTimeKeysFallsBackToLongTermHandshake(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, bobInbox := bench.engine(t, 2)

	// Drain bob's one-time key pool so establishment has nothing fresh.
	for {
		if _, err := bench.directory.ConsumeOneTimeKey(bob.DeviceID()); err != nil {
			require.ErrorIs(t, err, keydir.ErrOneTimeKeysExhausted)
			break
		}
	}

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("over the fallback")))
	assert.Eventually(t, func() bool {
		return bobInbox.contains("over the fallback")
	}, eventuallyTimeout, eventuallyTick)
}

func TestGroupLifecycle(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, _ := bench.engine(t, 2)

	bobGroupInbox := &inbox{}
	bob.OnGroupMessage(func(_ group.ID, from keydir.DeviceID, message []byte) {
		bobGroupInbox.add(from, message)
	})
	aliceGroupInbox := &inbox{}
	alice.OnGroupMessage(func(_ group.ID, from keydir.DeviceID, message []byte) {
		aliceGroupInbox.add(from, message)
	})

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, alice.AddGroupMember(groupID, bob.DeviceID()))

	// Bob learns the group, roster, and epoch key from the invite.
	assert.Eventually(t, func() bool {
		g, err := bob.Group(groupID)
		return err == nil && g.MemberCount() == 2
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, alice.SendGroupMessage(groupID, []byte("welcome")))
	assert.Eventually(t, func() bool {
		return bobGroupInbox.contains("welcome")
	}, eventuallyTimeout, eventuallyTick)

	// A plain member cannot rotate the group key.
	err = bob.RotateGroupKey(groupID)
	assert.ErrorIs(t, err, group.ErrPermissionDenied)

	// Promotion travels to bob through a key update.
	require.NoError(t, alice.ChangeGroupRole(groupID, bob.DeviceID(), group.RoleModerator))
	assert.Eventually(t, func() bool {
		g, err := bob.Group(groupID)
		if err != nil {
			return false
		}
		m, err := g.Member(bob.DeviceID())
		return err == nil && m.Role == group.RoleModerator
	}, eventuallyTimeout, eventuallyTick)

	// As moderator, bob's rotation advances everyone's epoch.
	require.NoError(t, bob.RotateGroupKey(groupID))
	assert.Eventually(t, func() bool {
		g, err := alice.Group(groupID)
		if err != nil {
			return false
		}
		bg, err := bob.Group(groupID)
		return err == nil && g.Epoch() == bg.Epoch()
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, bob.SendGroupMessage(groupID, []byte("fresh epoch")))
	assert.Eventually(t, func() bool {
		return aliceGroupInbox.contains("fresh epoch")
	}, eventuallyTimeout, eventuallyTick)
}

func TestGroupMessageSenderCannotBeForged(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, _ := bench.engine(t, 2)
	eve, _ := bench.engine(t, 3)

	bobGroupInbox := &inbox{}
	bob.OnGroupMessage(func(_ group.ID, from keydir.DeviceID, message []byte) {
		bobGroupInbox.add(from, message)
	})

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, alice.AddGroupMember(groupID, bob.DeviceID()))
	require.NoError(t, alice.AddGroupMember(groupID, eve.DeviceID()))
	require.Eventually(t, func() bool {
		bg, errB := bob.Group(groupID)
		eg, errE := eve.Group(groupID)
		return errB == nil && errE == nil && bg.MemberCount() == 3 && eg.MemberCount() == 3
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, alice.SendGroupMessage(groupID, []byte("legit")))
	require.Eventually(t, func() bool {
		return bobGroupInbox.contains("legit")
	}, eventuallyTimeout, eventuallyTick)

	// Eve holds the epoch key like every member and can seal a valid
	// envelope tag, but she cannot produce alice's signature over the
	// message.
	eg, err := eve.Group(groupID)
	require.NoError(t, err)
	epoch, key := eg.CurrentKey()
	forgedBody := []byte("send the funds to eve")
	sig, err := eve.identity.Sign(groupSigningInput(groupID, epoch, 1, forgedBody))
	require.NoError(t, err)

	nonce, err := crypto.GenerateNonce()
	require.NoError(t, err)
	sealed, err := crypto.EncryptSymmetric(append(sig[:], forgedBody...), nonce, key)
	require.NoError(t, err)

	forged := &envelope.Envelope{
		Version:       envelope.Version,
		Kind:          envelope.KindMessage,
		SenderDevice:  alice.DeviceID(),
		RecipientKind: envelope.RecipientGroup,
		Recipient:     uint64(groupID),
		Epoch:         epoch,
		Counter:       1,
		Ciphertext:    append(nonce[:], sealed...),
	}
	require.NoError(t, envelope.Seal(forged, key))
	bob.enqueueEnvelope(forged)

	assert.Never(t, func() bool {
		return bobGroupInbox.contains("send the funds to eve")
	}, 300*time.Millisecond, 20*time.Millisecond)
}

func TestRemovedMemberStopsReceivingNewEpochs(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, _ := bench.engine(t, 2)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, alice.AddGroupMember(groupID, bob.DeviceID()))
	assert.Eventually(t, func() bool {
		_, err := bob.Group(groupID)
		return err == nil
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, alice.RemoveGroupMember(groupID, bob.DeviceID()))
	require.NoError(t, alice.RotateGroupKey(groupID))

	ag, err := alice.Group(groupID)
	require.NoError(t, err)
	assert.Never(t, func() bool {
		bg, err := bob.Group(groupID)
		return err == nil && bg.Epoch() >= ag.Epoch()
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestCallLifecycle(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, bobInbox := bench.engine(t, 2)

	// A session exists from prior messaging, as it would in practice.
	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("calling you next")))
	require.Eventually(t, func() bool {
		return bobInbox.contains("calling you next")
	}, eventuallyTimeout, eventuallyTick)

	var ringing struct {
		mu   sync.Mutex
		id   call.CallID
		from keydir.DeviceID
		seen bool
	}
	bob.OnIncomingCall(func(id call.CallID, from keydir.DeviceID) {
		ringing.mu.Lock()
		defer ringing.mu.Unlock()
		ringing.id, ringing.from, ringing.seen = id, from, true
	})

	callID, err := alice.StartCall(bob.DeviceID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		ringing.mu.Lock()
		defer ringing.mu.Unlock()
		return ringing.seen
	}, eventuallyTimeout, eventuallyTick)

	ringing.mu.Lock()
	assert.Equal(t, callID, ringing.id)
	assert.Equal(t, alice.DeviceID(), ringing.from)
	ringing.mu.Unlock()

	require.NoError(t, bob.AcceptCall(callID))

	aliceCall, err := alice.Call(callID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return aliceCall.State() == call.StateConnecting
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, alice.CallMediaReady(callID))
	bobCall, err := bob.Call(callID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return aliceCall.State() == call.StateActive && bobCall.State() == call.StateActive
	}, eventuallyTimeout, eventuallyTick)

	require.NoError(t, bob.HangupCall(callID))
	require.Eventually(t, func() bool {
		return aliceCall.State() == call.StateEnded
	}, eventuallyTimeout, eventuallyTick)
	assert.Equal(t, call.ReasonHangup, aliceCall.Reason())
}

func TestDeclinedCallEnds(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bob, _ := bench.engine(t, 2)

	var endState struct {
		mu     sync.Mutex
		reason call.EndReason
		seen   bool
	}
	alice.OnCallStateChange(func(_ call.CallID, state call.ParticipantState, reason call.EndReason) {
		if state == call.StateEnded {
			endState.mu.Lock()
			defer endState.mu.Unlock()
			endState.reason, endState.seen = reason, true
		}
	})

	var incoming struct {
		mu   sync.Mutex
		id   call.CallID
		seen bool
	}
	bob.OnIncomingCall(func(id call.CallID, _ keydir.DeviceID) {
		incoming.mu.Lock()
		defer incoming.mu.Unlock()
		incoming.id, incoming.seen = id, true
	})

	callID, err := alice.StartCall(bob.DeviceID())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		incoming.mu.Lock()
		defer incoming.mu.Unlock()
		return incoming.seen
	}, eventuallyTimeout, eventuallyTick)
	require.NoError(t, bob.DeclineCall(callID))

	require.Eventually(t, func() bool {
		endState.mu.Lock()
		defer endState.mu.Unlock()
		return endState.seen
	}, eventuallyTimeout, eventuallyTick)

	endState.mu.Lock()
	assert.Equal(t, call.ReasonDeclined, endState.reason)
	endState.mu.Unlock()
}

func TestKilledEngineRejectsOperations(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)
	bench.engine(t, 2)

	alice.Kill()

	assert.ErrorIs(t, alice.SendMessage(2, []byte("too late")), ErrEngineKilled)
	_, err := alice.CreateGroup()
	assert.ErrorIs(t, err, ErrEngineKilled)
	_, err = alice.StartCall(2)
	assert.ErrorIs(t, err, ErrEngineKilled)
}

func TestRestoreGroupFromStore(t *testing.T) {
	bench := newBench()
	alice, _ := bench.engine(t, 1)

	groupID, err := alice.CreateGroup()
	require.NoError(t, err)
	require.NoError(t, alice.RotateGroupKey(groupID))

	blob, err := alice.store.LoadGroup(uint64(groupID))
	require.NoError(t, err)
	require.NotEmpty(t, blob)

	update, err := group.DecodeKeyUpdate(blob)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), update.Epoch)

	// A fresh engine restores the group from the same store.
	options := NewOptions()
	options.DeviceID = 9
	options.Directory = bench.directory
	options.Transport = bench.hub.Attach(9)
	options.Store = alice.store
	restored, err := New(options)
	require.NoError(t, err)
	defer restored.Kill()

	require.NoError(t, restored.RestoreGroup(groupID))
	g, err := restored.Group(groupID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), g.Epoch())
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)

	options := NewOptions()
	options.DeviceID = 1
	_, err = New(options)
	assert.Error(t, err)

	options.Directory = keydir.New(keydir.DefaultConfig())
	_, err = New(options)
	assert.Error(t, err)
}

// recordingTransport passes traffic through while keeping the handshake
// envelopes it sent, so a test can deliver one a second time.
type recordingTransport struct {
	transport.Transport
	mu         sync.Mutex
	handshakes []*envelope.Envelope
}

func (r *recordingTransport) Send(device keydir.DeviceID, env *envelope.Envelope) error {
	if env.Kind == envelope.KindHandshake {
		r.mu.Lock()
		r.handshakes = append(r.handshakes, env)
		r.mu.Unlock()
	}
	return r.Transport.Send(device, env)
}

func (r *recordingTransport) firstHandshake() *envelope.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handshakes) == 0 {
		return nil
	}
	return r.handshakes[0]
}

func TestReplayedHandshakeDoesNotDisruptSession(t *testing.T) {
	bench := newBench()
	rt := &recordingTransport{Transport: bench.hub.Attach(1)}

	options := NewOptions()
	options.DeviceID = 1
	options.Directory = bench.directory
	options.Transport = rt
	alice, err := New(options)
	require.NoError(t, err)
	t.Cleanup(alice.Kill)

	bob, bobInbox := bench.engine(t, 2)

	// Drain bob's one-time key pool so establishment runs the
	// long-term-only handshake, whose initiation a lossy network can
	// deliver more than once.
	for {
		if _, err := bench.directory.ConsumeOneTimeKey(bob.DeviceID()); err != nil {
			require.ErrorIs(t, err, keydir.ErrOneTimeKeysExhausted)
			break
		}
	}

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("first")))
	require.Eventually(t, func() bool {
		return bobInbox.contains("first")
	}, eventuallyTimeout, eventuallyTick)

	// The duplicated initiation arrives twice more. If it were processed
	// again it would replace bob's live session with one alice never
	// completes.
	duplicate := rt.firstHandshake()
	require.NotNil(t, duplicate)
	bob.enqueueEnvelope(duplicate)
	bob.enqueueEnvelope(duplicate)

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("second")))
	assert.Eventually(t, func() bool {
		return bobInbox.contains("second")
	}, eventuallyTimeout, eventuallyTick)
}

// reorderingTransport holds one message envelope back and releases it
// after the next handshake goes out, so traffic sealed before a rekey
// arrives after the peer installed the new session root.
type reorderingTransport struct {
	transport.Transport
	mu    sync.Mutex
	armed bool
	held  *envelope.Envelope
	peer  keydir.DeviceID
}

func (r *reorderingTransport) arm() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = true
}

func (r *reorderingTransport) Send(device keydir.DeviceID, env *envelope.Envelope) error {
	r.mu.Lock()
	if r.armed && env.Kind == envelope.KindMessage {
		r.armed = false
		r.held, r.peer = env, device
		r.mu.Unlock()
		return nil
	}
	var held *envelope.Envelope
	var peer keydir.DeviceID
	if env.Kind == envelope.KindHandshake && r.held != nil {
		held, peer = r.held, r.peer
		r.held = nil
	}
	r.mu.Unlock()

	if err := r.Transport.Send(device, env); err != nil {
		return err
	}
	if held != nil {
		return r.Transport.Send(peer, held)
	}
	return nil
}

func TestTrafficSpanningRekeyStillDelivers(t *testing.T) {
	bench := newBench()
	rt := &reorderingTransport{Transport: bench.hub.Attach(1)}

	options := NewOptions()
	options.DeviceID = 1
	options.Directory = bench.directory
	options.Transport = rt
	options.Ratchet.RekeyInterval = 2
	alice, err := New(options)
	require.NoError(t, err)
	t.Cleanup(alice.Kill)

	bob, bobInbox := bench.engine(t, 2)

	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("r1")))
	require.Eventually(t, func() bool {
		return bobInbox.contains("r1")
	}, eventuallyTimeout, eventuallyTick)

	// The second send crosses the rekey interval. Its envelope, sealed
	// under the retiring session, reaches bob only after the
	// re-establishment handshake did.
	rt.arm()
	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("r2")))
	require.NoError(t, alice.SendMessage(bob.DeviceID(), []byte("r3")))

	assert.Eventually(t, func() bool {
		return bobInbox.contains("r2") && bobInbox.contains("r3")
	}, eventuallyTimeout, eventuallyTick)
}

func TestUnknownSenderEnvelopeDropped(t *testing.T) {
	bench := newBench()
	alice, aliceInbox := bench.engine(t, 1)
	bob, _ := bench.engine(t, 2)

	// A well-formed message envelope from a device alice has no session
	// with is rejected, not delivered.
	require.NoError(t, bob.SendMessage(alice.DeviceID(), []byte("first contact")))
	assert.Eventually(t, func() bool {
		return aliceInbox.contains("first contact")
	}, eventuallyTimeout, eventuallyTick)

	err := alice.SendMessage(99, []byte("nobody home"))
	assert.ErrorIs(t, err, keydir.ErrDeviceNotFound)
}
