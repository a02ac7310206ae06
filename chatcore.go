// Package chatcore implements an end-to-end encrypted messaging and
// calling engine: pairwise sessions established by a triple key
// agreement, a double ratchet for message encryption, group sessions
// with epoch-numbered keys and a role lattice, per-conversation delivery
// sequencing, and call signaling.
//
// The engine owns protocol state only. Networking and persistence are
// collaborators passed in through Options; media transport for calls is
// external and driven through lifecycle callbacks.
//
// Basic usage:
//
//	directory := keydir.New(keydir.DefaultConfig())
//	hub := transport.NewLoopbackHub()
//
//	options := chatcore.NewOptions()
//	options.DeviceID = 1
//	options.Directory = directory
//	options.Transport = hub.Attach(1)
//
//	engine, err := chatcore.New(options)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer engine.Kill()
//
//	engine.OnMessage(func(from keydir.DeviceID, message []byte) {
//		fmt.Printf("%d: %s\n", from, message)
//	})
//	err = engine.SendMessage(2, []byte("hello"))
package chatcore

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/chatcore/call"
	"github.com/opd-ai/chatcore/envelope"
	"github.com/opd-ai/chatcore/group"
	"github.com/opd-ai/chatcore/keydir"
	"github.com/opd-ai/chatcore/sequencer"
	"github.com/opd-ai/chatcore/storage"
	"github.com/opd-ai/chatcore/transport"
)

// Sentinel errors for engine operations.
var (
	// ErrEngineKilled indicates an operation on a killed engine.
	ErrEngineKilled = errors.New("engine killed")

	// ErrEnvelopeRejected indicates an inbound envelope that failed
	// authentication and was dropped.
	ErrEnvelopeRejected = errors.New("envelope rejected")
)

// MessageFunc handles a decrypted pairwise message.
type MessageFunc func(from keydir.DeviceID, message []byte)

// GroupMessageFunc handles a decrypted group message.
type GroupMessageFunc func(groupID group.ID, from keydir.DeviceID, message []byte)

// CallStateFunc is notified when a call's aggregate state changes. Call
// operations must not be invoked synchronously from the callback.
type CallStateFunc func(id call.CallID, state call.ParticipantState, reason call.EndReason)

// IncomingCallFunc is notified when a remote device starts a call.
type IncomingCallFunc func(id call.CallID, from keydir.DeviceID)

// conversationKey names one sequencing domain: a peer device or a group.
type conversationKey struct {
	kind envelope.RecipientKind
	id   uint64
}

// Engine is the top-level chatcore object for one device.
type Engine struct {
	options   *Options
	deviceID  keydir.DeviceID
	identity  *keydir.LocalIdentity
	directory *keydir.Directory
	transport transport.Transport
	store     storage.Store

	sessionsMu sync.Mutex
	sessions   map[keydir.DeviceID]*pairSession

	sequencersMu sync.Mutex
	sequencers   map[conversationKey]*sequencer.Sequencer

	handshakesMu   sync.Mutex
	handshakesSeen map[keydir.DeviceID]map[[sha256.Size]byte]struct{}

	groups *group.Manager
	calls  *call.Manager

	callbackMu    sync.RWMutex
	messageFunc   MessageFunc
	groupMsgFunc  GroupMessageFunc
	callStateFunc CallStateFunc
	incomingFunc  IncomingCallFunc

	inbound chan *envelope.Envelope
	stop    chan struct{}
	loop    sync.WaitGroup

	runningMu sync.RWMutex
	running   bool
}

// inboundQueueSize bounds envelopes waiting for the processing loop.
const inboundQueueSize = 1024

// New creates an engine, publishes the device's key bundle and initial
// one-time key batch to the directory, and starts receiving envelopes.
func New(options *Options) (*Engine, error) {
	if options == nil {
		return nil, fmt.Errorf("options are nil")
	}
	if options.Directory == nil {
		return nil, fmt.Errorf("options.Directory is required")
	}
	if options.Transport == nil {
		return nil, fmt.Errorf("options.Transport is required")
	}
	if options.Store == nil {
		options.Store = storage.NewMemoryStore()
	}
	if options.OneTimeKeyBatch <= 0 {
		options.OneTimeKeyBatch = keydir.DefaultConfig().BatchSize
	}

	identity, err := keydir.NewLocalIdentity(options.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("generating device identity: %w", err)
	}

	e := &Engine{
		options:        options,
		deviceID:       options.DeviceID,
		identity:       identity,
		directory:      options.Directory,
		transport:      options.Transport,
		store:          options.Store,
		sessions:       make(map[keydir.DeviceID]*pairSession),
		sequencers:     make(map[conversationKey]*sequencer.Sequencer),
		handshakesSeen: make(map[keydir.DeviceID]map[[sha256.Size]byte]struct{}),
		inbound:        make(chan *envelope.Envelope, inboundQueueSize),
		stop:           make(chan struct{}),
		running:        true,
	}
	e.groups = group.NewManager(&groupDistributor{engine: e}, options.Group)
	e.calls = call.NewManager(&callSignaler{engine: e}, &callEvents{engine: e}, e.handleIncomingCall, options.Call)

	e.directory.Register(e.deviceID, identity.PublicBundle())
	e.directory.OnRevoke(e.handleRevokedDevice)
	if err := e.publishOneTimeKeys(); err != nil {
		return nil, err
	}

	e.transport.SetReceiveHandler(e.enqueueEnvelope)
	e.loop.Add(1)
	go e.processLoop()

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"device":   e.deviceID,
	}).Info("Engine started")

	return e, nil
}

// OnMessage sets the callback for decrypted pairwise messages.
func (e *Engine) OnMessage(fn MessageFunc) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.messageFunc = fn
}

// OnGroupMessage sets the callback for decrypted group messages.
func (e *Engine) OnGroupMessage(fn GroupMessageFunc) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.groupMsgFunc = fn
}

// OnCallStateChange sets the callback for call lifecycle transitions.
func (e *Engine) OnCallStateChange(fn CallStateFunc) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.callStateFunc = fn
}

// OnIncomingCall sets the callback for calls initiated by remote devices.
func (e *Engine) OnIncomingCall(fn IncomingCallFunc) {
	e.callbackMu.Lock()
	defer e.callbackMu.Unlock()
	e.incomingFunc = fn
}

// DeviceID returns this engine's device identifier.
func (e *Engine) DeviceID() keydir.DeviceID {
	return e.deviceID
}

// SendMessage encrypts a message for a peer device and hands it to the
// transport. A session is established on first use; messages that
// cannot be encrypted yet queue until the session is ready.
func (e *Engine) SendMessage(peer keydir.DeviceID, message []byte) error {
	if !e.isRunning() {
		return ErrEngineKilled
	}

	s, err := e.sessionFor(peer)
	if err != nil {
		return err
	}
	return e.sendThroughSession(s, peer, envelope.KindMessage, message)
}

// Kill shuts the engine down: calls hang up, sessions and groups wipe
// their key material, and the transport and store close.
func (e *Engine) Kill() {
	e.runningMu.Lock()
	if !e.running {
		e.runningMu.Unlock()
		return
	}
	e.running = false
	e.runningMu.Unlock()

	e.calls.Shutdown()

	close(e.stop)
	e.loop.Wait()

	e.sequencersMu.Lock()
	for key, seq := range e.sequencers {
		seq.Close()
		delete(e.sequencers, key)
	}
	e.sequencersMu.Unlock()

	e.sessionsMu.Lock()
	for peer, s := range e.sessions {
		s.wipe()
		delete(e.sessions, peer)
	}
	e.sessionsMu.Unlock()

	e.groups.Wipe()
	e.identity.Wipe()

	if err := e.transport.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err,
		}).Warn("Transport close failed")
	}
	if err := e.store.Close(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Kill",
			"error":    err,
		}).Warn("Store close failed")
	}

	logrus.WithFields(logrus.Fields{
		"function": "Kill",
		"device":   e.deviceID,
	}).Info("Engine stopped")
}

// publishOneTimeKeys generates a fresh one-time key batch and publishes
// the public halves to the directory.
func (e *Engine) publishOneTimeKeys() error {
	batch, err := e.identity.GenerateOneTimeKeys(e.options.OneTimeKeyBatch)
	if err != nil {
		return fmt.Errorf("generating one-time keys: %w", err)
	}
	if err := e.directory.PublishOneTimeKeys(e.deviceID, batch); err != nil {
		return fmt.Errorf("publishing one-time keys: %w", err)
	}
	return nil
}

// replenishOneTimeKeys tops the pool back up when the directory reports
// it below threshold.
func (e *Engine) replenishOneTimeKeys() {
	needs, err := e.directory.NeedsReplenish(e.deviceID)
	if err != nil || !needs {
		return
	}
	if err := e.publishOneTimeKeys(); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "replenishOneTimeKeys",
			"device":   e.deviceID,
			"error":    err,
		}).Warn("One-time key replenish failed")
	}
}

// enqueueEnvelope is the transport callback for inbound envelopes. It
// hands the envelope to the processing loop without blocking the
// transport; a full queue drops the envelope like any lossy link would.
func (e *Engine) enqueueEnvelope(env *envelope.Envelope) {
	if !e.isRunning() {
		return
	}
	select {
	case e.inbound <- env:
	default:
		logrus.WithFields(logrus.Fields{
			"function": "enqueueEnvelope",
			"sender":   env.SenderDevice,
		}).Warn("Inbound queue full, envelope dropped")
	}
}

// processLoop serializes all inbound envelope handling for the engine.
func (e *Engine) processLoop() {
	defer e.loop.Done()
	for {
		select {
		case env := <-e.inbound:
			e.processEnvelope(env)
		case <-e.stop:
			return
		}
	}
}

// processEnvelope routes one inbound envelope. Handshakes apply
// immediately; everything else goes through the conversation's
// sequencer.
func (e *Engine) processEnvelope(env *envelope.Envelope) {
	if env.Kind == envelope.KindHandshake {
		if err := e.handleHandshake(env); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "processEnvelope",
				"sender":   env.SenderDevice,
				"error":    err,
			}).Warn("Handshake rejected")
		}
		return
	}

	key := conversationKey{kind: env.RecipientKind, id: env.Recipient}
	if env.RecipientKind == envelope.RecipientDevice {
		key.id = uint64(env.SenderDevice)
	}

	if err := e.sequencerFor(key).Receive(env); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "processEnvelope",
			"sender":   env.SenderDevice,
			"counter":  env.Counter,
			"error":    err,
		}).Warn("Envelope dropped by sequencer")
	}
}

// dispatchEnvelope handles an envelope released by a sequencer.
func (e *Engine) dispatchEnvelope(env *envelope.Envelope) {
	var err error
	switch env.Kind {
	case envelope.KindMessage:
		if env.RecipientKind == envelope.RecipientGroup {
			err = e.handleGroupMessage(env)
		} else {
			err = e.handleMessage(env)
		}
	case envelope.KindGroupUpdate:
		err = e.handleGroupUpdate(env)
	case envelope.KindSignaling:
		err = e.handleSignaling(env)
	default:
		err = fmt.Errorf("%w: kind %d", ErrEnvelopeRejected, env.Kind)
	}

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "dispatchEnvelope",
			"sender":   env.SenderDevice,
			"kind":     env.Kind,
			"error":    err,
		}).Warn("Envelope dropped")
	}
}

// handleMessage decrypts a pairwise message and delivers it.
func (e *Engine) handleMessage(env *envelope.Envelope) error {
	plaintext, err := e.decryptFromPeer(env)
	if err != nil {
		return err
	}

	e.callbackMu.RLock()
	fn := e.messageFunc
	e.callbackMu.RUnlock()

	if fn != nil {
		fn(env.SenderDevice, plaintext)
	}
	return nil
}

// sequencerFor returns (creating if needed) the sequencer for one
// conversation.
func (e *Engine) sequencerFor(key conversationKey) *sequencer.Sequencer {
	e.sequencersMu.Lock()
	defer e.sequencersMu.Unlock()

	seq, ok := e.sequencers[key]
	if !ok {
		seq = sequencer.New(e.options.Sequencer, e.dispatchEnvelope, e.requestRedelivery)
		e.sequencers[key] = seq
	}
	return seq
}

// requestRedelivery is the sequencer gap callback. Redelivery is the
// transport's concern; the engine only surfaces the gap.
func (e *Engine) requestRedelivery(sender keydir.DeviceID, from, to uint64) {
	logrus.WithFields(logrus.Fields{
		"function": "requestRedelivery",
		"sender":   sender,
		"from":     from,
		"to":       to,
	}).Debug("Delivery gap detected")
}

func (e *Engine) isRunning() bool {
	e.runningMu.RLock()
	defer e.runningMu.RUnlock()
	return e.running
}
