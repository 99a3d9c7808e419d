package transfer

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/framing"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/trust"
	"github.com/sirupsen/logrus"
)

const (
	// maxRetryIndices caps the indices named in one retry request.
	maxRetryIndices = 64
	// peerFlushDelay gives the final ACK time to leave before the channel
	// is closed.
	peerFlushDelay = 200 * time.Millisecond
)

// Receiver runs the receiving side of a transfer.
type Receiver struct {
	*machine
}

// NewReceiver creates a receiver. opts.Signaling is required.
func NewReceiver(opts Options) *Receiver {
	return &Receiver{machine: newMachine(RoleReceiver, opts)}
}

// Receive waits for an envelope matching creds and returns the validated
// payload. A call made while another is running fails with ErrBusy.
func (rc *Receiver) Receive(ctx context.Context, creds Credentials) (*Received, error) {
	r, err := rc.begin(ctx)
	if err != nil {
		return nil, err
	}
	out, err := rc.run(r, creds)
	if err = rc.finish(r, err); err != nil {
		return nil, err
	}
	return out, nil
}

// recvRun holds one Receive call's state.
type recvRun struct {
	*run
	rc     *Receiver
	creds  Credentials
	master []byte
	hint   string

	env  *Envelope
	ctrl *ControlPayload
	key  *crypto.SessionKey
	base crypto.NonceBase
	id   string

	tried map[string]bool

	candCh   chan *signaling.Message
	dataCh   chan *signaling.Message
	signalCh chan *signaling.Message

	tracker *chunkTracker
	acks    *ackLoop
	path    Path

	link        PeerLink
	pending     []peer.Signal
	peerMsgCh   chan peer.Message
	peerOpenCh  chan struct{}
	peerLostCh  chan struct{}
	peerOpened  bool
	lastPolled  int
	retriesSent int
}

func (rc *Receiver) run(r *run, creds Credentials) (*Received, error) {
	if rc.opts.Signaling == nil {
		return nil, newError(ErrValidation, "start", "no signaling transport configured")
	}
	if err := creds.validate(); err != nil {
		return nil, classify("validate credentials", err)
	}

	rr := &recvRun{
		run:        r,
		rc:         rc,
		creds:      creds,
		tried:      make(map[string]bool),
		candCh:     make(chan *signaling.Message, inboxSize),
		dataCh:     make(chan *signaling.Message, inboxSize),
		signalCh:   make(chan *signaling.Message, inboxSize),
		peerMsgCh:  make(chan peer.Message, inboxSize),
		peerOpenCh: make(chan struct{}, 1),
		peerLostCh: make(chan struct{}, 1),
	}

	rc.transition(r, PhaseDerivingKey, nil)
	if err := rr.prepareSecret(); err != nil {
		return nil, classify("prepare secret", err)
	}
	if err := rr.findEnvelope(); err != nil {
		return nil, err
	}
	r.log = rc.log.WithField("transfer_id", shortID(rr.id))

	rc.transition(r, PhaseSendingReadyAck, func(st *State) {
		st.TransferID = rr.id
		st.ChunksTotal = rr.ctrl.ChunkCount
	})
	if len(rr.ctrl.Relays) > 0 && rc.opts.OnPeerRelays != nil {
		rc.opts.OnPeerRelays(append([]string(nil), rr.ctrl.Relays...))
	}
	if err := rr.subscribeTransfer(); err != nil {
		return nil, classify("subscribe", err)
	}
	if err := rr.sendReadyAck(); err != nil {
		return nil, classify("publish ready ack", err)
	}

	if rr.ctrl.Inline != nil {
		rr.path = PathInline
		rc.transition(r, PhaseValidating, func(st *State) { st.Path = PathInline })
		return rr.complete(append([]byte(nil), rr.ctrl.Inline...))
	}

	rc.transition(r, PhaseReceiving, nil)
	return rr.receive()
}

// prepareSecret computes the discovery hint. In passkey mode this is the
// only prompt for the master secret during the call.
func (rr *recvRun) prepareSecret() error {
	switch rr.creds.Mode {
	case ModePasskey:
		master, err := rr.creds.Passkey.MasterSecret(rr.ctx)
		if err != nil {
			return fmt.Errorf("obtain passkey secret: %w", err)
		}
		rr.master = master
		rr.td.push(func() { crypto.ZeroBytes(master) })
	case ModeTrust:
		if err := rr.creds.Token.Verify(rr.rc.opts.Clock.Now()); err != nil {
			return err
		}
	}
	rr.hint = secretHint(rr.creds, rr.master)
	return nil
}

// findEnvelope tries every key-exchange message under the hint until one
// decrypts. Hints are short, so unrelated envelopes are expected.
func (rr *recvRun) findEnvelope() error {
	filter := signaling.Filter{Kinds: []signaling.Kind{signaling.KindKeyExchange}, Hint: rr.hint}
	err := rr.rc.subscribe(rr.run, filter, func(msg *signaling.Message) {
		deliver(rr.log, rr.candCh, msg)
	})
	if err != nil {
		return classify("subscribe", err)
	}

	past, err := rr.rc.opts.Signaling.Query(rr.ctx, filter)
	if err != nil && !errors.Is(err, signaling.ErrQueryUnsupported) {
		rr.log.WithFields(logrus.Fields{
			"function": "findEnvelope",
			"error":    err.Error(),
		}).Warn("Envelope query failed, waiting for live messages")
	}
	for _, msg := range past {
		ok, err := rr.tryEnvelope(msg)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}

	wait := rr.rc.opts.EnvelopeTTL
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-rr.ctx.Done():
			return rr.err()
		case <-timer.C:
			return newError(ErrTimeout, "find envelope", "no envelope for this secret within %s", wait)
		case msg := <-rr.candCh:
			ok, err := rr.tryEnvelope(msg)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
	}
}

// tryEnvelope reports whether msg is the envelope for these credentials. A
// non-nil error is fatal.
func (rr *recvRun) tryEnvelope(msg *signaling.Message) (bool, error) {
	log := rr.log.WithFields(logrus.Fields{
		"function":    "tryEnvelope",
		"transfer_id": shortID(msg.TransferID),
	})

	env, err := decodeEnvelope(msg.Payload)
	if err != nil {
		log.WithField("error", err.Error()).Debug("Skipping malformed envelope")
		return false, nil
	}
	if env.Mode != rr.creds.Mode {
		return false, nil
	}
	seen := hex.EncodeToString(env.Nonce)
	if rr.tried[seen] {
		return false, nil
	}
	rr.tried[seen] = true

	key, err := rr.deriveFor(env)
	if err != nil {
		return false, err
	}
	if key == nil {
		return false, nil
	}

	var ctrl ControlPayload
	if err := openCBOR(key, env.Control, &ctrl); err != nil {
		key.Destroy()
		log.Debug("Envelope does not decrypt under this secret")
		return false, nil
	}
	if !ctrl.matches(env) {
		key.Destroy()
		return false, newError(ErrSecurityCheck, "open envelope", "sealed fields disagree with the envelope")
	}
	if err := ctrl.validate(); err != nil {
		key.Destroy()
		return false, &Error{Kind: ErrValidation, Op: "open envelope", Err: err}
	}
	if env.expired(rr.rc.opts.Clock.Now()) {
		key.Destroy()
		return false, newError(ErrSessionExpired, "open envelope", "envelope expired at %s", time.Unix(env.ExpiresAt, 0).UTC().Format(time.RFC3339))
	}

	var nonce crypto.ReplayNonce
	copy(nonce[:], env.Nonce)
	if !rr.rc.nonces.CheckAndStore(nonce) {
		key.Destroy()
		log.Warn("Skipping replayed envelope")
		return false, nil
	}

	rr.env, rr.ctrl, rr.key = env, &ctrl, key
	rr.id = env.TransferID
	rr.base = ctrl.nonceBase()
	rr.td.push(key.Destroy)
	log.WithFields(logrus.Fields{
		"size":   ctrl.Size,
		"chunks": ctrl.ChunkCount,
		"inline": ctrl.Inline != nil,
	}).Info("Envelope opened")
	return true, nil
}

// deriveFor derives the candidate key for env. A nil key with a nil error
// means the envelope is not meant for these credentials.
func (rr *recvRun) deriveFor(env *Envelope) (*crypto.SessionKey, error) {
	switch rr.creds.Mode {
	case ModePIN:
		key, err := derivePIN(crypto.NormalizePIN(rr.creds.PIN), env.Salt)
		if err != nil {
			return nil, classify("derive key", err)
		}
		return key, nil
	case ModePasskey:
		key, err := crypto.DeriveFromPasskey(rr.master, env.Salt)
		if err != nil {
			return nil, classify("derive key", err)
		}
		return key, nil
	case ModeTrust:
		return rr.deriveTrust(env)
	}
	return nil, nil
}

func (rr *recvRun) deriveTrust(env *Envelope) (*crypto.SessionKey, error) {
	tok := rr.creds.Token
	if env.TokenID != tok.ID {
		return nil, nil
	}
	sender, err := tok.Peer(rr.creds.Auth.SigningKey())
	if err != nil {
		return nil, classify("verify token", err)
	}
	b := trust.Binding{
		Role:         trust.BindingSender,
		TransferID:   env.TransferID,
		EphemeralPub: env.EphemeralPub,
		Nonce:        env.Nonce,
		TokenID:      env.TokenID,
	}
	if err := trust.VerifyBinding(sender.SigningKey, b, env.Binding); err != nil {
		return nil, &Error{Kind: ErrSecurityCheck, Op: "verify sender binding", Err: err}
	}

	secret, err := rr.creds.Auth.DeriveSharedSecret(rr.ctx, env.EphemeralPub)
	if err != nil {
		return nil, classify("derive shared secret", err)
	}
	defer crypto.ZeroBytes(secret)
	key, err := crypto.DeriveFromSharedSecret(secret, env.Salt)
	if err != nil {
		return nil, classify("derive key", err)
	}
	return key, nil
}

// subscribeTransfer routes data and peer negotiation for the accepted
// transfer.
func (rr *recvRun) subscribeTransfer() error {
	filter := signaling.Filter{
		TransferID: rr.id,
		Kinds: []signaling.Kind{
			signaling.KindChunk, signaling.KindChunkNotify,
			signaling.KindOffer, signaling.KindCandidate,
		},
	}
	return rr.rc.subscribe(rr.run, filter, func(msg *signaling.Message) {
		switch msg.Kind {
		case signaling.KindChunk, signaling.KindChunkNotify:
			deliver(rr.log, rr.dataCh, msg)
		case signaling.KindOffer, signaling.KindCandidate:
			deliver(rr.log, rr.signalCh, msg)
		}
	})
}

func (rr *recvRun) sendReadyAck() error {
	ack := readyAck{Nonce: rr.env.Nonce, Peer: rr.rc.opts.Peers != nil}
	if rr.creds.Mode == ModeTrust {
		sig, err := trust.SignBinding(rr.ctx, rr.creds.Auth, trust.Binding{
			Role:         trust.BindingReceiver,
			TransferID:   rr.id,
			EphemeralPub: rr.env.EphemeralPub,
			Nonce:        rr.env.Nonce,
			TokenID:      rr.env.TokenID,
		})
		if err != nil {
			return err
		}
		ack.Binding = sig
	}
	sealed, err := sealCBOR(rr.key, &ack)
	if err != nil {
		return err
	}
	return rr.rc.publish(rr.run, &signaling.Message{
		TransferID: rr.id,
		Kind:       signaling.KindReadyAck,
		Payload:    sealed,
	})
}

// receive collects chunks from whichever path delivers them until the
// payload is complete.
func (rr *recvRun) receive() (*Received, error) {
	opts := rr.rc.opts
	rr.tracker = newChunkTracker(rr.ctrl.ChunkCount, opts.MaxFailuresPerChunk)
	rr.td.push(rr.tracker.wipe)
	rr.acks = newAckLoop(opts.AckInterval, opts.AckMaxRetries, rr.publishChunkAck)
	rr.td.push(rr.acks.stop)

	poll := time.NewTicker(opts.PollInterval)
	defer poll.Stop()
	idle := time.NewTimer(opts.IdleTimeout)
	defer idle.Stop()

	for {
		before, _ := rr.tracker.progress()
		var (
			out *Received
			err error
		)

		select {
		case <-rr.ctx.Done():
			return nil, rr.err()
		case <-idle.C:
			have, total := rr.tracker.progress()
			return nil, newError(ErrTimeout, "receive", "no data for %s with %d of %d chunks", opts.IdleTimeout, have, total)
		case msg := <-rr.dataCh:
			out, err = rr.handleData(msg)
		case msg := <-rr.signalCh:
			rr.handleSignal(msg)
		case <-rr.peerOpenCh:
			rr.peerOpened = true
			rr.log.WithField("function", "receive").Info("Peer channel open")
		case m := <-rr.peerMsgCh:
			out, err = rr.handlePeerMessage(m)
		case <-rr.peerLostCh:
			if rr.peerOpened {
				return nil, newError(ErrTransportExhausted, "receive", "peer channel lost before completion")
			}
		case <-poll.C:
			out, err = rr.poll()
		}
		if err != nil || out != nil {
			return out, err
		}

		if after, _ := rr.tracker.progress(); after > before {
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(opts.IdleTimeout)
		}
	}
}

// handleData processes a chunk or chunk-notify message.
func (rr *recvRun) handleData(msg *signaling.Message) (*Received, error) {
	if msg.Seq == nil {
		return nil, nil
	}
	idx := *msg.Seq
	if !rr.tracker.inRange(idx) {
		rr.log.WithField("index", idx).Warn("Ignoring chunk outside the announced range")
		return nil, nil
	}
	path := PathRelay
	if msg.Kind == signaling.KindChunkNotify {
		path = PathCloud
	}
	if rr.path == PathNone {
		rr.path = path
		rr.rc.update(rr.run, func(st *State) { st.Path = path })
	}

	if rr.tracker.has(idx) {
		if c, ok := rr.tracker.contiguous(); ok && c == idx {
			rr.acks.ack(c)
		}
		return nil, nil
	}
	if !rr.tracker.begin(idx) {
		return nil, nil
	}

	ct := msg.Payload
	if path == PathCloud {
		var err error
		if ct, err = rr.download(msg); err != nil {
			rr.tracker.release(idx)
			rr.log.WithFields(logrus.Fields{
				"function": "handleData",
				"index":    idx,
				"error":    err.Error(),
			}).Warn("Chunk download failed, waiting for it again")
			return nil, nil
		}
	}
	return rr.acceptChunk(idx, ct, path)
}

func (rr *recvRun) download(msg *signaling.Message) ([]byte, error) {
	if rr.rc.opts.Storage == nil {
		return nil, errors.New("no storage configured for cloud chunks")
	}
	var n chunkNotify
	if err := cbor.Unmarshal(msg.Payload, &n); err != nil {
		return nil, err
	}
	return rr.rc.opts.Storage.Download(rr.ctx, n.URL)
}

// acceptChunk decrypts and stores a claimed chunk.
func (rr *recvRun) acceptChunk(idx uint32, ct []byte, path Path) (*Received, error) {
	plain, err := crypto.DecryptChunk(rr.key, rr.base, ct, idx)
	if err != nil {
		count, fatal := rr.tracker.fail(idx)
		if fatal || path == PathPeer {
			return nil, &Error{
				Kind: ErrDecryption,
				Op:   "decrypt chunk",
				Err:  fmt.Errorf("chunk %d failed %d times: %w", idx, count, err),
			}
		}
		rr.log.WithFields(logrus.Fields{
			"function": "acceptChunk",
			"index":    idx,
			"failures": count,
		}).Warn("Chunk failed to decrypt, requesting it again")
		go rr.requestRetry([]uint32{idx})
		return nil, nil
	}

	rr.tracker.store(idx, plain)
	rr.rc.opts.Metrics.chunkReceived(path)
	have, _ := rr.tracker.progress()
	rr.rc.update(rr.run, func(st *State) { st.ChunksDone = have })
	rr.log.WithFields(logrus.Fields{
		"function": "acceptChunk",
		"index":    idx,
		"have":     have,
	}).Debug("Chunk stored")

	if path == PathPeer {
		return nil, nil
	}
	if c, ok := rr.tracker.contiguous(); ok {
		rr.acks.ack(c)
	}
	if rr.tracker.complete() {
		return rr.validate()
	}
	return nil, nil
}

func (rr *recvRun) publishChunkAck(idx uint32) {
	err := rr.rc.publish(rr.run, &signaling.Message{
		TransferID: rr.id,
		Kind:       signaling.KindChunkAck,
		Seq:        signaling.Seq(idx),
	})
	if err != nil && rr.err() == nil {
		rr.log.WithFields(logrus.Fields{
			"function": "publishChunkAck",
			"index":    idx,
			"error":    err.Error(),
		}).Warn("Failed to publish chunk ack")
	}
}

func (rr *recvRun) requestRetry(missing []uint32) {
	body, err := cbor.Marshal(retryRequest{Missing: missing})
	if err != nil {
		return
	}
	err = rr.rc.publish(rr.run, &signaling.Message{
		TransferID: rr.id,
		Kind:       signaling.KindRetryRequest,
		Payload:    body,
	})
	if err != nil && rr.err() == nil {
		rr.log.WithField("error", err.Error()).Warn("Failed to publish retry request")
	}
}

// poll re-queries the transport for data messages that may have been missed
// and asks for a resend when nothing arrived since the last poll.
func (rr *recvRun) poll() (*Received, error) {
	ctx, cancel := context.WithTimeout(rr.ctx, rr.rc.opts.PollInterval)
	defer cancel()
	msgs, err := rr.rc.opts.Signaling.Query(ctx, signaling.Filter{
		TransferID: rr.id,
		Kinds:      []signaling.Kind{signaling.KindChunk, signaling.KindChunkNotify},
	})
	if err != nil && !errors.Is(err, signaling.ErrQueryUnsupported) && rr.err() == nil {
		rr.log.WithField("error", err.Error()).Debug("Poll query failed")
	}
	for _, msg := range msgs {
		out, err := rr.handleData(msg)
		if err != nil || out != nil {
			return out, err
		}
	}

	have, _ := rr.tracker.progress()
	stalled := have == rr.lastPolled
	rr.lastPolled = have
	if !stalled || rr.path == PathNone || rr.path == PathPeer || rr.tracker.complete() {
		return nil, nil
	}
	missing := rr.tracker.missing(maxRetryIndices)
	if len(missing) == 0 {
		return nil, nil
	}
	rr.retriesSent++
	rr.log.WithFields(logrus.Fields{
		"function": "poll",
		"missing":  len(missing),
		"have":     have,
	}).Info("Transfer stalled, requesting missing chunks")
	go rr.requestRetry(missing)
	return nil, nil
}

// handleSignal feeds offers and candidates to the peer link, creating it on
// the first offer.
func (rr *recvRun) handleSignal(msg *signaling.Message) {
	if rr.rc.opts.Peers == nil {
		return
	}
	sig, err := peer.ParseSignal(msg.Payload)
	if err != nil {
		rr.log.WithField("error", err.Error()).Debug("Ignoring malformed peer signal")
		return
	}
	if rr.link == nil {
		if sig.Type != peer.SignalOffer {
			rr.pending = append(rr.pending, sig)
			return
		}
		if err := rr.openLink(); err != nil {
			rr.log.WithField("error", err.Error()).Warn("Could not create peer link")
			return
		}
		rr.applySignal(sig)
		for _, p := range rr.pending {
			rr.applySignal(p)
		}
		rr.pending = nil
		return
	}
	rr.applySignal(sig)
}

func (rr *recvRun) applySignal(sig peer.Signal) {
	if err := rr.link.HandleSignal(rr.ctx, sig); err != nil {
		rr.log.WithFields(logrus.Fields{
			"function": "applySignal",
			"type":     sig.Type,
			"error":    err.Error(),
		}).Debug("Peer signal rejected")
	}
}

func (rr *recvRun) openLink() error {
	link, err := rr.rc.opts.Peers(peer.RoleResponder, peer.Events{
		OnSignal: func(sig peer.Signal) { go rr.publishSignal(sig) },
		OnOpen: func() {
			select {
			case rr.peerOpenCh <- struct{}{}:
			default:
			}
		},
		OnMessage: func(m peer.Message) {
			select {
			case rr.peerMsgCh <- m:
			case <-rr.ctx.Done():
			}
		},
		OnStateChange: func(s peer.State) {
			if s == peer.StateFailed || s == peer.StateClosed || s == peer.StateDisconnected {
				select {
				case rr.peerLostCh <- struct{}{}:
				default:
				}
			}
		},
	})
	if err != nil {
		return err
	}
	rr.link = link
	rr.td.push(func() { _ = link.Close() })
	return nil
}

func (rr *recvRun) publishSignal(sig peer.Signal) {
	body, err := sig.Marshal()
	if err != nil {
		return
	}
	kind := signaling.KindCandidate
	if sig.Type == peer.SignalAnswer {
		kind = signaling.KindAnswer
	}
	err = rr.rc.publish(rr.run, &signaling.Message{TransferID: rr.id, Kind: kind, Payload: body})
	if err != nil && rr.err() == nil {
		rr.log.WithFields(logrus.Fields{
			"function": "publishSignal",
			"type":     sig.Type,
			"error":    err.Error(),
		}).Warn("Failed to publish peer signal")
	}
}

// handlePeerMessage stores a chunk frame or, on DONE, validates the payload
// and acknowledges it on the channel.
func (rr *recvRun) handlePeerMessage(m peer.Message) (*Received, error) {
	if rr.path != PathPeer {
		rr.path = PathPeer
		rr.peerOpened = true
		rr.rc.transition(rr.run, PhaseReceiving, func(st *State) { st.Path = PathPeer })
	}

	if m.IsString {
		if string(m.Data) != peerDone {
			return nil, nil
		}
		out, err := rr.validate()
		if err != nil {
			return nil, err
		}
		if err := rr.link.Send(peerAck); err != nil {
			return nil, &Error{Kind: ErrTransportExhausted, Op: "send peer ack", Err: err}
		}
		timer := time.NewTimer(peerFlushDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-rr.ctx.Done():
		}
		return out, nil
	}

	frame, err := decodeChunkFrame(m.Data)
	if err != nil {
		return nil, &Error{Kind: ErrDecryption, Op: "read peer chunk", Err: err}
	}
	if !rr.tracker.inRange(frame.Index) {
		return nil, newError(ErrDecryption, "read peer chunk", "chunk %d outside the announced range", frame.Index)
	}
	if !rr.tracker.begin(frame.Index) {
		return nil, nil
	}
	return rr.acceptChunk(frame.Index, frame.Ciphertext, PathPeer)
}

// validate assembles the payload, checks it against the announced size and
// checksum and sends the completion acknowledgment.
func (rr *recvRun) validate() (*Received, error) {
	rr.rc.transition(rr.run, PhaseValidating, nil)
	data, ok := rr.tracker.assemble()
	if !ok {
		have, total := rr.tracker.progress()
		return nil, newError(ErrDecryption, "validate", "only %d of %d chunks arrived", have, total)
	}
	return rr.complete(data)
}

func (rr *recvRun) complete(data []byte) (*Received, error) {
	if len(data) != rr.ctrl.Size {
		return nil, newError(ErrDecryption, "validate", "assembled %d bytes, expected %d", len(data), rr.ctrl.Size)
	}
	if !framing.ValidateChecksum(data, rr.ctrl.Checksum) {
		return nil, &Error{Kind: ErrDecryption, Op: "validate", Err: framing.ErrChecksumMismatch}
	}
	if rr.acks != nil {
		rr.acks.stop()
	}

	if rr.path != PathPeer {
		sealed, err := sealCBOR(rr.key, &completionAck{Nonce: rr.env.Nonce, Size: len(data)})
		if err != nil {
			return nil, classify("seal completion ack", err)
		}
		err = rr.rc.publish(rr.run, &signaling.Message{
			TransferID: rr.id,
			Kind:       signaling.KindCompletionAck,
			Payload:    sealed,
		})
		if err != nil {
			return nil, classify("publish completion ack", err)
		}
	}

	rr.rc.update(rr.run, func(st *State) { st.Path = rr.path })
	rr.log.WithFields(logrus.Fields{
		"function": "complete",
		"size":     len(data),
		"path":     rr.path,
	}).Info("Payload received")
	return &Received{
		TransferID:  rr.id,
		ContentType: rr.ctrl.ContentType,
		Data:        data,
		FileName:    rr.ctrl.FileName,
		MIMEType:    rr.ctrl.MIMEType,
		Path:        rr.path,
		Relays:      rr.ctrl.Relays,
	}, nil
}
