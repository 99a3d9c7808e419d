package transfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/framing"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/trust"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Sender runs the sending side of a transfer.
type Sender struct {
	*machine
}

// NewSender creates a sender. opts.Signaling is required.
func NewSender(opts Options) *Sender {
	return &Sender{machine: newMachine(RoleSender, opts)}
}

// Send transfers payload to whoever holds the same credentials and blocks
// until the receiver confirms delivery, the transfer fails or it is
// cancelled. A call made while another is running fails with ErrBusy.
func (s *Sender) Send(ctx context.Context, creds Credentials, payload Payload) error {
	r, err := s.begin(ctx)
	if err != nil {
		return err
	}
	return s.finish(r, s.run(r, creds, payload))
}

// sendRun holds one Send call's state.
type sendRun struct {
	*run
	s       *Sender
	creds   Credentials
	payload Payload

	id       string
	salt     []byte
	key      *crypto.SessionKey
	base     crypto.NonceBase
	nonce    crypto.ReplayNonce
	hint     string
	ephPub   []byte
	binding  []byte
	receiver trust.Party
	chunks   [][]byte
	inline   bool

	readyCh      chan *signaling.Message
	completionCh chan *signaling.Message
	retryCh      chan *signaling.Message
	signalCh     chan *signaling.Message
	ackSignal    chan struct{}
	peerAck      chan struct{}
	peerAckOnce  sync.Once

	acked atomic.Int64

	mu          sync.Mutex
	path        Path
	highestSent int
	urls        []string
}

func (s *Sender) run(r *run, creds Credentials, payload Payload) error {
	if s.opts.Signaling == nil {
		return newError(ErrValidation, "start", "no signaling transport configured")
	}
	if err := creds.validate(); err != nil {
		return classify("validate credentials", err)
	}
	if err := payload.validate(); err != nil {
		return err
	}

	sr := &sendRun{
		run:          r,
		s:            s,
		creds:        creds,
		payload:      payload,
		id:           uuid.NewString(),
		readyCh:      make(chan *signaling.Message, inboxSize),
		completionCh: make(chan *signaling.Message, inboxSize),
		retryCh:      make(chan *signaling.Message, inboxSize),
		signalCh:     make(chan *signaling.Message, inboxSize),
		ackSignal:    make(chan struct{}, 1),
		peerAck:      make(chan struct{}),
		highestSent:  -1,
	}
	sr.acked.Store(-1)
	r.log = s.log.WithField("transfer_id", shortID(sr.id))

	s.transition(r, PhaseDerivingKey, func(st *State) { st.TransferID = sr.id })
	if err := sr.deriveKey(); err != nil {
		return classify("derive key", err)
	}
	env, err := sr.buildEnvelope()
	if err != nil {
		return classify("build envelope", err)
	}
	if err := sr.subscribe(); err != nil {
		return classify("subscribe", err)
	}

	s.transition(r, PhaseAwaitingReadyAck, func(st *State) { st.ChunksTotal = len(sr.chunks) })
	body, err := encodeEnvelope(env)
	if err != nil {
		return classify("encode envelope", err)
	}
	err = s.publish(r, &signaling.Message{
		TransferID: sr.id,
		Kind:       signaling.KindKeyExchange,
		Hint:       sr.hint,
		Payload:    body,
	})
	if err != nil {
		return classify("publish envelope", err)
	}
	r.log.WithFields(logrus.Fields{
		"function":  "Send",
		"mode":      sr.creds.Mode,
		"size":      len(payload.Data),
		"chunks":    len(sr.chunks),
		"inline":    sr.inline,
		"transport": s.opts.Signaling.Name(),
	}).Info("Envelope published")

	ack, err := sr.awaitReadyAck(env)
	if err != nil {
		return err
	}

	if sr.inline {
		sr.setPath(PathInline)
		s.transition(r, PhaseAwaitingCompletionAck, func(st *State) { st.Path = PathInline })
		return sr.awaitCompletion()
	}

	go sr.serveRetries()

	if s.opts.Peers != nil && ack.Peer {
		s.transition(r, PhaseConnectingPeer, nil)
		link, err := sr.connectPeer()
		if err == nil {
			return sr.sendOverPeer(link)
		}
		if cerr := r.err(); cerr != nil {
			return cerr
		}
		r.log.WithFields(logrus.Fields{
			"function": "Send",
			"error":    err.Error(),
		}).Warn("Peer channel unavailable, falling back")
	}

	if s.opts.Storage != nil {
		s.opts.Metrics.fallbackTaken(PathCloud)
		err = sr.sendViaCloud()
	} else {
		s.opts.Metrics.fallbackTaken(PathRelay)
		err = sr.sendViaRelay()
	}
	if err != nil {
		return err
	}

	s.transition(r, PhaseAwaitingCompletionAck, nil)
	return sr.awaitCompletion()
}

func (sr *sendRun) deriveKey() error {
	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}
	sr.salt = salt
	if sr.base, err = crypto.NewNonceBase(); err != nil {
		return err
	}
	if sr.nonce, err = crypto.NewReplayNonce(); err != nil {
		return err
	}

	var key *crypto.SessionKey
	switch sr.creds.Mode {
	case ModePIN:
		pin := crypto.NormalizePIN(sr.creds.PIN)
		key, err = derivePIN(pin, salt)
		sr.hint = secretHint(sr.creds, nil)
	case ModePasskey:
		var master []byte
		master, err = sr.creds.Passkey.MasterSecret(sr.ctx)
		if err != nil {
			return fmt.Errorf("obtain passkey secret: %w", err)
		}
		defer crypto.ZeroBytes(master)
		key, err = crypto.DeriveFromPasskey(master, salt)
		sr.hint = secretHint(sr.creds, master)
	case ModeTrust:
		key, err = sr.deriveTrustKey()
		sr.hint = secretHint(sr.creds, nil)
	}
	if err != nil {
		return err
	}
	sr.key = key
	sr.td.push(key.Destroy)
	return nil
}

// deriveTrustKey runs an ephemeral exchange against the receiver's identity
// key and signs the binding that ties it to the token.
func (sr *sendRun) deriveTrustKey() (*crypto.SessionKey, error) {
	tok := sr.creds.Token
	if err := tok.Verify(sr.s.opts.Clock.Now()); err != nil {
		return nil, err
	}
	receiver, err := tok.Peer(sr.creds.Auth.SigningKey())
	if err != nil {
		return nil, err
	}
	sr.receiver = receiver

	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	defer eph.Wipe()
	sr.ephPub = eph.PublicKey()

	secret, err := eph.SharedSecret(receiver.ExchangeKey)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(secret)

	key, err := crypto.DeriveFromSharedSecret(secret, sr.salt)
	if err != nil {
		return nil, err
	}
	sr.binding, err = trust.SignBinding(sr.ctx, sr.creds.Auth, sr.bindingFor(trust.BindingSender))
	if err != nil {
		key.Destroy()
		return nil, err
	}
	return key, nil
}

func (sr *sendRun) bindingFor(role trust.BindingRole) trust.Binding {
	return trust.Binding{
		Role:         role,
		TransferID:   sr.id,
		EphemeralPub: sr.ephPub,
		Nonce:        sr.nonce[:],
		TokenID:      sr.creds.Token.ID,
	}
}

func (sr *sendRun) buildEnvelope() (*Envelope, error) {
	opts := sr.s.opts
	now := opts.Clock.Now()
	expires := now.Add(opts.EnvelopeTTL).Unix()
	data := sr.payload.Data

	ctrl := ControlPayload{
		TransferID:  sr.id,
		Nonce:       sr.nonce[:],
		ExpiresAt:   expires,
		ContentType: sr.payload.ContentType,
		Size:        len(data),
		FileName:    sr.payload.FileName,
		MIMEType:    sr.payload.MIMEType,
		NonceBase:   sr.base[:],
		Checksum:    framing.Checksum(data),
		Relays:      opts.Relays,
	}
	if len(data) <= opts.InlineLimit {
		sr.inline = true
		ctrl.Inline = data
	} else {
		ctrl.ChunkSize = opts.ChunkSize
		for i, plain := range splitChunks(data, opts.ChunkSize) {
			ct, err := crypto.EncryptChunk(sr.key, sr.base, plain, uint32(i))
			if err != nil {
				return nil, err
			}
			sr.chunks = append(sr.chunks, ct)
		}
		ctrl.ChunkCount = len(sr.chunks)
		sr.urls = make([]string, len(sr.chunks))
	}

	sealed, err := sealCBOR(sr.key, &ctrl)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		Version:    envelopeVersion,
		Mode:       sr.creds.Mode,
		TransferID: sr.id,
		Salt:       sr.salt,
		Control:    sealed,
		CreatedAt:  now.Unix(),
		ExpiresAt:  expires,
		Nonce:      sr.nonce[:],
	}
	if sr.creds.Mode == ModeTrust {
		env.EphemeralPub = sr.ephPub
		env.TokenID = sr.creds.Token.ID
		env.Binding = sr.binding
	}
	return env, nil
}

// subscribe routes every reply for this transfer to its inbox.
func (sr *sendRun) subscribe() error {
	filter := signaling.Filter{
		TransferID: sr.id,
		Kinds: []signaling.Kind{
			signaling.KindReadyAck, signaling.KindAnswer, signaling.KindCandidate,
			signaling.KindChunkAck, signaling.KindRetryRequest, signaling.KindCompletionAck,
		},
	}
	return sr.s.subscribe(sr.run, filter, func(msg *signaling.Message) {
		switch msg.Kind {
		case signaling.KindReadyAck:
			deliver(sr.log, sr.readyCh, msg)
		case signaling.KindCompletionAck:
			deliver(sr.log, sr.completionCh, msg)
		case signaling.KindRetryRequest:
			deliver(sr.log, sr.retryCh, msg)
		case signaling.KindAnswer, signaling.KindCandidate:
			deliver(sr.log, sr.signalCh, msg)
		case signaling.KindChunkAck:
			sr.handleChunkAck(msg)
		}
	})
}

func (sr *sendRun) handleChunkAck(msg *signaling.Message) {
	if msg.Seq == nil {
		return
	}
	idx := int64(*msg.Seq)
	for {
		cur := sr.acked.Load()
		if idx <= cur || sr.acked.CompareAndSwap(cur, idx) {
			break
		}
	}
	select {
	case sr.ackSignal <- struct{}{}:
	default:
	}
}

func (sr *sendRun) awaitReadyAck(env *Envelope) (*readyAck, error) {
	ttl := time.Unix(env.ExpiresAt, 0).Sub(sr.s.opts.Clock.Now())
	timer := time.NewTimer(ttl)
	defer timer.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return nil, sr.err()
		case <-timer.C:
			return nil, newError(ErrSessionExpired, "await ready ack", "no receiver answered within %s", sr.s.opts.EnvelopeTTL)
		case msg := <-sr.readyCh:
			var ack readyAck
			if err := openCBOR(sr.key, msg.Payload, &ack); err != nil {
				sr.log.WithFields(logrus.Fields{
					"function": "awaitReadyAck",
					"author":   shortID(msg.Author),
				}).Warn("Ignoring ready ack that does not decrypt")
				continue
			}
			if err := sr.checkReadyAck(&ack); err != nil {
				return nil, err
			}
			sr.log.WithFields(logrus.Fields{
				"function": "awaitReadyAck",
				"peer":     ack.Peer,
			}).Info("Receiver ready")
			return &ack, nil
		}
	}
}

func (sr *sendRun) checkReadyAck(ack *readyAck) error {
	if !crypto.ConstantTimeEqual(ack.Nonce, sr.nonce[:]) {
		return newError(ErrSecurityCheck, "await ready ack", "ready ack echoes a different nonce")
	}
	if !sr.s.nonces.CheckAndStore(sr.nonce) {
		return newError(ErrSecurityCheck, "await ready ack", "ready ack nonce was already used")
	}
	if sr.creds.Mode == ModeTrust {
		err := trust.VerifyBinding(sr.receiver.SigningKey, sr.bindingFor(trust.BindingReceiver), ack.Binding)
		if err != nil {
			return &Error{Kind: ErrSecurityCheck, Op: "verify receiver binding", Err: err}
		}
	}
	return nil
}

// connectPeer offers a channel and waits for it to open within the
// negotiation timeout. The link is closed on failure.
func (sr *sendRun) connectPeer() (PeerLink, error) {
	link, err := sr.s.opts.Peers(peer.RoleInitiator, peer.Events{
		OnSignal: func(sig peer.Signal) { go sr.publishSignal(sig) },
		OnMessage: func(m peer.Message) {
			if m.IsString && string(m.Data) == peerAck {
				sr.peerAckOnce.Do(func() { close(sr.peerAck) })
			}
		},
	})
	if err != nil {
		return nil, err
	}
	sr.td.push(func() { _ = link.Close() })

	pctx, cancel := context.WithCancel(sr.ctx)
	sr.td.push(cancel)
	go sr.feedSignals(pctx, link)

	if err := link.CreateOffer(pctx); err != nil {
		cancel()
		_ = link.Close()
		return nil, err
	}

	wctx, wcancel := context.WithTimeout(pctx, sr.s.opts.NegotiationTimeout)
	defer wcancel()
	if err := link.WaitOpen(wctx); err != nil {
		cancel()
		_ = link.Close()
		if wctx.Err() == context.DeadlineExceeded && sr.err() == nil {
			return nil, fmt.Errorf("%w: %v", peer.ErrNegotiationTimeout, err)
		}
		return nil, err
	}
	return link, nil
}

func (sr *sendRun) feedSignals(ctx context.Context, link PeerLink) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sr.signalCh:
			sig, err := peer.ParseSignal(msg.Payload)
			if err != nil {
				sr.log.WithField("error", err.Error()).Debug("Ignoring malformed peer signal")
				continue
			}
			if err := link.HandleSignal(ctx, sig); err != nil {
				sr.log.WithFields(logrus.Fields{
					"function": "feedSignals",
					"type":     sig.Type,
					"error":    err.Error(),
				}).Debug("Peer signal rejected")
			}
		}
	}
}

func (sr *sendRun) publishSignal(sig peer.Signal) {
	body, err := sig.Marshal()
	if err != nil {
		return
	}
	kind := signaling.KindCandidate
	if sig.Type == peer.SignalOffer {
		kind = signaling.KindOffer
	}
	err = sr.s.publish(sr.run, &signaling.Message{TransferID: sr.id, Kind: kind, Payload: body})
	if err != nil && sr.err() == nil {
		sr.log.WithFields(logrus.Fields{
			"function": "publishSignal",
			"type":     sig.Type,
			"error":    err.Error(),
		}).Warn("Failed to publish peer signal")
	}
}

// sendOverPeer streams every chunk, then DONE, then waits for the
// receiver's ACK. Failures here are final.
func (sr *sendRun) sendOverPeer(link PeerLink) error {
	sr.setPath(PathPeer)
	sr.s.transition(sr.run, PhaseTransferring, func(st *State) { st.Path = PathPeer })

	for i, ct := range sr.chunks {
		frame := encodeChunkFrame(ChunkEnvelope{Index: uint32(i), Ciphertext: ct})
		if err := link.SendWithBackpressure(sr.ctx, frame); err != nil {
			if cerr := sr.err(); cerr != nil {
				return cerr
			}
			return &Error{Kind: ErrTransportExhausted, Op: "send chunk", Err: err}
		}
		sr.s.opts.Metrics.chunkSent(PathPeer)
		done := i + 1
		sr.s.update(sr.run, func(st *State) { st.ChunksDone = done })
	}
	if err := link.Send(peerDone); err != nil {
		return &Error{Kind: ErrTransportExhausted, Op: "send done", Err: err}
	}

	sr.s.transition(sr.run, PhaseAwaitingCompletionAck, nil)
	timer := time.NewTimer(sr.s.opts.CompletionTimeout)
	defer timer.Stop()
	select {
	case <-sr.peerAck:
		return nil
	case <-timer.C:
		return newError(ErrTimeout, "await peer ack", "receiver did not acknowledge within %s", sr.s.opts.CompletionTimeout)
	case <-sr.ctx.Done():
		return sr.err()
	}
}

// sendViaCloud uploads one chunk at a time and waits for the receiver to
// acknowledge each before moving on.
func (sr *sendRun) sendViaCloud() error {
	sr.setPath(PathCloud)
	sr.s.transition(sr.run, PhaseUploading, func(st *State) { st.Path = PathCloud })

	for i, ct := range sr.chunks {
		if err := sr.err(); err != nil {
			return err
		}
		name := fmt.Sprintf("%s.%d", shortID(sr.id), i)
		url, err := sr.s.opts.Storage.Upload(sr.ctx, ct, name)
		if err != nil {
			if cerr := sr.err(); cerr != nil {
				return cerr
			}
			return &Error{Kind: ErrTransportExhausted, Op: fmt.Sprintf("upload chunk %d", i), Err: err}
		}

		sr.mu.Lock()
		sr.urls[i] = url
		sr.highestSent = i
		sr.mu.Unlock()

		if err := sr.publishNotify(uint32(i)); err != nil {
			return classify("publish chunk notify", err)
		}
		sr.s.opts.Metrics.chunkSent(PathCloud)
		if err := sr.awaitChunkAck(i); err != nil {
			return err
		}
		done := i + 1
		sr.s.update(sr.run, func(st *State) { st.ChunksDone = done })
	}
	return nil
}

func (sr *sendRun) awaitChunkAck(i int) error {
	timeout := sr.s.opts.ChunkAckTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	resent := 0
	for sr.acked.Load() < int64(i) {
		select {
		case <-sr.ctx.Done():
			return sr.err()
		case <-sr.ackSignal:
		case <-timer.C:
			if resent >= sr.s.opts.NotifyRetries {
				return newError(ErrTimeout, "await chunk ack", "chunk %d not acknowledged after %d notifications", i, resent+1)
			}
			resent++
			sr.log.WithFields(logrus.Fields{
				"function": "awaitChunkAck",
				"index":    i,
				"attempt":  resent,
			}).Warn("Chunk ack overdue, notifying again")
			if err := sr.publishNotify(uint32(i)); err != nil {
				return classify("publish chunk notify", err)
			}
			timer.Reset(timeout)
		}
	}
	return nil
}

func (sr *sendRun) publishNotify(idx uint32) error {
	sr.mu.Lock()
	url := sr.urls[idx]
	sr.mu.Unlock()
	body, err := cbor.Marshal(chunkNotify{URL: url})
	if err != nil {
		return err
	}
	return sr.s.publish(sr.run, &signaling.Message{
		TransferID: sr.id,
		Kind:       signaling.KindChunkNotify,
		Seq:        signaling.Seq(idx),
		Payload:    body,
	})
}

// sendViaRelay publishes every chunk on the signaling transport, paced by a
// token bucket.
func (sr *sendRun) sendViaRelay() error {
	sr.setPath(PathRelay)
	sr.s.transition(sr.run, PhaseTransferring, func(st *State) { st.Path = PathRelay })

	limiter := rate.NewLimiter(rate.Limit(sr.s.opts.RelayChunkRate), 1)
	for i := range sr.chunks {
		if err := limiter.Wait(sr.ctx); err != nil {
			return sr.err()
		}
		if err := sr.publishChunk(uint32(i)); err != nil {
			return classify(fmt.Sprintf("publish chunk %d", i), err)
		}
		sr.mu.Lock()
		sr.highestSent = i
		sr.mu.Unlock()
		sr.s.opts.Metrics.chunkSent(PathRelay)
		done := i + 1
		sr.s.update(sr.run, func(st *State) { st.ChunksDone = done })
	}
	return nil
}

func (sr *sendRun) publishChunk(idx uint32) error {
	return sr.s.publish(sr.run, &signaling.Message{
		TransferID: sr.id,
		Kind:       signaling.KindChunk,
		Seq:        signaling.Seq(idx),
		Payload:    sr.chunks[idx],
	})
}

// serveRetries re-publishes the chunks named in retry requests until the
// run ends. Indices not yet sent are ignored.
func (sr *sendRun) serveRetries() {
	for {
		select {
		case <-sr.ctx.Done():
			return
		case msg := <-sr.retryCh:
			var req retryRequest
			if err := cbor.Unmarshal(msg.Payload, &req); err != nil {
				continue
			}
			for _, idx := range req.Missing {
				if err := sr.resend(idx); err != nil {
					if sr.err() != nil {
						return
					}
					sr.log.WithFields(logrus.Fields{
						"function": "serveRetries",
						"index":    idx,
						"error":    err.Error(),
					}).Warn("Failed to re-publish chunk")
				}
			}
		}
	}
}

func (sr *sendRun) resend(idx uint32) error {
	sr.mu.Lock()
	path, highest := sr.path, sr.highestSent
	sr.mu.Unlock()
	if int(idx) > highest {
		return nil
	}

	var err error
	switch path {
	case PathCloud:
		err = sr.publishNotify(idx)
	case PathRelay:
		err = sr.publishChunk(idx)
	default:
		return nil
	}
	if err == nil {
		sr.s.opts.Metrics.retryServed()
		sr.log.WithFields(logrus.Fields{
			"function": "resend",
			"index":    idx,
			"path":     path,
		}).Debug("Served retry request")
	}
	return err
}

func (sr *sendRun) awaitCompletion() error {
	timeout := sr.s.opts.CompletionTimeout
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return sr.err()
		case <-timer.C:
			return newError(ErrTimeout, "await completion ack", "no completion acknowledgment within %s", timeout)
		case msg := <-sr.completionCh:
			var ack completionAck
			if err := openCBOR(sr.key, msg.Payload, &ack); err != nil {
				sr.log.WithField("function", "awaitCompletion").Warn("Ignoring completion ack that does not decrypt")
				continue
			}
			if !crypto.ConstantTimeEqual(ack.Nonce, sr.nonce[:]) {
				return newError(ErrSecurityCheck, "await completion ack", "completion ack echoes a different nonce")
			}
			if ack.Size != len(sr.payload.Data) {
				return newError(ErrDecryption, "await completion ack", "receiver reports %d bytes, sent %d", ack.Size, len(sr.payload.Data))
			}
			sr.log.WithField("function", "awaitCompletion").Info("Receiver confirmed delivery")
			return nil
		}
	}
}

func (sr *sendRun) setPath(p Path) {
	sr.mu.Lock()
	sr.path = p
	sr.mu.Unlock()
}
