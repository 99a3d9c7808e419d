package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("peer transport closed")
	// ErrNegotiationTimeout is returned by WaitOpen when the data channel did
	// not open in time.
	ErrNegotiationTimeout = errors.New("peer negotiation timed out")
	// ErrConnectionFailed is returned by WaitOpen when ICE failed.
	ErrConnectionFailed = errors.New("peer connection failed")
	// ErrUnexpectedSignal is returned for a signal that is not valid in the
	// current negotiation state.
	ErrUnexpectedSignal = errors.New("signal not valid in current state")
	// ErrWrongRole is returned when an operation does not match the role.
	ErrWrongRole = errors.New("operation not valid for this role")
	// ErrNotOpen is returned when sending before the data channel opened.
	ErrNotOpen = errors.New("data channel not open")
)

const backpressurePoll = 50 * time.Millisecond

// Transport is one peer connection with one data channel.
type Transport struct {
	cfg    Config
	events Events
	log    *logrus.Entry
	pc     *webrtc.PeerConnection

	// negMu serializes description changes.
	negMu sync.Mutex

	mu        sync.Mutex
	state     State
	dc        *webrtc.DataChannel
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	seen      map[string]struct{}

	openCh    chan struct{}
	openOnce  sync.Once
	failedCh  chan struct{}
	failOnce  sync.Once
	lowCh     chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// New creates a peer connection for the configured role. Nothing is sent
// until CreateOffer or HandleSignal is called.
func New(cfg Config, events Events) (*Transport, error) {
	cfg = cfg.withDefaults()

	var se webrtc.SettingEngine
	if cfg.IncludeLoopback {
		se.SetIncludeLoopbackCandidate(true)
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4})
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	t := &Transport{
		cfg:      cfg,
		events:   events,
		log:      cfg.Logger.WithField("role", cfg.Role.String()),
		pc:       pc,
		state:    StateNew,
		seen:     make(map[string]struct{}),
		openCh:   make(chan struct{}),
		failedCh: make(chan struct{}),
		lowCh:    make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}

	pc.OnICECandidate(t.handleLocalCandidate)
	pc.OnConnectionStateChange(t.handleConnectionState)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if t.cfg.Role != RoleResponder || dc.Label() != ChannelLabel {
			t.log.WithField("label", dc.Label()).Warn("Ignoring unexpected data channel")
			return
		}
		t.attachChannel(dc)
	})

	t.log.WithFields(logrus.Fields{
		"function": "New",
		"trickle":  cfg.Trickle,
		"timeout":  cfg.NegotiationTimeout,
	}).Debug("Peer transport created")

	return t, nil
}

// Role returns the configured role.
func (t *Transport) Role() Role { return t.cfg.Role }

// State returns the current negotiation state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// PendingCandidates returns the number of remote candidates waiting for the
// remote description.
func (t *Transport) PendingCandidates() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// CreateOffer opens the data channel and emits an offer signal. Only the
// initiator may call it, and only once.
func (t *Transport) CreateOffer(ctx context.Context) error {
	if t.cfg.Role != RoleInitiator {
		return ErrWrongRole
	}
	if t.isClosed() {
		return ErrClosed
	}

	t.negMu.Lock()
	defer t.negMu.Unlock()

	if t.State() != StateNew {
		return ErrUnexpectedSignal
	}

	ordered := true
	dc, err := t.pc.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	t.attachChannel(dc)

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	t.advance(StateNew, StateHaveLocalOffer)

	sdp, err := t.localSDP(ctx, gathered)
	if err != nil {
		return err
	}

	t.log.WithField("function", "CreateOffer").Debug("Emitting offer")
	t.emit(Signal{Type: SignalOffer, SDP: sdp})
	return nil
}

// HandleSignal applies a remote offer, answer or candidate. Duplicates are
// ignored. Candidates received before the remote description are queued.
func (t *Transport) HandleSignal(ctx context.Context, sig Signal) error {
	if err := sig.Validate(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}

	key := string(crypto.Fingerprint("secretdrop/peer/signal/v1", sig.fingerprintInput()))
	t.mu.Lock()
	if _, dup := t.seen[key]; dup {
		t.mu.Unlock()
		t.log.WithField("type", sig.Type).Debug("Ignoring duplicate signal")
		return nil
	}
	t.seen[key] = struct{}{}
	t.mu.Unlock()

	var err error
	switch sig.Type {
	case SignalOffer:
		err = t.handleOffer(ctx, sig.SDP)
	case SignalAnswer:
		err = t.handleAnswer(sig.SDP)
	case SignalCandidate:
		err = t.handleCandidate(*sig.Candidate)
	}

	if err != nil {
		t.mu.Lock()
		delete(t.seen, key)
		t.mu.Unlock()
	}
	return err
}

func (t *Transport) handleOffer(ctx context.Context, sdp string) error {
	if t.cfg.Role != RoleResponder {
		return fmt.Errorf("%w: offer received by initiator", ErrUnexpectedSignal)
	}

	t.negMu.Lock()
	defer t.negMu.Unlock()

	if st := t.State(); st != StateNew {
		return fmt.Errorf("%w: offer in state %s", ErrUnexpectedSignal, st)
	}

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	t.advance(StateNew, StateHaveRemoteOffer)
	t.flushPending()

	answer, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}

	local, err := t.localSDP(ctx, gathered)
	if err != nil {
		return err
	}
	t.advance(StateHaveRemoteOffer, StateStable)

	t.log.WithField("function", "handleOffer").Debug("Emitting answer")
	t.emit(Signal{Type: SignalAnswer, SDP: local})
	return nil
}

func (t *Transport) handleAnswer(sdp string) error {
	if t.cfg.Role != RoleInitiator {
		return fmt.Errorf("%w: answer received by responder", ErrUnexpectedSignal)
	}

	t.negMu.Lock()
	defer t.negMu.Unlock()

	if st := t.State(); st != StateHaveLocalOffer {
		return fmt.Errorf("%w: answer in state %s", ErrUnexpectedSignal, st)
	}

	if err := t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	t.flushPending()
	t.advance(StateHaveLocalOffer, StateStable)
	return nil
}

func (t *Transport) handleCandidate(c webrtc.ICECandidateInit) error {
	if c.Candidate == "" {
		// End-of-candidates marker.
		return nil
	}

	t.mu.Lock()
	if !t.remoteSet {
		t.pending = append(t.pending, c)
		n := len(t.pending)
		t.mu.Unlock()
		t.log.WithField("pending", n).Debug("Queued candidate until remote description")
		return nil
	}
	t.mu.Unlock()

	if err := t.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (t *Transport) flushPending() {
	t.mu.Lock()
	t.remoteSet = true
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, c := range queued {
		if err := t.pc.AddICECandidate(c); err != nil {
			t.log.WithError(err).Warn("Dropping queued candidate")
		}
	}
	if len(queued) > 0 {
		t.log.WithField("count", len(queued)).Debug("Applied queued candidates")
	}
}

func (t *Transport) localSDP(ctx context.Context, gathered <-chan struct{}) (string, error) {
	if !t.cfg.Trickle {
		select {
		case <-gathered:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-t.closed:
			return "", ErrClosed
		}
	}
	desc := t.pc.LocalDescription()
	if desc == nil {
		return "", errors.New("local description missing")
	}
	return desc.SDP, nil
}

func (t *Transport) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil || !t.cfg.Trickle || t.isClosed() {
		return
	}
	init := c.ToJSON()
	t.emit(Signal{Type: SignalCandidate, Candidate: &init})
}

func (t *Transport) handleConnectionState(s webrtc.PeerConnectionState) {
	t.log.WithField("pc_state", s.String()).Debug("Connection state changed")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		t.setState(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		t.setState(StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		t.setState(StateFailed)
		t.failOnce.Do(func() { close(t.failedCh) })
	}
}

func (t *Transport) attachChannel(dc *webrtc.DataChannel) {
	t.mu.Lock()
	t.dc = dc
	t.mu.Unlock()

	dc.SetBufferedAmountLowThreshold(t.cfg.LowWaterMark)
	dc.OnBufferedAmountLow(func() {
		select {
		case t.lowCh <- struct{}{}:
		default:
		}
	})
	dc.OnOpen(func() {
		t.openOnce.Do(func() {
			close(t.openCh)
			t.log.Info("Data channel open")
			if t.events.OnOpen != nil {
				t.events.OnOpen()
			}
		})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.events.OnMessage != nil {
			t.events.OnMessage(Message{Data: msg.Data, IsString: msg.IsString})
		}
	})
	dc.OnClose(func() {
		t.log.Debug("Data channel closed")
	})
}

// WaitOpen blocks until the data channel opens, ICE fails, the negotiation
// timeout elapses, or ctx is done.
func (t *Transport) WaitOpen(ctx context.Context) error {
	select {
	case <-t.openCh:
		return nil
	default:
	}

	timer := time.NewTimer(t.cfg.NegotiationTimeout)
	defer timer.Stop()

	select {
	case <-t.openCh:
		return nil
	case <-t.failedCh:
		return ErrConnectionFailed
	case <-t.closed:
		return ErrClosed
	case <-timer.C:
		return ErrNegotiationTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Opened reports whether the data channel has opened.
func (t *Transport) Opened() bool {
	select {
	case <-t.openCh:
		return true
	default:
		return false
	}
}

func (t *Transport) openChannel() (*webrtc.DataChannel, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	t.mu.Lock()
	dc := t.dc
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return nil, ErrNotOpen
	}
	return dc, nil
}

// Send writes a control string. It does not wait for buffer space.
func (t *Transport) Send(s string) error {
	dc, err := t.openChannel()
	if err != nil {
		return err
	}
	return dc.SendText(s)
}

// SendWithBackpressure writes a binary message, first waiting while the
// channel's buffered amount is at or above the high-water mark.
func (t *Transport) SendWithBackpressure(ctx context.Context, b []byte) error {
	dc, err := t.openChannel()
	if err != nil {
		return err
	}

	if dc.BufferedAmount() >= t.cfg.HighWaterMark {
		ticker := time.NewTicker(backpressurePoll)
		defer ticker.Stop()
		for dc.BufferedAmount() >= t.cfg.HighWaterMark {
			select {
			case <-t.lowCh:
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			case <-t.closed:
				return ErrClosed
			}
		}
	}
	return dc.Send(b)
}

// Close tears down the data channel and the peer connection. It is safe to
// call more than once.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		t.state = StateClosed
		dc := t.dc
		t.mu.Unlock()

		if dc != nil {
			_ = dc.Close()
		}
		err = t.pc.Close()

		t.log.WithField("function", "Close").Debug("Peer transport closed")
		if t.events.OnStateChange != nil {
			t.events.OnStateChange(StateClosed)
		}
	})
	return err
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *Transport) emit(sig Signal) {
	if t.events.OnSignal != nil && !t.isClosed() {
		t.events.OnSignal(sig)
	}
}

// advance moves from one negotiation state to the next only if the connection
// has not already progressed past it.
func (t *Transport) advance(from, to State) {
	t.mu.Lock()
	if t.state != from {
		t.mu.Unlock()
		return
	}
	t.state = to
	t.mu.Unlock()
	t.notify(to)
}

func (t *Transport) setState(s State) {
	t.mu.Lock()
	if t.state == StateClosed || t.state == s {
		t.mu.Unlock()
		return
	}
	t.state = s
	t.mu.Unlock()
	t.notify(s)
}

func (t *Transport) notify(s State) {
	t.log.WithField("state", s.String()).Debug("Negotiation state changed")
	if t.events.OnStateChange != nil {
		t.events.OnStateChange(s)
	}
}
