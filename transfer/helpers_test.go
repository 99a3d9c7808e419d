package transfer

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/secretdrop/cloud"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const testPIN = "ABCDEFGHJKLM"

func TestMain(m *testing.M) {
	logrus.SetLevel(logrus.ErrorLevel)
	derivePIN = fastDerivePIN
	os.Exit(m.Run())
}

// fastDerivePIN stands in for PBKDF2 so each test does not pay 600k
// iterations per candidate.
func fastDerivePIN(pin string, salt []byte) (*crypto.SessionKey, error) {
	if pin == "" {
		return nil, crypto.ErrKeyDerivationFailed
	}
	return crypto.DeriveFromSharedSecret([]byte("pin:"+pin), salt)
}

func pinCreds(pin string) Credentials {
	return Credentials{Mode: ModePIN, PIN: pin}
}

func testOptions(transport signaling.Transport) Options {
	opts := DefaultOptions()
	opts.Signaling = transport
	opts.ChunkSize = 64
	opts.InlineLimit = 0
	opts.EnvelopeTTL = 5 * time.Second
	opts.NegotiationTimeout = 200 * time.Millisecond
	opts.CompletionTimeout = 3 * time.Second
	opts.ChunkAckTimeout = 200 * time.Millisecond
	opts.NotifyRetries = 10
	opts.AckInterval = 50 * time.Millisecond
	opts.AckMaxRetries = 3
	opts.PollInterval = 100 * time.Millisecond
	opts.IdleTimeout = 3 * time.Second
	opts.MaxFailuresPerChunk = 3
	opts.RelayChunkRate = 1000
	opts.Retry = retry.Config{MaxRetries: 2, BaseDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}
	return opts
}

type receiveResult struct {
	out *Received
	err error
}

func startReceiver(ctx context.Context, rc *Receiver, creds Credentials) <-chan receiveResult {
	ch := make(chan receiveResult, 1)
	go func() {
		out, err := rc.Receive(ctx, creds)
		ch <- receiveResult{out: out, err: err}
	}()
	return ch
}

func startSender(ctx context.Context, s *Sender, creds Credentials, p Payload) <-chan error {
	ch := make(chan error, 1)
	go func() { ch <- s.Send(ctx, creds, p) }()
	return ch
}

func waitResult(t *testing.T, ch <-chan receiveResult) receiveResult {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("receiver did not finish")
		return receiveResult{}
	}
}

func waitErr(t *testing.T, ch <-chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("sender did not finish")
		return nil
	}
}

// phaseRecorder collects every phase an orchestrator passes through.
type phaseRecorder struct {
	mu     sync.Mutex
	phases []Phase
	seen   chan Phase
}

func newPhaseRecorder() *phaseRecorder {
	return &phaseRecorder{seen: make(chan Phase, 256)}
}

func (p *phaseRecorder) observe(s State) {
	p.mu.Lock()
	if n := len(p.phases); n == 0 || p.phases[n-1] != s.Phase {
		p.phases = append(p.phases, s.Phase)
	}
	p.mu.Unlock()
	select {
	case p.seen <- s.Phase:
	default:
	}
}

func (p *phaseRecorder) all() []Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Phase(nil), p.phases...)
}

func (p *phaseRecorder) waitFor(t *testing.T, want Phase) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case got := <-p.seen:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("phase %s never reached, saw %v", want, p.all())
		}
	}
}

// fakePeerNet pairs fake links in process. When offline no offer ever
// leaves the initiator, so negotiation times out.
type fakePeerNet struct {
	mu            sync.Mutex
	offline       bool
	stall         bool
	failSendAfter int
	links         map[string]*fakeLink
	all           []*fakeLink
}

func (n *fakePeerNet) setOffline(v bool) {
	n.mu.Lock()
	n.offline = v
	n.mu.Unlock()
}

// setStall makes binary sends block until their context ends or the link
// closes.
func (n *fakePeerNet) setStall(v bool) {
	n.mu.Lock()
	n.stall = v
	n.mu.Unlock()
}

// openLinks counts links created and not yet closed.
func (n *fakePeerNet) openLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	open := 0
	for _, l := range n.all {
		select {
		case <-l.closed:
		default:
			open++
		}
	}
	return open
}

func newFakePeerNet(offline bool) *fakePeerNet {
	return &fakePeerNet{offline: offline, links: make(map[string]*fakeLink)}
}

func (n *fakePeerNet) factory() PeerFactory {
	return func(role peer.Role, ev peer.Events) (PeerLink, error) {
		l := &fakeLink{
			net:    n,
			role:   role,
			ev:     ev,
			open:   make(chan struct{}),
			closed: make(chan struct{}),
			inbox:  make(chan peer.Message, 1024),
		}
		n.mu.Lock()
		n.all = append(n.all, l)
		n.mu.Unlock()
		go l.dispatch()
		return l, nil
	}
}

type fakeLink struct {
	net  *fakePeerNet
	role peer.Role
	ev   peer.Events

	mu     sync.Mutex
	remote *fakeLink
	sent   int

	open      chan struct{}
	openOnce  sync.Once
	closed    chan struct{}
	closeOnce sync.Once
	inbox     chan peer.Message
}

func (l *fakeLink) dispatch() {
	for {
		select {
		case m := <-l.inbox:
			if l.ev.OnMessage != nil {
				l.ev.OnMessage(m)
			}
		case <-l.closed:
			return
		}
	}
}

func (l *fakeLink) markOpen() {
	l.openOnce.Do(func() {
		close(l.open)
		if l.ev.OnOpen != nil {
			go l.ev.OnOpen()
		}
	})
}

func (l *fakeLink) CreateOffer(ctx context.Context) error {
	if l.role != peer.RoleInitiator {
		return peer.ErrWrongRole
	}
	id := uuid.NewString()
	l.net.mu.Lock()
	l.net.links[id] = l
	offline := l.net.offline
	l.net.mu.Unlock()
	if offline {
		return nil
	}
	l.ev.OnSignal(peer.Signal{Type: peer.SignalOffer, SDP: "fake:" + id})
	l.ev.OnSignal(peer.Signal{Type: peer.SignalCandidate, Candidate: &webrtc.ICECandidateInit{Candidate: "candidate:" + id}})
	return nil
}

func (l *fakeLink) HandleSignal(ctx context.Context, sig peer.Signal) error {
	switch sig.Type {
	case peer.SignalOffer:
		if l.role != peer.RoleResponder {
			return peer.ErrUnexpectedSignal
		}
		id := strings.TrimPrefix(sig.SDP, "fake:")
		l.net.mu.Lock()
		remote := l.net.links[id]
		l.net.mu.Unlock()
		if remote == nil {
			return errors.New("unknown offer")
		}
		l.mu.Lock()
		l.remote = remote
		l.mu.Unlock()
		remote.mu.Lock()
		remote.remote = l
		remote.mu.Unlock()
		l.ev.OnSignal(peer.Signal{Type: peer.SignalAnswer, SDP: "fake-answer:" + id})
		l.markOpen()
	case peer.SignalAnswer:
		if l.role != peer.RoleInitiator {
			return peer.ErrUnexpectedSignal
		}
		l.markOpen()
	}
	return nil
}

func (l *fakeLink) WaitOpen(ctx context.Context) error {
	select {
	case <-l.open:
		return nil
	case <-l.closed:
		return peer.ErrClosed
	case <-ctx.Done():
		return peer.ErrNegotiationTimeout
	}
}

func (l *fakeLink) peerFor() (*fakeLink, error) {
	select {
	case <-l.closed:
		return nil, peer.ErrClosed
	case <-l.open:
	default:
		return nil, peer.ErrNotOpen
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.remote == nil {
		return nil, peer.ErrNotOpen
	}
	return l.remote, nil
}

func (l *fakeLink) Send(s string) error {
	remote, err := l.peerFor()
	if err != nil {
		return err
	}
	remote.inbox <- peer.Message{Data: []byte(s), IsString: true}
	return nil
}

func (l *fakeLink) SendWithBackpressure(ctx context.Context, b []byte) error {
	remote, err := l.peerFor()
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.sent++
	sent := l.sent
	l.mu.Unlock()

	l.net.mu.Lock()
	limit, stall := l.net.failSendAfter, l.net.stall
	l.net.mu.Unlock()
	if limit > 0 && sent > limit {
		_ = l.Close()
		return peer.ErrClosed
	}
	if stall {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.closed:
			return peer.ErrClosed
		}
	}

	select {
	case remote.inbox <- peer.Message{Data: append([]byte(nil), b...)}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.ev.OnStateChange != nil {
			l.ev.OnStateChange(peer.StateClosed)
		}
	})
	return nil
}

// corruptingStorage flips a byte in the first n downloads of each URL in
// targets.
type corruptingStorage struct {
	*cloud.MemoryStorage
	mu      sync.Mutex
	n       int
	count   map[string]int
	targets func(url string) bool
}

func (c *corruptingStorage) Download(ctx context.Context, url string) ([]byte, error) {
	data, err := c.MemoryStorage.Download(ctx, url)
	if err != nil || !c.targets(url) {
		return data, err
	}
	c.mu.Lock()
	c.count[url]++
	corrupt := c.count[url] <= c.n
	c.mu.Unlock()
	if corrupt {
		data = append([]byte(nil), data...)
		data[0] ^= 0xff
	}
	return data, nil
}

// lossyTransport swallows the first publish of selected chunk indices
// without forwarding them.
type lossyTransport struct {
	signaling.Transport
	mu   sync.Mutex
	drop map[uint32]bool
}

func (l *lossyTransport) Publish(ctx context.Context, msg *signaling.Message) error {
	if msg.Kind == signaling.KindChunk && msg.Seq != nil {
		l.mu.Lock()
		if l.drop[*msg.Seq] {
			delete(l.drop, *msg.Seq)
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()
	}
	return l.Transport.Publish(ctx, msg)
}

// stallingStorage blocks uploads while stalled.
type stallingStorage struct {
	*cloud.MemoryStorage
	stalled atomic.Bool
}

func (s *stallingStorage) Upload(ctx context.Context, data []byte, name string) (string, error) {
	if s.stalled.Load() {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return s.MemoryStorage.Upload(ctx, data, name)
}

// countingTransport tracks live subscriptions.
type countingTransport struct {
	signaling.Transport
	mu   sync.Mutex
	subs map[signaling.SubscriptionID]bool
}

func newCountingTransport(tr signaling.Transport) *countingTransport {
	return &countingTransport{Transport: tr, subs: make(map[signaling.SubscriptionID]bool)}
}

func (c *countingTransport) Subscribe(filter signaling.Filter, fn signaling.Handler) (signaling.SubscriptionID, error) {
	id, err := c.Transport.Subscribe(filter, fn)
	if err == nil {
		c.mu.Lock()
		c.subs[id] = true
		c.mu.Unlock()
	}
	return id, err
}

func (c *countingTransport) Unsubscribe(id signaling.SubscriptionID) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
	c.Transport.Unsubscribe(id)
}

func (c *countingTransport) live() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}
