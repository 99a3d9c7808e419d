package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/sirupsen/logrus"
)

// inboxSize is the buffer of each channel fed by signaling handlers.
const inboxSize = 256

// derivePIN is replaced in tests to skip the PBKDF2 work factor.
var derivePIN = crypto.DeriveFromPIN

// run is one Send or Receive call.
type run struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	td        teardown
	log       *logrus.Entry
	started   time.Time
	done      chan struct{}
}

func (r *run) err() error {
	if r.cancelled.Load() {
		return context.Canceled
	}
	return r.ctx.Err()
}

// machine is the state shared by Sender and Receiver.
type machine struct {
	role      Role
	opts      Options
	log       *logrus.Entry
	nonces    *crypto.NonceStore
	ownNonces bool

	mu        sync.Mutex
	active    bool
	current   *run
	state     State
	observers []Observer
}

func newMachine(role Role, opts Options) *machine {
	opts = opts.withDefaults()
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("package", "transfer")
	}
	m := &machine{
		role:   role,
		opts:   opts,
		log:    log.WithField("role", string(role)),
		nonces: opts.Nonces,
		state:  State{Role: role, Status: StatusIdle, Phase: PhaseIdle},
	}
	if m.nonces == nil {
		m.nonces = crypto.NewNonceStore(2*opts.EnvelopeTTL, opts.Clock)
		m.ownNonces = true
	}
	return m
}

// Observe registers fn for every later transition.
func (m *machine) Observe(fn Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Active reports whether a transfer is running.
func (m *machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Cancel stops the running transfer, if any, and returns to idle at once.
// The blocked Send or Receive call returns after releasing its resources.
func (m *machine) Cancel() {
	m.mu.Lock()
	r := m.current
	if r == nil || r.cancelled.Load() {
		m.mu.Unlock()
		return
	}
	r.cancelled.Store(true)
	m.state = State{Role: m.role, Status: StatusIdle, Phase: PhaseIdle, TransferID: m.state.TransferID}
	snapshot, observers := m.state, m.observersLocked()
	m.mu.Unlock()

	r.cancel()
	r.log.WithField("function", "Cancel").Info("Transfer cancelled")
	notify(observers, snapshot)
}

// Close cancels any running transfer and stops the replay nonce store if
// the orchestrator created it.
func (m *machine) Close() error {
	m.Cancel()
	if m.ownNonces {
		return m.nonces.Close()
	}
	return nil
}

func (m *machine) observersLocked() []Observer {
	return append([]Observer(nil), m.observers...)
}

func notify(observers []Observer, s State) {
	for _, fn := range observers {
		fn(s)
	}
}

// begin starts a run or fails with ErrBusy without touching state.
func (m *machine) begin(ctx context.Context) (*run, error) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return nil, &Error{Kind: ErrBusy, Op: "start"}
	}
	rctx, cancel := context.WithCancel(ctx)
	r := &run{
		ctx:     rctx,
		cancel:  cancel,
		log:     m.log,
		started: m.opts.Clock.Now(),
		done:    make(chan struct{}),
	}
	r.td.push(cancel)
	m.active = true
	m.current = r
	m.state = State{Role: m.role, Status: StatusIdle, Phase: PhaseIdle}
	m.mu.Unlock()

	m.opts.Metrics.transferStarted(m.role)
	return r, nil
}

// transition moves to phase and applies mutate. It does nothing once the run
// was cancelled or reached a terminal phase.
func (m *machine) transition(r *run, phase Phase, mutate func(*State)) {
	m.mu.Lock()
	if m.current != r || r.cancelled.Load() || m.state.Phase.Terminal() {
		m.mu.Unlock()
		return
	}
	from := m.state.Phase
	m.state.Phase = phase
	m.state.Status = phase.Status()
	if mutate != nil {
		mutate(&m.state)
	}
	snapshot, observers := m.state, m.observersLocked()
	m.mu.Unlock()

	if from != phase {
		r.log.WithFields(logrus.Fields{
			"function": "transition",
			"from":     from,
			"to":       phase,
		}).Info("Transfer phase changed")
	}
	notify(observers, snapshot)
}

// update applies mutate without changing phase.
func (m *machine) update(r *run, mutate func(*State)) {
	m.transition(r, m.State().Phase, mutate)
}

// finish releases the run and records its outcome.
func (m *machine) finish(r *run, err error) error {
	r.cancel()
	r.td.release()

	kind := ""
	switch {
	case r.cancelled.Load() || (err != nil && errors.Is(err, context.Canceled)):
		err = &Error{Kind: ErrCancelled, Op: "cancel", Err: err}
		kind = "cancelled"
		m.mu.Lock()
		if !r.cancelled.Load() {
			r.cancelled.Store(true)
			m.state = State{Role: m.role, Status: StatusIdle, Phase: PhaseIdle, TransferID: m.state.TransferID}
			snapshot, observers := m.state, m.observersLocked()
			m.mu.Unlock()
			notify(observers, snapshot)
		} else {
			m.mu.Unlock()
		}
	case err != nil:
		te := classify("transfer", err)
		err = te
		kind = kindLabel(te.Kind)
		r.log.WithFields(logrus.Fields{
			"function": "finish",
			"error":    te.Error(),
		}).Error("Transfer failed")
		m.transition(r, PhaseError, func(s *State) { s.Err = te })
	default:
		m.transition(r, PhaseComplete, nil)
	}

	m.mu.Lock()
	path := m.state.Path
	m.active = false
	m.current = nil
	m.mu.Unlock()
	close(r.done)

	m.opts.Metrics.transferFinished(m.role, path, kind, m.opts.Clock.Since(r.started).Seconds())
	return err
}

func kindLabel(kind error) string {
	switch kind {
	case nil:
		return "other"
	case ErrValidation:
		return "validation"
	case ErrKeyDerivation:
		return "key_derivation"
	case ErrHandshakeTimeout:
		return "handshake_timeout"
	case ErrDecryption:
		return "decryption"
	case ErrTransportExhausted:
		return "transport_exhausted"
	case ErrSecurityCheck:
		return "security_check"
	case ErrSessionExpired:
		return "session_expired"
	case ErrTimeout:
		return "timeout"
	default:
		return "other"
	}
}

// publish sends msg on the signaling transport with retries.
func (m *machine) publish(r *run, msg *signaling.Message) error {
	if err := r.err(); err != nil {
		return err
	}
	return m.opts.Retry.Do(r.ctx, func(ctx context.Context) error {
		err := m.opts.Signaling.Publish(ctx, msg.Clone())
		// Transports that fan out to several endpoints retry and discover
		// internally; exhaustion is their final answer.
		if errors.Is(err, signaling.ErrClosed) || errors.Is(err, signaling.ErrInvalidMessage) ||
			errors.Is(err, signaling.ErrTransportExhausted) {
			return retry.Permanent(err)
		}
		return err
	})
}

// subscribe registers fn for the run's lifetime.
func (m *machine) subscribe(r *run, filter signaling.Filter, fn signaling.Handler) error {
	id, err := m.opts.Signaling.Subscribe(filter, fn)
	if err != nil {
		return err
	}
	r.td.push(func() { m.opts.Signaling.Unsubscribe(id) })
	return nil
}

// deliver hands msg to ch without blocking the transport's dispatch
// goroutine. Dropped messages are recovered by retries and polling.
func deliver(log *logrus.Entry, ch chan *signaling.Message, msg *signaling.Message) {
	select {
	case ch <- msg:
	default:
		log.WithFields(logrus.Fields{
			"function": "deliver",
			"kind":     msg.Kind,
		}).Warn("Inbox full, dropping signaling message")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
