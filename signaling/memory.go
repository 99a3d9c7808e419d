package signaling

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/sirupsen/logrus"
)

// ErrFaultInjected is the default error returned by FailNextPublishes.
var ErrFaultInjected = errors.New("injected publish failure")

// MemoryHub is an in-process broadcast medium with history. Every transport
// obtained from the same hub sees the others' messages. Faults can be
// injected to exercise retry and fallback paths.
type MemoryHub struct {
	log *logrus.Entry

	mu        sync.Mutex
	clock     crypto.TimeProvider
	history   []*Message
	members   map[string]*MemoryTransport
	failNext  int
	failErr   error
	dropped   map[Kind]bool
	published map[Kind]int
}

// NewMemoryHub returns an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{
		log:       logrus.WithField("transport", "memory"),
		clock:     crypto.DefaultTimeProvider{},
		members:   make(map[string]*MemoryTransport),
		dropped:   make(map[Kind]bool),
		published: make(map[Kind]int),
	}
}

// SetTimeProvider replaces the clock used to stamp CreatedAt.
func (h *MemoryHub) SetTimeProvider(tp crypto.TimeProvider) {
	h.mu.Lock()
	h.clock = tp
	h.mu.Unlock()
}

// Transport returns the member named name, creating it if needed. The name
// is used as the Author of everything it publishes.
func (h *MemoryHub) Transport(name string) *MemoryTransport {
	h.mu.Lock()
	defer h.mu.Unlock()

	if t, ok := h.members[name]; ok && !t.closed.Load() {
		return t
	}
	t := &MemoryTransport{
		hub:  h,
		name: name,
		reg:  newRegistry(h.log.WithField("member", name)),
	}
	h.members[name] = t
	return t
}

// FailNextPublishes makes the next n publishes fail with err, or with
// ErrFaultInjected when err is nil.
func (h *MemoryHub) FailNextPublishes(n int, err error) {
	if err == nil {
		err = ErrFaultInjected
	}
	h.mu.Lock()
	h.failNext = n
	h.failErr = err
	h.mu.Unlock()
}

// DropKind makes publishes of kind k succeed without being stored or
// delivered.
func (h *MemoryHub) DropKind(k Kind, drop bool) {
	h.mu.Lock()
	h.dropped[k] = drop
	h.mu.Unlock()
}

// Published returns how many messages of kind k were accepted, including
// dropped ones.
func (h *MemoryHub) Published(k Kind) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.published[k]
}

// History returns copies of every stored message in publish order.
func (h *MemoryHub) History() []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Message, len(h.history))
	for i, m := range h.history {
		out[i] = m.Clone()
	}
	return out
}

func (h *MemoryHub) publish(from *MemoryTransport, msg *Message) error {
	h.mu.Lock()
	if h.failNext > 0 {
		h.failNext--
		err := h.failErr
		h.mu.Unlock()
		h.log.WithFields(logrus.Fields{
			"function": "publish",
			"kind":     msg.Kind,
		}).Warn("Injected publish failure")
		return err
	}

	msg.ID = uuid.NewString()
	msg.Author = from.name
	msg.CreatedAt = h.clock.Now()
	h.published[msg.Kind]++

	if h.dropped[msg.Kind] {
		h.mu.Unlock()
		return nil
	}

	stored := msg.Clone()
	h.history = append(h.history, stored)
	targets := make([]*MemoryTransport, 0, len(h.members))
	for _, m := range h.members {
		if m != from && !m.closed.Load() {
			targets = append(targets, m)
		}
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.reg.deliver(stored)
	}
	return nil
}

func (h *MemoryHub) query(from *MemoryTransport, filter Filter) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []*Message
	for _, m := range h.history {
		if m.Author != from.name && filter.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out
}

func (h *MemoryHub) leave(t *MemoryTransport) {
	h.mu.Lock()
	if h.members[t.name] == t {
		delete(h.members, t.name)
	}
	h.mu.Unlock()
}

// MemoryTransport is one member of a MemoryHub.
type MemoryTransport struct {
	hub       *MemoryHub
	name      string
	reg       *registry
	closed    atomic.Bool
	closeOnce sync.Once
}

// Name returns "memory".
func (t *MemoryTransport) Name() string { return "memory" }

// Publish stores msg in the hub and delivers it to the other members.
func (t *MemoryTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if t.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.hub.publish(t, msg)
}

// Subscribe registers fn for messages from other members.
func (t *MemoryTransport) Subscribe(filter Filter, fn Handler) (SubscriptionID, error) {
	if t.closed.Load() {
		return "", ErrClosed
	}
	sub, err := t.reg.add(filter, fn)
	if err != nil {
		return "", err
	}
	return sub.id, nil
}

// Unsubscribe removes a subscription.
func (t *MemoryTransport) Unsubscribe(id SubscriptionID) {
	t.reg.remove(id)
}

// Query returns stored messages from other members.
func (t *MemoryTransport) Query(ctx context.Context, filter Filter) ([]*Message, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.hub.query(t, filter), nil
}

// Close detaches the member from the hub.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.hub.leave(t)
		t.reg.close()
	})
	return nil
}
