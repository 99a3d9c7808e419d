package signaling

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type subscription struct {
	id     SubscriptionID
	filter Filter
	fn     Handler
}

type delivery struct {
	id  SubscriptionID
	msg *Message
}

// registry holds subscriptions and delivers matching messages in arrival
// order on a single goroutine, so a handler may publish or unsubscribe
// without deadlocking the transport that called it.
type registry struct {
	log *logrus.Entry

	mu   sync.RWMutex
	subs map[SubscriptionID]*subscription

	qmu    sync.Mutex
	cond   *sync.Cond
	queue  []delivery
	closed bool
}

func newRegistry(log *logrus.Entry) *registry {
	r := &registry{
		log:  log,
		subs: make(map[SubscriptionID]*subscription),
	}
	r.cond = sync.NewCond(&r.qmu)
	go r.run()
	return r
}

func (r *registry) add(filter Filter, fn Handler) (*subscription, error) {
	if fn == nil {
		return nil, errors.New("nil handler")
	}
	r.qmu.Lock()
	closed := r.closed
	r.qmu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	sub := &subscription{id: SubscriptionID(uuid.NewString()), filter: filter, fn: fn}
	r.mu.Lock()
	r.subs[sub.id] = sub
	r.mu.Unlock()
	return sub, nil
}

func (r *registry) remove(id SubscriptionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.subs[id]; !ok {
		return false
	}
	delete(r.subs, id)
	return true
}

func (r *registry) get(id SubscriptionID) (*subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.subs[id]
	return sub, ok
}

func (r *registry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

// deliver queues msg for every subscription whose filter matches. It never
// blocks on handlers.
func (r *registry) deliver(msg *Message) int {
	var targets []SubscriptionID
	r.mu.RLock()
	for id, s := range r.subs {
		if s.filter.Matches(msg) {
			targets = append(targets, id)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		return 0
	}

	r.qmu.Lock()
	defer r.qmu.Unlock()
	if r.closed {
		return 0
	}
	for _, id := range targets {
		r.queue = append(r.queue, delivery{id: id, msg: msg.Clone()})
	}
	r.cond.Signal()
	return len(targets)
}

func (r *registry) run() {
	for {
		r.qmu.Lock()
		for len(r.queue) == 0 && !r.closed {
			r.cond.Wait()
		}
		if r.closed {
			r.queue = nil
			r.qmu.Unlock()
			return
		}
		d := r.queue[0]
		r.queue[0] = delivery{}
		r.queue = r.queue[1:]
		r.qmu.Unlock()

		// The subscription may have been removed while queued.
		if sub, ok := r.get(d.id); ok {
			r.invoke(sub, d.msg)
		}
	}
}

func (r *registry) invoke(sub *subscription, msg *Message) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{
				"subscription": sub.id,
				"kind":         msg.Kind,
				"panic":        p,
			}).Error("Signaling handler panicked")
		}
	}()
	sub.fn(msg)
}

// close drops queued deliveries and stops the delivery goroutine. It does
// not wait, because it may be called from inside a handler.
func (r *registry) close() {
	r.qmu.Lock()
	r.closed = true
	r.queue = nil
	r.cond.Broadcast()
	r.qmu.Unlock()

	r.mu.Lock()
	r.subs = make(map[SubscriptionID]*subscription)
	r.mu.Unlock()
}
