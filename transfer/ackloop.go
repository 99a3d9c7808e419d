package transfer

import (
	"sync"
	"time"
)

// ackLoop republishes the acknowledgment for the latest chunk index every
// interval until a higher index supersedes it or maxRetries periodic
// publications were made.
//
// A duplicate of the current index publishes once more immediately but
// leaves the retry count where it was, so a sender stuck resending the same
// chunk cannot keep the loop alive forever.
type ackLoop struct {
	interval   time.Duration
	maxRetries int
	publish    func(idx uint32)

	mu      sync.Mutex
	has     bool
	latest  uint32
	retries int
	gen     uint64
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func newAckLoop(interval time.Duration, maxRetries int, publish func(uint32)) *ackLoop {
	return &ackLoop{interval: interval, maxRetries: maxRetries, publish: publish}
}

// ack reports that chunk idx is the newest acknowledged index.
func (a *ackLoop) ack(idx uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	switch {
	case !a.has || idx > a.latest:
		a.has = true
		a.latest = idx
		a.retries = 0
		a.gen++
		a.schedule()
	case idx < a.latest:
		return
	}
	a.fire(idx)
}

// schedule arms the timer for the current generation. Callers hold mu.
func (a *ackLoop) schedule() {
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.gen
	a.timer = time.AfterFunc(a.interval, func() { a.tick(gen) })
}

func (a *ackLoop) tick(gen uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped || gen != a.gen || a.retries >= a.maxRetries {
		return
	}
	a.retries++
	a.fire(a.latest)
	if a.retries < a.maxRetries {
		a.schedule()
	}
}

// fire publishes off the lock. Callers hold mu.
func (a *ackLoop) fire(idx uint32) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.publish(idx)
	}()
}

// retryCount returns how many periodic publications the current index had.
func (a *ackLoop) retryCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retries
}

// stop cancels the timer and waits for in-flight publications.
func (a *ackLoop) stop() {
	a.mu.Lock()
	a.stopped = true
	if a.timer != nil {
		a.timer.Stop()
	}
	a.mu.Unlock()
	a.wg.Wait()
}
