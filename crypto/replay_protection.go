package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ReplayNonceSize is the length of a replay-protection nonce.
const ReplayNonceSize = 32

// DefaultReplayWindow is how long a used nonce is remembered.
const DefaultReplayWindow = 2 * time.Hour

// ReplayNonce is a random value a party expects to see echoed exactly once.
type ReplayNonce [ReplayNonceSize]byte

// NewReplayNonce generates a random replay nonce.
func NewReplayNonce() (ReplayNonce, error) {
	var n ReplayNonce
	if err := randomBytes(n[:]); err != nil {
		return ReplayNonce{}, err
	}
	return n, nil
}

// NonceStore remembers used nonces so a captured envelope or acknowledgment
// cannot be replayed within the window.
//
// Example usage:
//
//	ns := crypto.NewNonceStore(crypto.DefaultReplayWindow, nil)
//	defer ns.Close()
//
//	if !ns.CheckAndStore(nonce) {
//	    // replay detected, reject
//	}
//
// The store is safe for concurrent use and runs a background goroutine that
// prunes expired entries until Close is called.
type NonceStore struct {
	mu           sync.Mutex
	nonces       map[ReplayNonce]time.Time // nonce -> expiry
	window       time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	logger       *logrus.Entry
	timeProvider TimeProvider
}

// NewNonceStore creates an in-memory nonce store. Pass nil for timeProvider to
// use the wall clock.
func NewNonceStore(window time.Duration, timeProvider TimeProvider) *NonceStore {
	if window <= 0 {
		window = DefaultReplayWindow
	}
	if timeProvider == nil {
		timeProvider = DefaultTimeProvider{}
	}

	ns := &NonceStore{
		nonces:       make(map[ReplayNonce]time.Time),
		window:       window,
		stopChan:     make(chan struct{}),
		logger:       logrus.WithField("component", "nonce_store"),
		timeProvider: timeProvider,
	}
	go ns.cleanupLoop()
	return ns
}

// CheckAndStore records nonce and reports whether it was fresh. A false result
// means the nonce was already seen inside the window.
func (ns *NonceStore) CheckAndStore(nonce ReplayNonce) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := ns.timeProvider.Now()
	if expiry, exists := ns.nonces[nonce]; exists && expiry.After(now) {
		ns.logger.WithFields(logrus.Fields{
			"nonce": fmt.Sprintf("%x", nonce[:8]),
		}).Warn("Replay detected: nonce already used")
		return false
	}

	ns.nonces[nonce] = now.Add(ns.window)
	return true
}

// Seen reports whether nonce is currently remembered, without recording it.
func (ns *NonceStore) Seen(nonce ReplayNonce) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	expiry, exists := ns.nonces[nonce]
	return exists && expiry.After(ns.timeProvider.Now())
}

// Len returns the number of remembered nonces.
func (ns *NonceStore) Len() int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return len(ns.nonces)
}

func (ns *NonceStore) cleanupLoop() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ns.cleanup()
		case <-ns.stopChan:
			return
		}
	}
}

func (ns *NonceStore) cleanup() {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	now := ns.timeProvider.Now()
	removed := 0
	for nonce, expiry := range ns.nonces {
		if !expiry.After(now) {
			delete(ns.nonces, nonce)
			removed++
		}
	}

	if removed > 0 {
		ns.logger.WithFields(logrus.Fields{
			"removed":   removed,
			"remaining": len(ns.nonces),
		}).Debug("Cleaned up expired nonces")
	}
}

// Close stops the cleanup loop. It is safe to call more than once.
func (ns *NonceStore) Close() error {
	ns.stopOnce.Do(func() { close(ns.stopChan) })
	return nil
}
