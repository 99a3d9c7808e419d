package transfer

import (
	"sync"
)

type chunkStatus uint8

const (
	chunkPending chunkStatus = iota
	chunkReceiving
	chunkReceived
)

// chunkTracker records which chunks arrived. It is shared between the
// receive loop and the poller.
type chunkTracker struct {
	mu          sync.Mutex
	status      []chunkStatus
	data        [][]byte
	failures    []int
	maxFailures int
	received    int
}

func newChunkTracker(total, maxFailures int) *chunkTracker {
	return &chunkTracker{
		status:      make([]chunkStatus, total),
		data:        make([][]byte, total),
		failures:    make([]int, total),
		maxFailures: maxFailures,
	}
}

func (t *chunkTracker) inRange(idx uint32) bool {
	return int(idx) < len(t.status)
}

// begin claims a pending chunk for processing. It returns false for chunks
// that are out of range, already claimed or already received.
func (t *chunkTracker) begin(idx uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inRange(idx) || t.status[idx] != chunkPending {
		return false
	}
	t.status[idx] = chunkReceiving
	return true
}

// store marks a claimed chunk received.
func (t *chunkTracker) store(idx uint32, plain []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inRange(idx) || t.status[idx] == chunkReceived {
		return
	}
	t.status[idx] = chunkReceived
	t.data[idx] = plain
	t.received++
}

// fail releases a claimed chunk and counts a decryption failure. fatal is
// true once the chunk reached the failure ceiling.
func (t *chunkTracker) fail(idx uint32) (count int, fatal bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inRange(idx) {
		return 0, false
	}
	if t.status[idx] == chunkReceiving {
		t.status[idx] = chunkPending
	}
	t.failures[idx]++
	return t.failures[idx], t.failures[idx] >= t.maxFailures
}

// release returns a claimed chunk to pending without counting a failure.
func (t *chunkTracker) release(idx uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inRange(idx) && t.status[idx] == chunkReceiving {
		t.status[idx] = chunkPending
	}
}

func (t *chunkTracker) has(idx uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inRange(idx) && t.status[idx] == chunkReceived
}

// contiguous returns the highest index below which every chunk arrived.
func (t *chunkTracker) contiguous() (uint32, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for n < len(t.status) && t.status[n] == chunkReceived {
		n++
	}
	if n == 0 {
		return 0, false
	}
	return uint32(n - 1), true
}

// missing lists up to limit indices that have not arrived.
func (t *chunkTracker) missing(limit int) []uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []uint32
	for i, s := range t.status {
		if s != chunkReceived {
			out = append(out, uint32(i))
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

func (t *chunkTracker) progress() (received, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received, len(t.status)
}

func (t *chunkTracker) complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.received == len(t.status)
}

// assemble concatenates every chunk. It returns false if any is missing.
func (t *chunkTracker) assemble() ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.received != len(t.status) {
		return nil, false
	}
	size := 0
	for _, d := range t.data {
		size += len(d)
	}
	out := make([]byte, 0, size)
	for _, d := range t.data {
		out = append(out, d...)
	}
	return out, true
}

// wipe zeroes stored plaintext.
func (t *chunkTracker) wipe() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, d := range t.data {
		for j := range d {
			d[j] = 0
		}
		t.data[i] = nil
	}
}
