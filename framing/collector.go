package framing

import (
	"errors"
	"fmt"
	"sync"
)

// ErrTotalMismatch indicates frames from two different payloads were mixed.
var ErrTotalMismatch = errors.New("frame total does not match earlier frames")

// ErrInvalidFrame indicates input that ParseFrame rejected.
var ErrInvalidFrame = errors.New("invalid frame")

// Collector accumulates frames in any order until a payload can be rebuilt.
// It is safe for concurrent use; scanners often deliver from a callback
// goroutine.
type Collector struct {
	mu       sync.Mutex
	frames   map[int][]byte
	total    int
	checksum []byte
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{frames: make(map[int][]byte)}
}

// AddFrame records a raw frame. It reports whether the collector now holds
// every frame.
func (c *Collector) AddFrame(b []byte) (bool, error) {
	f, ok := ParseFrame(b)
	if !ok {
		return false, ErrInvalidFrame
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.total != 0 && c.total != f.Total {
		return false, fmt.Errorf("%w: have %d, got %d", ErrTotalMismatch, c.total, f.Total)
	}
	c.total = f.Total
	c.frames[f.Index] = f.Data
	if f.Checksum != nil {
		c.checksum = f.Checksum
	}
	return len(c.frames) == c.total, nil
}

// AddURL decodes a chunk URL and records its frame.
func (c *Collector) AddURL(s string) (bool, error) {
	frame, err := DecodeURL(s)
	if err != nil {
		return false, err
	}
	return c.AddFrame(frame)
}

// Progress returns how many distinct frames have arrived and the expected
// total (zero until the first frame).
func (c *Collector) Progress() (have, total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames), c.total
}

// Missing lists indices not yet received.
func (c *Collector) Missing() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for i := 0; i < c.total; i++ {
		if _, ok := c.frames[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// Payload returns the reassembled payload. The boolean is false while frames
// are still missing; a complete but corrupt payload returns ErrChecksumMismatch.
func (c *Collector) Payload() ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	payload, ok := Reassemble(c.frames, c.total)
	if !ok {
		return nil, false, nil
	}
	if !ValidateChecksum(payload, c.checksum) {
		return nil, true, ErrChecksumMismatch
	}
	return payload, true, nil
}

// Reset discards all frames.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.frames = make(map[int][]byte)
	c.total = 0
	c.checksum = nil
	c.mu.Unlock()
}
