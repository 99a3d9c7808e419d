package framing

import (
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	// HeaderSize is the [index][total] prefix present on every frame.
	HeaderSize = 2
	// ChecksumSize is the length of the payload checksum carried by frame 0.
	ChecksumSize = 4
	// MaxFrames is the largest total that fits the one-byte total field.
	MaxFrames = 255
)

var (
	// ErrFrameTooSmall indicates maxBytes leaves no room for data.
	ErrFrameTooSmall = errors.New("frame data size must be positive")
	// ErrTooManyFrames indicates the payload needs more than MaxFrames frames.
	ErrTooManyFrames = errors.New("payload needs more than 255 frames")
	// ErrChecksumMismatch indicates all frames arrived but the payload is corrupt.
	ErrChecksumMismatch = errors.New("payload checksum mismatch")
)

// Frame is a parsed frame. Checksum is only set on frame 0.
type Frame struct {
	Index    int
	Total    int
	Data     []byte
	Checksum []byte
}

// Checksum returns the 4-byte BLAKE3 prefix used to validate a reassembled payload.
func Checksum(payload []byte) []byte {
	sum := blake3.Sum256(payload)
	out := make([]byte, ChecksumSize)
	copy(out, sum[:ChecksumSize])
	return out
}

// ValidateChecksum reports whether payload matches checksum.
func ValidateChecksum(payload, checksum []byte) bool {
	if len(checksum) != ChecksumSize {
		return false
	}
	want := Checksum(payload)
	for i := range want {
		if want[i] != checksum[i] {
			return false
		}
	}
	return true
}

// Split cuts payload into frames carrying at most maxBytes of data each; the
// header adds HeaderSize bytes (plus ChecksumSize on frame 0). Data is spread
// so chunk sizes differ by at most one byte, with the remainder going to the
// first chunks. An empty payload yields a single frame.
func Split(payload []byte, maxBytes int) ([][]byte, error) {
	capacity := maxBytes
	if capacity < 1 {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooSmall, maxBytes)
	}

	total := (len(payload) + capacity - 1) / capacity
	if total == 0 {
		total = 1
	}
	if total > MaxFrames {
		return nil, fmt.Errorf("%w: %d needed", ErrTooManyFrames, total)
	}

	base := len(payload) / total
	remainder := len(payload) % total
	checksum := Checksum(payload)

	frames := make([][]byte, 0, total)
	offset := 0
	for i := 0; i < total; i++ {
		size := base
		if i < remainder {
			size++
		}

		headerLen := HeaderSize
		if i == 0 {
			headerLen += ChecksumSize
		}
		frame := make([]byte, 0, headerLen+size)
		frame = append(frame, byte(i), byte(total))
		if i == 0 {
			frame = append(frame, checksum...)
		}
		frame = append(frame, payload[offset:offset+size]...)
		frames = append(frames, frame)
		offset += size
	}
	return frames, nil
}

// ParseFrame decodes a frame. It returns false for input shorter than the
// header, index >= total, total == 0, or a frame 0 without its checksum.
func ParseFrame(b []byte) (*Frame, bool) {
	if len(b) < HeaderSize {
		return nil, false
	}
	index, total := int(b[0]), int(b[1])
	if total == 0 || index >= total {
		return nil, false
	}

	f := &Frame{Index: index, Total: total}
	rest := b[HeaderSize:]
	if index == 0 {
		if len(rest) < ChecksumSize {
			return nil, false
		}
		f.Checksum = append([]byte(nil), rest[:ChecksumSize]...)
		rest = rest[ChecksumSize:]
	}
	f.Data = append([]byte(nil), rest...)
	return f, true
}

// Reassemble joins frame data by index. It returns false if any index in
// [0,total) is absent. Re-inserting a frame under the same index simply
// replaces identical data, so duplicates cannot corrupt the result.
func Reassemble(frames map[int][]byte, total int) ([]byte, bool) {
	if total <= 0 {
		return nil, false
	}
	size := 0
	for i := 0; i < total; i++ {
		data, ok := frames[i]
		if !ok {
			return nil, false
		}
		size += len(data)
	}

	out := make([]byte, 0, size)
	for i := 0; i < total; i++ {
		out = append(out, frames[i]...)
	}
	return out, true
}
