package framing

import (
	"bytes"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPayload(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func parseAll(t *testing.T, frames [][]byte) (map[int][]byte, []byte, int) {
	t.Helper()
	m := make(map[int][]byte)
	var checksum []byte
	total := 0
	for _, raw := range frames {
		f, ok := ParseFrame(raw)
		require.True(t, ok)
		m[f.Index] = f.Data
		total = f.Total
		if f.Checksum != nil {
			checksum = f.Checksum
		}
	}
	return m, checksum, total
}

func TestSplitReassembleRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 5, 399, 400, 401, 1200, 4096, 10_000}
	chunkSizes := []int{1, 7, 100, 400, 1024}

	for _, n := range sizes {
		for _, s := range chunkSizes {
			if n > s*MaxFrames {
				continue
			}
			payload := randomPayload(t, n)
			frames, err := Split(payload, s)
			require.NoError(t, err, "n=%d s=%d", n, s)

			m, checksum, total := parseAll(t, frames)
			out, ok := Reassemble(m, total)
			require.True(t, ok)
			assert.True(t, bytes.Equal(payload, out), "n=%d s=%d", n, s)
			assert.True(t, ValidateChecksum(out, checksum))
		}
	}
}

func TestSplitDistributesRemainder(t *testing.T) {
	frames, err := Split(make([]byte, 10), 4)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	m, _, _ := parseAll(t, frames)
	assert.Len(t, m[0], 4)
	assert.Len(t, m[1], 3)
	assert.Len(t, m[2], 3)
}

func TestSplitRejectsBadSizes(t *testing.T) {
	_, err := Split([]byte("x"), 0)
	assert.ErrorIs(t, err, ErrFrameTooSmall)

	_, err = Split(make([]byte, 256), 1)
	assert.ErrorIs(t, err, ErrTooManyFrames)
}

func TestOutOfOrderAndDuplicateFrames(t *testing.T) {
	payload := randomPayload(t, 5000)
	frames, err := Split(payload, 300)
	require.NoError(t, err)

	order := make([]int, len(frames))
	for i := range order {
		order[i] = i
	}
	for i := len(order) - 1; i > 0; i-- {
		j, _ := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		order[i], order[j.Int64()] = order[j.Int64()], order[i]
	}

	c := NewCollector()
	for _, idx := range order {
		_, err := c.AddFrame(frames[idx])
		require.NoError(t, err)
		// Duplicate insertion must not corrupt anything.
		_, err = c.AddFrame(frames[idx])
		require.NoError(t, err)
	}

	out, complete, err := c.Payload()
	require.NoError(t, err)
	require.True(t, complete)
	assert.Equal(t, payload, out)
}

// Scenario: 1200 bytes in 400-byte chunks, delivered 2, 0, 1.
func TestScenarioOutOfOrderThreeChunks(t *testing.T) {
	payload := randomPayload(t, 1200)
	frames, err := Split(payload, 400)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	m := make(map[int][]byte)
	var checksum []byte
	for i, idx := range []int{2, 0, 1} {
		f, ok := ParseFrame(frames[idx])
		require.True(t, ok)
		assert.Len(t, f.Data, 400)
		m[f.Index] = f.Data
		if f.Checksum != nil {
			checksum = f.Checksum
		}
		_, done := Reassemble(m, 3)
		assert.Equal(t, i == 2, done)
	}

	out, ok := Reassemble(m, 3)
	require.True(t, ok)
	assert.Equal(t, payload, out)
	assert.True(t, ValidateChecksum(out, checksum))
}

func TestParseFrameRejects(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
	}{
		{"empty", nil},
		{"one byte", []byte{0}},
		{"zero total", []byte{0, 0, 1, 2, 3, 4}},
		{"index equals total", []byte{2, 2, 'x'}},
		{"index above total", []byte{5, 2, 'x'}},
		{"frame zero without checksum", []byte{0, 2, 1, 2, 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := ParseFrame(tt.input)
			assert.False(t, ok)
			assert.Nil(t, f)
		})
	}
}

func TestIncompleteVersusCorrupt(t *testing.T) {
	payload := randomPayload(t, 900)
	frames, err := Split(payload, 300)
	require.NoError(t, err)

	m, checksum, total := parseAll(t, frames[:2])
	_, ok := Reassemble(m, 3)
	assert.False(t, ok, "incomplete")
	_ = total

	m, checksum, total = parseAll(t, frames)
	m[1][0] ^= 0xff
	out, ok := Reassemble(m, total)
	require.True(t, ok, "complete")
	assert.False(t, ValidateChecksum(out, checksum), "corrupt")
}

func TestValidateChecksumWrongLength(t *testing.T) {
	assert.False(t, ValidateChecksum([]byte("x"), []byte{1, 2}))
}
