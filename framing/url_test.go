package framing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestURLRoundTrip(t *testing.T) {
	frame := []byte{0, 1, 0xde, 0xad, 0xbe, 0xef, 'h', 'i'}
	u := EncodeURL("https://drop.example/", frame)

	assert.True(t, strings.HasPrefix(u, "https://drop.example/r#d="))
	got, err := DecodeURL(u)
	require.NoError(t, err)
	assert.Equal(t, frame, got)

	fragmentOnly := u[strings.Index(u, "#d=")+3:]
	got, err = DecodeURL(fragmentOnly)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestDecodeURLRejectsForeignURL(t *testing.T) {
	_, err := DecodeURL("https://example.com/page")
	assert.ErrorIs(t, err, ErrNotChunkURL)

	_, err = DecodeURL("https://example.com/r#d=***")
	assert.ErrorIs(t, err, ErrNotChunkURL)
}

func TestCollectorFromURLs(t *testing.T) {
	payload := []byte(strings.Repeat("secretdrop ", 80))
	urls, err := EncodeURLs("https://drop.example", payload, 120)
	require.NoError(t, err)
	require.Greater(t, len(urls), 1)

	c := NewCollector()
	for i := len(urls) - 1; i >= 0; i-- {
		done, err := c.AddURL(urls[i])
		require.NoError(t, err)
		assert.Equal(t, i == 0, done)
	}

	have, total := c.Progress()
	assert.Equal(t, len(urls), have)
	assert.Equal(t, len(urls), total)
	assert.Empty(t, c.Missing())

	out, complete, err := c.Payload()
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, payload, out)
}

func TestCollectorRejectsMixedPayloads(t *testing.T) {
	a, err := Split(make([]byte, 30), 10)
	require.NoError(t, err)
	b, err := Split(make([]byte, 50), 10)
	require.NoError(t, err)

	c := NewCollector()
	_, err = c.AddFrame(a[0])
	require.NoError(t, err)
	_, err = c.AddFrame(b[1])
	assert.ErrorIs(t, err, ErrTotalMismatch)

	_, err = c.AddFrame([]byte{9})
	assert.ErrorIs(t, err, ErrInvalidFrame)

	c.Reset()
	have, total := c.Progress()
	assert.Zero(t, have)
	assert.Zero(t, total)
}

func TestCollectorReportsCorruption(t *testing.T) {
	frames, err := Split([]byte("abcdefghij"), 5)
	require.NoError(t, err)
	frames[1][len(frames[1])-1] ^= 1

	c := NewCollector()
	for _, f := range frames {
		_, err := c.AddFrame(f)
		require.NoError(t, err)
	}
	_, complete, err := c.Payload()
	assert.True(t, complete)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}
