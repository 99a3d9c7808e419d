package signaling

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualExchangeRoundTrip(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))

	var outgoing [][]byte
	sender := NewManualTransport(ManualConfig{
		Clock:      clock,
		OnOutgoing: func(blob []byte, _ *Message) { outgoing = append(outgoing, blob) },
	})
	receiver := NewManualTransport(ManualConfig{Clock: clock})
	defer sender.Close()
	defer receiver.Close()

	var got collector
	_, err := receiver.Subscribe(Filter{Kinds: []Kind{KindKeyExchange}}, got.handle)
	require.NoError(t, err)

	msg := &Message{TransferID: "tx", Kind: KindKeyExchange, Hint: "01020304", Payload: []byte("envelope")}
	require.NoError(t, sender.Publish(context.Background(), msg))
	require.Len(t, outgoing, 1)
	assert.Equal(t, outgoing, sender.Outbox())

	blob := outgoing[0]
	assert.Equal(t, []byte("SDX1"), blob[:4])
	assert.NotContains(t, string(blob), "envelope")

	decoded, err := receiver.Inject(blob)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, decoded.ID)
	assert.Equal(t, []byte("envelope"), decoded.Payload)
	assert.Equal(t, "01020304", decoded.Hint)

	require.Eventually(t, func() bool { return got.count() == 1 }, time.Second, 5*time.Millisecond)

	// Duplicates are accepted but delivered once.
	_, err = receiver.Inject(blob)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, got.count())

	hist, err := receiver.Query(context.Background(), Filter{TransferID: "tx"})
	require.NoError(t, err)
	assert.Len(t, hist, 1)

	// A transport ignores its own blobs.
	_, err = sender.Inject(blob)
	require.NoError(t, err)
	own, err := sender.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Empty(t, own)
}

func TestManualBlobTimeBuckets(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sendClock := crypto.NewManualTimeProvider(start)
	recvClock := crypto.NewManualTimeProvider(start)

	sender := NewManualTransport(ManualConfig{Clock: sendClock})
	receiver := NewManualTransport(ManualConfig{Clock: recvClock})

	require.NoError(t, sender.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindOffer}))
	blob := sender.Outbox()[0]

	recvClock.Advance(BucketDuration)
	_, err := receiver.Inject(blob)
	require.NoError(t, err, "previous bucket must still decode")

	late := NewManualTransport(ManualConfig{Clock: crypto.NewManualTimeProvider(start.Add(2 * BucketDuration))})
	_, err = late.Inject(blob)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestManualRejectsGarbage(t *testing.T) {
	tr := NewManualTransport(ManualConfig{})

	for _, blob := range [][]byte{nil, []byte("SDX"), []byte("XXXX12345678"), []byte("SDX1garbagegarbage")} {
		_, err := tr.Inject(blob)
		assert.ErrorIs(t, err, ErrInvalidMessage)
	}

	_, err := tr.InjectText("not base64 !!")
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestManualTextAndQRChunks(t *testing.T) {
	clock := crypto.NewManualTimeProvider(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	sender := NewManualTransport(ManualConfig{Clock: clock})
	receiver := NewManualTransport(ManualConfig{Clock: clock})

	payload := make([]byte, 2000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	require.NoError(t, sender.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindAnswer, Payload: payload}))
	blob := sender.Outbox()[0]

	got, err := receiver.InjectText("  " + EncodeText(blob) + "\n")
	require.NoError(t, err)
	assert.Equal(t, payload, got.Payload)

	other := NewManualTransport(ManualConfig{Clock: clock})
	urls, err := QRChunks(blob, "https://drop.example", 60)
	require.NoError(t, err)
	require.Greater(t, len(urls), 1)

	for i := len(urls) - 1; i > 0; i-- {
		msg, err := other.InjectChunkURL(urls[i])
		require.NoError(t, err)
		assert.Nil(t, msg)
	}
	have, total := other.ChunkProgress()
	assert.Equal(t, len(urls)-1, have)
	assert.Equal(t, len(urls), total)

	msg, err := other.InjectChunkURL(urls[0])
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, payload, msg.Payload)
}

func TestTimeBuckets(t *testing.T) {
	clock := crypto.NewManualTimeProvider(bucketGenesis.Add(-time.Minute))
	b := newTimeBuckets(clock, time.Minute)

	assert.Equal(t, []uint64{0}, b.recent())
	clock.Advance(3*time.Minute + 30*time.Second)
	assert.Equal(t, uint64(2), b.current())
	assert.Equal(t, []uint64{2, 1}, b.recent())

	assert.Equal(t, BucketDuration, newTimeBuckets(clock, 0).duration)
}
