package signaling

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/framing"
	"github.com/sirupsen/logrus"
)

// ManualConfig configures a ManualTransport.
type ManualConfig struct {
	// OnOutgoing receives every published blob. It is called synchronously
	// from Publish.
	OnOutgoing func(blob []byte, msg *Message)
	// BucketDuration is the obfuscation bucket width. Both devices must use
	// the same value. Zero means BucketDuration.
	BucketDuration time.Duration
	Clock          crypto.TimeProvider
	Logger         *logrus.Entry
}

// ManualTransport moves messages as opaque blobs the user carries between
// devices. Nothing leaves the process on its own.
//
// The obfuscation keys on the time bucket only, so it hides structure from a
// casual glance at a QR code and nothing more. Confidentiality comes from
// the session key that encrypts every payload.
type ManualTransport struct {
	cfg     ManualConfig
	log     *logrus.Entry
	author  string
	buckets *timeBuckets
	reg     *registry

	mu        sync.Mutex
	history   []*Message
	ids       map[string]bool
	outbox    [][]byte
	collector *framing.Collector
	closed    bool

	closeOnce sync.Once
}

// NewManualTransport returns a transport with an empty outbox.
func NewManualTransport(cfg ManualConfig) *ManualTransport {
	if cfg.Clock == nil {
		cfg.Clock = crypto.DefaultTimeProvider{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.WithField("transport", "manual")
	}
	return &ManualTransport{
		cfg:       cfg,
		log:       cfg.Logger,
		author:    uuid.NewString(),
		buckets:   newTimeBuckets(cfg.Clock, cfg.BucketDuration),
		reg:       newRegistry(cfg.Logger),
		ids:       make(map[string]bool),
		collector: framing.NewCollector(),
	}
}

// Name returns "manual".
func (t *ManualTransport) Name() string { return "manual" }

// Publish encodes msg into a blob, stores it in the outbox and hands it to
// OnOutgoing.
func (t *ManualTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	msg.ID = uuid.NewString()
	msg.Author = t.author
	msg.CreatedAt = t.cfg.Clock.Now()

	blob, err := encodeBlob(msg, t.buckets.current())
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.ids[msg.ID] = true
	t.outbox = append(t.outbox, blob)
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function": "Publish",
		"kind":     msg.Kind,
		"bytes":    len(blob),
	}).Debug("Manual blob ready")

	if t.cfg.OnOutgoing != nil {
		t.cfg.OnOutgoing(blob, msg.Clone())
	}
	return nil
}

// Outbox returns every blob published so far.
func (t *ManualTransport) Outbox() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.outbox))
	for i, b := range t.outbox {
		out[i] = append([]byte(nil), b...)
	}
	return out
}

// Inject decodes a blob produced by the other party and delivers it.
// Duplicates and the transport's own blobs are accepted but not delivered.
func (t *ManualTransport) Inject(blob []byte) (*Message, error) {
	msg, err := decodeBlob(blob, t.buckets.recent())
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.ids[msg.ID] || msg.Author == t.author {
		t.mu.Unlock()
		return msg, nil
	}
	t.ids[msg.ID] = true
	t.history = append(t.history, msg.Clone())
	t.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"function": "Inject",
		"kind":     msg.Kind,
	}).Debug("Manual blob accepted")
	t.reg.deliver(msg)
	return msg, nil
}

// InjectText decodes clipboard text produced by EncodeText and delivers it.
func (t *ManualTransport) InjectText(s string) (*Message, error) {
	blob, err := DecodeText(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	return t.Inject(blob)
}

// QRChunks splits a blob into chunk URLs small enough for one QR code each.
func QRChunks(blob []byte, baseURL string, maxBytes int) ([]string, error) {
	return framing.EncodeURLs(baseURL, blob, maxBytes)
}

// InjectChunkURL feeds one scanned chunk URL. Once every chunk of a blob has
// been seen the blob is injected and its message returned.
func (t *ManualTransport) InjectChunkURL(s string) (*Message, error) {
	t.mu.Lock()
	collector := t.collector
	t.mu.Unlock()

	done, err := collector.AddURL(s)
	if err != nil || !done {
		return nil, err
	}

	blob, complete, err := collector.Payload()
	collector.Reset()
	if err != nil || !complete {
		return nil, err
	}
	return t.Inject(blob)
}

// ChunkProgress reports how many chunks of the blob being scanned are in.
func (t *ManualTransport) ChunkProgress() (have, total int) {
	return t.collector.Progress()
}

// Subscribe registers fn for injected messages.
func (t *ManualTransport) Subscribe(filter Filter, fn Handler) (SubscriptionID, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	sub, err := t.reg.add(filter, fn)
	if err != nil {
		return "", err
	}
	return sub.id, nil
}

// Unsubscribe removes a subscription.
func (t *ManualTransport) Unsubscribe(id SubscriptionID) {
	t.reg.remove(id)
}

// Query returns injected messages matching filter.
func (t *ManualTransport) Query(ctx context.Context, filter Filter) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	var out []*Message
	for _, m := range t.history {
		if filter.Matches(m) {
			out = append(out, m.Clone())
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Close drops subscriptions. The outbox stays readable.
func (t *ManualTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		t.reg.close()
	})
	return nil
}
