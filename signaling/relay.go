package signaling

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultRelays are public relays used when none are configured.
var DefaultRelays = []string{
	"wss://relay.damus.io",
	"wss://nos.lol",
	"wss://relay.nostr.band",
}

// RelayConfig configures a RelayTransport.
type RelayConfig struct {
	URLs []string
	// DiscoveryPool is queried when every configured relay fails a publish.
	DiscoveryPool    []string
	Discoverer       Discoverer
	MinMessageLength int

	Retry          retry.Config
	DialTimeout    time.Duration
	PublishTimeout time.Duration
	QueryTimeout   time.Duration

	// Signer defaults to a fresh throwaway Schnorr identity.
	Signer Signer
	// SkipSignatureCheck accepts incoming events without verifying their
	// signatures. Event ids are always checked.
	SkipSignatureCheck bool
	SeenCacheSize      int

	Dialer *websocket.Dialer
	Clock  crypto.TimeProvider
	Logger *logrus.Entry
}

func (c RelayConfig) withDefaults() RelayConfig {
	if len(c.URLs) == 0 {
		c.URLs = DefaultRelays
	}
	if c.MinMessageLength <= 0 {
		c.MinMessageLength = DefaultMinMessageLength
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig()
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
	if c.SeenCacheSize <= 0 {
		c.SeenCacheSize = 4096
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = crypto.DefaultTimeProvider{}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("transport", "relay")
	}
	return c
}

// RelayTransport broadcasts messages as signed events through a set of
// websocket relays.
type RelayTransport struct {
	cfg    RelayConfig
	log    *logrus.Entry
	signer Signer
	reg    *registry
	seen   *lru.Cache

	mu     sync.Mutex
	urls   []string
	conns  map[string]*relayConn
	closed bool

	closeOnce sync.Once
}

// NewRelayTransport creates a relay transport. Connections are opened on
// first use or by Connect.
func NewRelayTransport(cfg RelayConfig) (*RelayTransport, error) {
	cfg = cfg.withDefaults()

	signer := cfg.Signer
	if signer == nil {
		s, err := NewSchnorrSigner()
		if err != nil {
			return nil, err
		}
		signer = s
	}

	seen, err := lru.New(cfg.SeenCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create event cache: %w", err)
	}

	return &RelayTransport{
		cfg:    cfg,
		log:    cfg.Logger,
		signer: signer,
		reg:    newRegistry(cfg.Logger),
		seen:   seen,
		urls:   append([]string(nil), cfg.URLs...),
		conns:  make(map[string]*relayConn),
	}, nil
}

// Name returns "relay".
func (t *RelayTransport) Name() string { return "relay" }

// PublicKey returns the identity events are signed with.
func (t *RelayTransport) PublicKey() string { return t.signer.PublicKey() }

// Relays returns the known relay urls, including discovered ones.
func (t *RelayTransport) Relays() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.urls...)
}

// Connect dials every relay that is not already connected. It fails only if
// no relay at all is reachable.
func (t *RelayTransport) Connect(ctx context.Context) error {
	return t.ensureConnected(ctx)
}

func (t *RelayTransport) ensureConnected(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	var missing []string
	for _, u := range t.urls {
		if c, ok := t.conns[u]; !ok || !c.alive() {
			missing = append(missing, u)
		}
	}
	t.mu.Unlock()

	if len(missing) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, url := range missing {
			url := url
			g.Go(func() error {
				dctx, cancel := context.WithTimeout(gctx, t.cfg.DialTimeout)
				defer cancel()
				c, err := dialRelay(dctx, t.cfg.Dialer, url, t.log, t.handleEvent)
				if err != nil {
					t.log.WithError(err).Warn("Relay unreachable")
					return nil
				}
				t.adopt(c)
				return nil
			})
		}
		_ = g.Wait()
	}

	if len(t.live()) == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		return errors.New("no relay reachable")
	}
	return nil
}

func (t *RelayTransport) adopt(c *relayConn) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		c.close()
		return
	}
	if old, ok := t.conns[c.url]; ok && old != c {
		old.close()
	}
	t.conns[c.url] = c
	t.mu.Unlock()

	for _, s := range t.reg.snapshot() {
		if err := c.subscribe(string(s.id), relayFilter(s.filter)); err != nil {
			t.log.WithError(err).Warn("Replaying subscription failed")
		}
	}
	t.log.WithField("relay", c.url).Debug("Relay connected")
}

func (t *RelayTransport) live() []*relayConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*relayConn, 0, len(t.conns))
	for url, c := range t.conns {
		if c.alive() {
			out = append(out, c)
		} else {
			delete(t.conns, url)
		}
	}
	return out
}

// AddRelays adds websocket relay URLs that are not yet known and returns how
// many were added. They are dialed on the next publish or Connect, and
// existing subscriptions are replayed on them.
func (t *RelayTransport) AddRelays(urls []string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	known := make(map[string]bool, len(t.urls))
	for _, u := range t.urls {
		known[u] = true
	}
	added := 0
	for _, u := range urls {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			continue
		}
		if !known[u] {
			known[u] = true
			t.urls = append(t.urls, u)
			added++
		}
	}
	return added
}

func (t *RelayTransport) handleEvent(c *relayConn, subID string, ev *Event) {
	if ev.PubKey == t.signer.PublicKey() {
		return
	}
	if !t.cfg.SkipSignatureCheck && !ev.VerifySignature() {
		c.log.WithField("event_id", ev.ID).Warn("Dropping event with bad signature")
		return
	}
	if seen, _ := t.seen.ContainsOrAdd(ev.ID, struct{}{}); seen {
		return
	}

	msg, err := messageFromEvent(ev)
	if err != nil {
		c.log.WithError(err).Debug("Ignoring foreign event")
		return
	}
	t.reg.deliver(msg)
}

// Publish signs msg and sends it to every connected relay, returning once
// any relay accepts. Failed attempts are retried with backoff; when all of
// them fail the discovery pool is queried and the publish is tried once more.
func (t *RelayTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if t.isClosed() {
		return ErrClosed
	}

	now := t.cfg.Clock.Now()
	ev, err := eventFromMessage(msg, now)
	if err != nil {
		return err
	}
	if err := ev.Sign(t.signer); err != nil {
		return err
	}
	t.seen.Add(ev.ID, struct{}{})

	log := t.log.WithFields(logrus.Fields{
		"function":    "Publish",
		"kind":        msg.Kind,
		"transfer_id": shortID(msg.TransferID),
	})

	err = t.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := t.ensureConnected(ctx); err != nil {
			return err
		}
		return t.publishOnce(ctx, ev)
	})
	if err == nil {
		t.stamp(msg, ev, now)
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if t.isClosed() {
		return ErrClosed
	}

	log.WithError(err).Warn("Publish failed on every relay")
	if derr := t.discoverAndPublish(ctx, ev); derr == nil {
		t.stamp(msg, ev, now)
		return nil
	} else if !errors.Is(derr, errNoDiscovery) {
		err = derr
	}
	return fmt.Errorf("%w: %v", ErrTransportExhausted, err)
}

var errNoDiscovery = errors.New("no discovery configured")

func (t *RelayTransport) discoverAndPublish(ctx context.Context, ev *Event) error {
	if t.cfg.Discoverer == nil || len(t.cfg.DiscoveryPool) == 0 {
		return errNoDiscovery
	}

	found, err := t.cfg.Discoverer.Discover(ctx, t.cfg.DiscoveryPool, t.cfg.MinMessageLength)
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if t.AddRelays(found) == 0 {
		return errors.New("discovery found no new relays")
	}
	t.log.WithField("relays", len(found)).Info("Retrying publish with discovered relays")

	if err := t.ensureConnected(ctx); err != nil {
		return err
	}
	return t.publishOnce(ctx, ev)
}

func (t *RelayTransport) publishOnce(ctx context.Context, ev *Event) error {
	conns := t.live()
	if len(conns) == 0 {
		return errors.New("no relay connected")
	}

	pctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()

	results := make(chan error, len(conns))
	for _, c := range conns {
		c := c
		go func() { results <- c.publish(pctx, ev) }()
	}

	errs := make([]error, 0, len(conns))
	for range conns {
		err := <-results
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (t *RelayTransport) stamp(msg *Message, ev *Event, now time.Time) {
	msg.ID = ev.ID
	msg.Author = ev.PubKey
	msg.CreatedAt = time.Unix(now.Unix(), 0)
}

// Subscribe registers fn. If no relay is connected yet a background connect
// is started and the subscription is sent once it completes.
func (t *RelayTransport) Subscribe(filter Filter, fn Handler) (SubscriptionID, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	sub, err := t.reg.add(filter, fn)
	if err != nil {
		return "", err
	}

	conns := t.live()
	for _, c := range conns {
		if err := c.subscribe(string(sub.id), relayFilter(filter)); err != nil {
			t.log.WithError(err).Warn("Subscribe failed on relay")
		}
	}
	if len(conns) == 0 {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
			defer cancel()
			if err := t.ensureConnected(ctx); err != nil && !errors.Is(err, ErrClosed) {
				t.log.WithError(err).Warn("Background relay connect failed")
			}
		}()
	}
	return sub.id, nil
}

// Unsubscribe closes the subscription on every relay.
func (t *RelayTransport) Unsubscribe(id SubscriptionID) {
	if !t.reg.remove(id) {
		return
	}
	for _, c := range t.live() {
		c.unsubscribe(string(id))
	}
}

// Query asks every connected relay for stored events and merges the
// results, oldest first.
func (t *RelayTransport) Query(ctx context.Context, filter Filter) ([]*Message, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	if err := t.ensureConnected(ctx); err != nil {
		return nil, err
	}

	qctx, cancel := context.WithTimeout(ctx, t.cfg.QueryTimeout)
	defer cancel()

	conns := t.live()
	results := make([][]*Event, len(conns))
	g, gctx := errgroup.WithContext(qctx)
	for i, c := range conns {
		i, c := i, c
		g.Go(func() error {
			evs, err := c.query(gctx, relayFilter(filter))
			if err != nil {
				t.log.WithError(err).WithField("relay", c.url).Debug("Query failed on relay")
				return nil
			}
			results[i] = evs
			return nil
		})
	}
	_ = g.Wait()

	seen := make(map[string]bool)
	var out []*Message
	for _, evs := range results {
		for _, ev := range evs {
			if seen[ev.ID] || ev.PubKey == t.signer.PublicKey() {
				continue
			}
			seen[ev.ID] = true
			if !t.cfg.SkipSignatureCheck && !ev.VerifySignature() {
				continue
			}
			msg, err := messageFromEvent(ev)
			if err != nil || !filter.Matches(msg) {
				continue
			}
			out = append(out, msg)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, ctx.Err()
}

// Close disconnects from every relay.
func (t *RelayTransport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conns := t.conns
		t.conns = make(map[string]*relayConn)
		t.mu.Unlock()

		for _, c := range conns {
			c.close()
		}
		t.reg.close()
		t.log.WithField("function", "Close").Debug("Relay transport closed")
	})
	return nil
}

func (t *RelayTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
