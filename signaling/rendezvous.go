package signaling

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/sirupsen/logrus"
)

// ErrIDTaken is returned when the broker already has a client under the
// derived id, usually because the same role is running twice.
var ErrIDTaken = errors.New("rendezvous id already taken")

// Broker frame types.
const (
	frameOpen      = "OPEN"
	frameMessage   = "MESSAGE"
	frameHeartbeat = "HEARTBEAT"
	frameIDTaken   = "ID-TAKEN"
	frameError     = "ERROR"
)

// RendezvousRole selects which of the two derived ids is local.
type RendezvousRole string

const (
	RendezvousSender   RendezvousRole = "sender"
	RendezvousReceiver RendezvousRole = "receiver"
)

func (r RendezvousRole) other() RendezvousRole {
	if r == RendezvousSender {
		return RendezvousReceiver
	}
	return RendezvousSender
}

// RendezvousID derives the broker id for role from the shared secret.
func RendezvousID(secret []byte, role RendezvousRole) string {
	return hex.EncodeToString(crypto.Fingerprint("secretdrop/rendezvous/v1", []byte(role), secret))
}

type brokerFrame struct {
	Type    string          `json:"type"`
	Src     string          `json:"src,omitempty"`
	Dst     string          `json:"dst,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RendezvousConfig configures a RendezvousTransport.
type RendezvousConfig struct {
	// URL is the broker websocket endpoint, e.g. wss://broker.example/peerjs.
	URL    string
	Secret []byte
	Role   RendezvousRole
	// Key is the broker API key sent as a query parameter.
	Key               string
	HeartbeatInterval time.Duration
	OpenTimeout       time.Duration
	Retry             retry.Config
	Dialer            *websocket.Dialer
	Clock             crypto.TimeProvider
	Logger            *logrus.Entry
}

func (c RendezvousConfig) withDefaults() RendezvousConfig {
	if c.Key == "" {
		c.Key = "peerjs"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.Retry == (retry.Config{}) {
		c.Retry = retry.DefaultConfig()
	}
	if c.Dialer == nil {
		c.Dialer = websocket.DefaultDialer
	}
	if c.Clock == nil {
		c.Clock = crypto.DefaultTimeProvider{}
	}
	if c.Logger == nil {
		c.Logger = logrus.WithField("transport", "rendezvous")
	}
	return c
}

// RendezvousTransport exchanges messages point to point through a broker.
// The broker keeps no history.
type RendezvousTransport struct {
	cfg      RendezvousConfig
	log      *logrus.Entry
	localID  string
	remoteID string
	reg      *registry

	connMu  sync.Mutex
	ws      *websocket.Conn
	writeMu sync.Mutex
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	stop   chan struct{}
}

// NewRendezvousTransport validates cfg. The broker is dialed on first use.
func NewRendezvousTransport(cfg RendezvousConfig) (*RendezvousTransport, error) {
	if cfg.URL == "" {
		return nil, errors.New("rendezvous url required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("rendezvous secret required")
	}
	if cfg.Role != RendezvousSender && cfg.Role != RendezvousReceiver {
		return nil, fmt.Errorf("unknown rendezvous role %q", cfg.Role)
	}
	cfg = cfg.withDefaults()

	t := &RendezvousTransport{
		cfg:      cfg,
		localID:  RendezvousID(cfg.Secret, cfg.Role),
		remoteID: RendezvousID(cfg.Secret, cfg.Role.other()),
		stop:     make(chan struct{}),
	}
	t.log = cfg.Logger.WithField("local_id", shortID(t.localID))
	t.reg = newRegistry(t.log)
	return t, nil
}

// Name returns "rendezvous".
func (t *RendezvousTransport) Name() string { return "rendezvous" }

// LocalID returns the id registered with the broker.
func (t *RendezvousTransport) LocalID() string { return t.localID }

// RemoteID returns the id messages are addressed to.
func (t *RendezvousTransport) RemoteID() string { return t.remoteID }

// Connect registers with the broker if not already connected.
func (t *RendezvousTransport) Connect(ctx context.Context) error {
	_, err := t.conn(ctx)
	return err
}

func (t *RendezvousTransport) conn(ctx context.Context) (*websocket.Conn, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.ws != nil {
		select {
		case <-t.done:
		default:
			return t.ws, nil
		}
	}

	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("parse broker url: %w", err))
	}
	q := u.Query()
	q.Set("key", t.cfg.Key)
	q.Set("id", t.localID)
	q.Set("token", uuid.NewString())
	u.RawQuery = q.Encode()

	dctx, cancel := context.WithTimeout(ctx, t.cfg.OpenTimeout)
	defer cancel()
	ws, _, err := t.cfg.Dialer.DialContext(dctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial broker: %w", err)
	}

	if err := t.awaitOpen(dctx, ws); err != nil {
		_ = ws.Close()
		return nil, err
	}
	if t.isClosed() {
		_ = ws.Close()
		return nil, ErrClosed
	}

	done := make(chan struct{})
	t.ws = ws
	t.done = done
	go t.readLoop(ws, done)
	go t.heartbeat(ws, done)

	t.log.WithField("function", "conn").Info("Registered with rendezvous broker")
	return ws, nil
}

func (t *RendezvousTransport) awaitOpen(ctx context.Context, ws *websocket.Conn) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
		defer ws.SetReadDeadline(time.Time{})
	}

	var f brokerFrame
	if err := ws.ReadJSON(&f); err != nil {
		return fmt.Errorf("await broker open: %w", err)
	}
	switch f.Type {
	case frameOpen:
		return nil
	case frameIDTaken:
		return retry.Permanent(ErrIDTaken)
	case frameError:
		return fmt.Errorf("broker error: %s", string(f.Payload))
	default:
		return fmt.Errorf("unexpected broker frame %q", f.Type)
	}
}

func (t *RendezvousTransport) readLoop(ws *websocket.Conn, done chan struct{}) {
	err := t.readFrames(ws)
	close(done)
	if t.isClosed() {
		return
	}
	t.log.WithError(err).Warn("Broker connection lost")
	if len(t.reg.snapshot()) > 0 {
		go t.reconnect()
	}
}

// reconnect registers again so that subscribers keep receiving while
// nothing is being published.
func (t *RendezvousTransport) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	err := t.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		_, err := t.conn(ctx)
		switch {
		case errors.Is(err, ErrClosed):
			return retry.Permanent(err)
		case errors.Is(err, ErrIDTaken):
			// The broker may not have noticed the old socket drop yet.
			return ErrIDTaken
		}
		return err
	})
	log := t.log.WithField("function", "reconnect")
	if err != nil {
		if !t.isClosed() {
			log.WithError(err).Warn("Could not re-register with the broker")
		}
		return
	}
	log.Info("Re-registered with rendezvous broker")
}

func (t *RendezvousTransport) readFrames(ws *websocket.Conn) error {
	for {
		var f brokerFrame
		if err := ws.ReadJSON(&f); err != nil {
			return err
		}

		switch f.Type {
		case frameMessage:
			if f.Src != t.remoteID {
				t.log.WithField("src", shortID(f.Src)).Debug("Ignoring message from unknown peer")
				continue
			}
			var msg Message
			if err := json.Unmarshal(f.Payload, &msg); err != nil || msg.Validate() != nil {
				t.log.Debug("Ignoring malformed broker message")
				continue
			}
			t.reg.deliver(&msg)
		case frameError:
			t.log.WithField("payload", string(f.Payload)).Warn("Broker reported an error")
		case frameHeartbeat, frameOpen:
		}
	}
}

func (t *RendezvousTransport) heartbeat(ws *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := t.write(ws, brokerFrame{Type: frameHeartbeat}); err != nil {
				return
			}
		}
	}
}

func (t *RendezvousTransport) write(ws *websocket.Conn, f brokerFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	return ws.WriteJSON(f)
}

// Publish sends msg to the remote id. The broker queues it if the peer has
// not registered yet.
func (t *RendezvousTransport) Publish(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	msg.ID = uuid.NewString()
	msg.Author = t.localID
	msg.CreatedAt = t.cfg.Clock.Now()
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	frame := brokerFrame{Type: frameMessage, Dst: t.remoteID, Payload: body}

	err = t.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		ws, err := t.conn(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return retry.Permanent(err)
			}
			return err
		}
		if err := t.write(ws, frame); err != nil {
			_ = ws.Close()
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrIDTaken) || ctx.Err() != nil {
			return err
		}
		return fmt.Errorf("%w: %v", ErrTransportExhausted, err)
	}
	return nil
}

// Subscribe registers fn and starts connecting in the background so that
// queued broker messages are picked up.
func (t *RendezvousTransport) Subscribe(filter Filter, fn Handler) (SubscriptionID, error) {
	if t.isClosed() {
		return "", ErrClosed
	}
	sub, err := t.reg.add(filter, fn)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := t.conn(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			t.log.WithError(err).Warn("Background broker connect failed")
		}
	}()
	return sub.id, nil
}

// Unsubscribe removes a subscription.
func (t *RendezvousTransport) Unsubscribe(id SubscriptionID) {
	t.reg.remove(id)
}

// Query always fails; the broker keeps no history.
func (t *RendezvousTransport) Query(context.Context, Filter) ([]*Message, error) {
	return nil, ErrQueryUnsupported
}

// Close disconnects from the broker.
func (t *RendezvousTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.stop)
	t.mu.Unlock()

	t.connMu.Lock()
	ws := t.ws
	t.connMu.Unlock()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	t.reg.close()
	return nil
}

func (t *RendezvousTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
