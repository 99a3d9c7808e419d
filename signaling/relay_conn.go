package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const relayWriteTimeout = 10 * time.Second

var errRelayRejected = errors.New("relay rejected event")

type okResult struct {
	accepted bool
	reason   string
}

type pendingQuery struct {
	events []*Event
	eose   chan struct{}
	done   bool
}

// relayConn is one websocket to one relay. A single goroutine reads; writes
// are serialized by writeMu.
type relayConn struct {
	url     string
	ws      *websocket.Conn
	log     *logrus.Entry
	onEvent func(c *relayConn, subID string, ev *Event)

	writeMu sync.Mutex

	mu      sync.Mutex
	oks     map[string]chan okResult
	queries map[string]*pendingQuery

	closed    chan struct{}
	closeOnce sync.Once
}

func dialRelay(ctx context.Context, dialer *websocket.Dialer, url string, log *logrus.Entry,
	onEvent func(*relayConn, string, *Event),
) (*relayConn, error) {
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}
	c := &relayConn{
		url:     url,
		ws:      ws,
		log:     log.WithField("relay", url),
		onEvent: onEvent,
		oks:     make(map[string]chan okResult),
		queries: make(map[string]*pendingQuery),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *relayConn) alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

func (c *relayConn) write(v interface{}) error {
	c.writeMu.Lock()
	if !c.alive() {
		c.writeMu.Unlock()
		return ErrClosed
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(relayWriteTimeout))
	err := c.ws.WriteJSON(v)
	c.writeMu.Unlock()

	if err != nil {
		c.close()
		return fmt.Errorf("write to %s: %w", c.url, err)
	}
	return nil
}

// publish sends an event and waits for the relay's OK.
func (c *relayConn) publish(ctx context.Context, ev *Event) error {
	ch := make(chan okResult, 1)
	c.mu.Lock()
	c.oks[ev.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.oks, ev.ID)
		c.mu.Unlock()
	}()

	if err := c.write([]interface{}{"EVENT", ev}); err != nil {
		return err
	}

	select {
	case res := <-ch:
		if !res.accepted {
			return fmt.Errorf("%w by %s: %s", errRelayRejected, c.url, res.reason)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", c.url, ctx.Err())
	case <-c.closed:
		return fmt.Errorf("publish to %s: %w", c.url, ErrClosed)
	}
}

func (c *relayConn) subscribe(subID string, filter map[string]interface{}) error {
	return c.write([]interface{}{"REQ", subID, filter})
}

func (c *relayConn) unsubscribe(subID string) {
	if err := c.write([]interface{}{"CLOSE", subID}); err != nil {
		c.log.WithError(err).Debug("Close subscription failed")
	}
}

// query collects stored events until EOSE. On timeout it returns what
// arrived so far.
func (c *relayConn) query(ctx context.Context, filter map[string]interface{}) ([]*Event, error) {
	subID := "q-" + uuid.NewString()[:8]
	q := &pendingQuery{eose: make(chan struct{})}
	c.mu.Lock()
	c.queries[subID] = q
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.queries, subID)
		c.mu.Unlock()
		c.unsubscribe(subID)
	}()

	if err := c.subscribe(subID, filter); err != nil {
		return nil, err
	}

	select {
	case <-q.eose:
	case <-ctx.Done():
		c.log.WithField("sub", subID).Debug("Query timed out before EOSE")
	case <-c.closed:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Event(nil), q.events...), nil
}

func (c *relayConn) readLoop() {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.alive() {
				c.log.WithError(err).Debug("Relay read ended")
			}
			return
		}
		c.handleFrame(data)
	}
}

func (c *relayConn) handleFrame(data []byte) {
	var frame []json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil || len(frame) == 0 {
		c.log.Debug("Ignoring malformed relay frame")
		return
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil {
		return
	}

	switch label {
	case "EVENT":
		if len(frame) < 3 {
			return
		}
		var subID string
		var ev Event
		if json.Unmarshal(frame[1], &subID) != nil || json.Unmarshal(frame[2], &ev) != nil {
			return
		}
		if !ev.CheckID() {
			c.log.WithField("event_id", ev.ID).Warn("Dropping event with mismatched id")
			return
		}
		c.mu.Lock()
		q, isQuery := c.queries[subID]
		if isQuery && !q.done {
			q.events = append(q.events, &ev)
		}
		c.mu.Unlock()
		if !isQuery && c.onEvent != nil {
			c.onEvent(c, subID, &ev)
		}

	case "OK":
		if len(frame) < 3 {
			return
		}
		var id string
		var res okResult
		if json.Unmarshal(frame[1], &id) != nil || json.Unmarshal(frame[2], &res.accepted) != nil {
			return
		}
		if len(frame) > 3 {
			_ = json.Unmarshal(frame[3], &res.reason)
		}
		c.mu.Lock()
		ch := c.oks[id]
		c.mu.Unlock()
		if ch != nil {
			select {
			case ch <- res:
			default:
			}
		}

	case "EOSE":
		if len(frame) < 2 {
			return
		}
		var subID string
		if json.Unmarshal(frame[1], &subID) != nil {
			return
		}
		c.mu.Lock()
		if q, ok := c.queries[subID]; ok && !q.done {
			q.done = true
			close(q.eose)
		}
		c.mu.Unlock()

	case "NOTICE", "CLOSED":
		var text string
		if len(frame) > 1 {
			_ = json.Unmarshal(frame[len(frame)-1], &text)
		}
		c.log.WithFields(logrus.Fields{"label": label, "text": text}).Info("Relay notice")
	}
}

func (c *relayConn) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = c.ws.Close()
	})
}
