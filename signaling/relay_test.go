package signaling

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opd-ai/secretdrop/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRelay is a minimal NIP-01 relay with an optional NIP-11 document.
type fakeRelay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu      sync.Mutex
	events  []*Event
	clients map[*fakeRelayClient]bool
	reject  bool
	info    *RelayInfo
}

type fakeRelayClient struct {
	ws   *websocket.Conn
	wmu  sync.Mutex
	subs map[string]map[string]interface{}
}

func (c *fakeRelayClient) send(v ...interface{}) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.WriteJSON(v)
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{clients: make(map[*fakeRelayClient]bool)}
	r.srv = httptest.NewServer(http.HandlerFunc(r.serve))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *fakeRelay) setReject(v bool) {
	r.mu.Lock()
	r.reject = v
	r.mu.Unlock()
}

func (r *fakeRelay) setInfo(info *RelayInfo) {
	r.mu.Lock()
	r.info = info
	r.mu.Unlock()
}

func (r *fakeRelay) stored() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *fakeRelay) store(ev *Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *fakeRelay) serve(w http.ResponseWriter, req *http.Request) {
	if !websocket.IsWebSocketUpgrade(req) {
		r.mu.Lock()
		info := r.info
		r.mu.Unlock()
		if info == nil || req.Header.Get("Accept") != "application/nostr+json" {
			http.NotFound(w, req)
			return
		}
		w.Header().Set("Content-Type", "application/nostr+json")
		_ = json.NewEncoder(w).Encode(info)
		return
	}

	ws, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	c := &fakeRelayClient{ws: ws, subs: make(map[string]map[string]interface{})}
	r.mu.Lock()
	r.clients[c] = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.clients, c)
		r.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var frame []json.RawMessage
		if json.Unmarshal(data, &frame) != nil || len(frame) < 2 {
			continue
		}
		var label string
		_ = json.Unmarshal(frame[0], &label)

		switch label {
		case "EVENT":
			var ev Event
			_ = json.Unmarshal(frame[1], &ev)
			r.mu.Lock()
			reject := r.reject
			r.mu.Unlock()
			if reject {
				c.send("OK", ev.ID, false, "blocked: test relay")
				continue
			}
			r.store(&ev)
			c.send("OK", ev.ID, true, "")
			r.broadcast(&ev)

		case "REQ":
			var subID string
			var filter map[string]interface{}
			_ = json.Unmarshal(frame[1], &subID)
			if len(frame) > 2 {
				_ = json.Unmarshal(frame[2], &filter)
			}
			r.mu.Lock()
			c.subs[subID] = filter
			var matched []*Event
			for _, ev := range r.events {
				if fakeMatch(filter, ev) {
					matched = append(matched, ev)
				}
			}
			r.mu.Unlock()
			for _, ev := range matched {
				c.send("EVENT", subID, ev)
			}
			c.send("EOSE", subID)

		case "CLOSE":
			var subID string
			_ = json.Unmarshal(frame[1], &subID)
			r.mu.Lock()
			delete(c.subs, subID)
			r.mu.Unlock()
		}
	}
}

func (r *fakeRelay) broadcast(ev *Event) {
	type target struct {
		c     *fakeRelayClient
		subID string
	}
	var targets []target
	r.mu.Lock()
	for c := range r.clients {
		for id, f := range c.subs {
			if fakeMatch(f, ev) {
				targets = append(targets, target{c, id})
			}
		}
	}
	r.mu.Unlock()
	for _, tg := range targets {
		tg.c.send("EVENT", tg.subID, ev)
	}
}

func fakeMatch(filter map[string]interface{}, ev *Event) bool {
	for key, raw := range filter {
		switch {
		case key == "kinds":
			ok := false
			for _, k := range raw.([]interface{}) {
				if int(k.(float64)) == ev.Kind {
					ok = true
				}
			}
			if !ok {
				return false
			}
		case key == "since":
			if ev.CreatedAt < int64(raw.(float64)) {
				return false
			}
		case strings.HasPrefix(key, "#"):
			ok := false
			for _, v := range raw.([]interface{}) {
				if ev.Tag(key[1:]) == v.(string) {
					ok = true
				}
			}
			if !ok {
				return false
			}
		}
	}
	return true
}

func testRelayTransport(t *testing.T, cfg RelayConfig) *RelayTransport {
	t.Helper()
	cfg.Retry = retry.Config{MaxRetries: 1, BaseDelay: 5 * time.Millisecond, MaxDelay: 10 * time.Millisecond, Multiplier: 2}
	cfg.DialTimeout = 2 * time.Second
	cfg.PublishTimeout = 2 * time.Second
	cfg.QueryTimeout = 2 * time.Second
	tr, err := NewRelayTransport(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestRelayPublishSubscribeDeduplicates(t *testing.T) {
	r1, r2 := newFakeRelay(t), newFakeRelay(t)
	urls := []string{r1.url(), r2.url()}
	ctx := context.Background()

	sender := testRelayTransport(t, RelayConfig{URLs: urls})
	receiver := testRelayTransport(t, RelayConfig{URLs: urls})

	require.NoError(t, receiver.Connect(ctx))
	var got collector
	_, err := receiver.Subscribe(Filter{TransferID: "tx", Kinds: []Kind{KindChunk}}, got.handle)
	require.NoError(t, err)

	msg := &Message{TransferID: "tx", Kind: KindChunk, Seq: Seq(4), Payload: []byte{0, 1, 2, 0xff}}
	require.NoError(t, sender.Publish(ctx, msg))
	assert.Equal(t, sender.PublicKey(), msg.Author)
	assert.Len(t, msg.ID, 64)

	require.Eventually(t, func() bool { return got.count() >= 1 }, 3*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, got.count(), "the same event from two relays is delivered once")

	m := got.all()[0]
	assert.Equal(t, msg.ID, m.ID)
	assert.Equal(t, uint32(4), *m.Seq)
	assert.Equal(t, msg.Payload, m.Payload)

	// Other kinds for the same transfer do not reach this subscription.
	require.NoError(t, sender.Publish(ctx, &Message{TransferID: "tx", Kind: KindAnswer}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, got.count())
}

func TestRelaySubscribeBeforeConnect(t *testing.T) {
	r := newFakeRelay(t)
	ctx := context.Background()

	receiver := testRelayTransport(t, RelayConfig{URLs: []string{r.url()}})
	var got collector
	_, err := receiver.Subscribe(Filter{Hint: "cafef00d", Kinds: []Kind{KindKeyExchange}}, got.handle)
	require.NoError(t, err)

	sender := testRelayTransport(t, RelayConfig{URLs: []string{r.url()}})
	require.NoError(t, sender.Publish(ctx, &Message{TransferID: "tx", Kind: KindKeyExchange, Hint: "cafef00d"}))

	require.Eventually(t, func() bool { return got.count() == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, KindKeyExchange, got.all()[0].Kind)
}

func TestRelayPublishNeedsOnlyOneRelay(t *testing.T) {
	good, bad := newFakeRelay(t), newFakeRelay(t)
	bad.setReject(true)

	tr := testRelayTransport(t, RelayConfig{URLs: []string{bad.url(), good.url()}})
	require.NoError(t, tr.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindReadyAck}))
	assert.Equal(t, 1, good.stored())
	assert.Zero(t, bad.stored())
}

func TestRelayExhaustedWithoutDiscovery(t *testing.T) {
	bad := newFakeRelay(t)
	bad.setReject(true)

	tr := testRelayTransport(t, RelayConfig{URLs: []string{bad.url()}})
	err := tr.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindReadyAck})
	assert.ErrorIs(t, err, ErrTransportExhausted)
}

func TestRelayAddRelays(t *testing.T) {
	bad, good := newFakeRelay(t), newFakeRelay(t)
	bad.setReject(true)

	tr := testRelayTransport(t, RelayConfig{URLs: []string{bad.url()}})
	assert.Equal(t, 1, tr.AddRelays([]string{good.url(), good.url(), bad.url(), "https://not-a-relay.example"}))
	assert.Zero(t, tr.AddRelays([]string{good.url()}))
	assert.Contains(t, tr.Relays(), good.url())

	require.NoError(t, tr.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindReadyAck}))
	assert.Equal(t, 1, good.stored())
}

func TestRelayDiscoveryFallback(t *testing.T) {
	bad := newFakeRelay(t)
	bad.setReject(true)

	paidInfo := &RelayInfo{Name: "paid"}
	paidInfo.Limitation.PaymentRequired = true
	paid := newFakeRelay(t)
	paid.setInfo(paidInfo)

	smallInfo := &RelayInfo{Name: "small"}
	smallInfo.Limitation.MaxMessageLength = 1024
	small := newFakeRelay(t)
	small.setInfo(smallInfo)

	open := newFakeRelay(t)
	open.setInfo(&RelayInfo{Name: "open"})

	tr := testRelayTransport(t, RelayConfig{
		URLs:          []string{bad.url()},
		DiscoveryPool: []string{paid.url(), small.url(), open.url()},
		Discoverer:    NewNIP11Discoverer(nil),
	})

	require.NoError(t, tr.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindKeyExchange}))
	assert.Equal(t, 1, open.stored())
	assert.Zero(t, paid.stored())
	assert.Zero(t, small.stored())
	assert.Contains(t, tr.Relays(), open.url())
	assert.NotContains(t, tr.Relays(), paid.url())
}

func TestRelayQueryMergesAndOrders(t *testing.T) {
	r1, r2 := newFakeRelay(t), newFakeRelay(t)
	urls := []string{r1.url(), r2.url()}
	ctx := context.Background()

	sender := testRelayTransport(t, RelayConfig{URLs: urls})
	for i := uint32(0); i < 3; i++ {
		require.NoError(t, sender.Publish(ctx, &Message{TransferID: "tx", Kind: KindChunkNotify, Seq: Seq(i)}))
	}
	require.NoError(t, sender.Publish(ctx, &Message{TransferID: "other", Kind: KindChunkNotify, Seq: Seq(9)}))

	receiver := testRelayTransport(t, RelayConfig{URLs: urls})
	msgs, err := receiver.Query(ctx, Filter{TransferID: "tx", Kinds: []Kind{KindChunkNotify}})
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	seqs := map[uint32]bool{}
	for _, m := range msgs {
		seqs[*m.Seq] = true
	}
	assert.Len(t, seqs, 3)

	own, err := sender.Query(ctx, Filter{TransferID: "tx"})
	require.NoError(t, err)
	assert.Empty(t, own, "a transport does not read back its own events")
}

func TestRelayDropsForgedEvents(t *testing.T) {
	r := newFakeRelay(t)
	signer, err := NewSchnorrSigner()
	require.NoError(t, err)

	ev, err := eventFromMessage(&Message{TransferID: "tx", Kind: KindChunk, Payload: []byte("real")}, time.Now())
	require.NoError(t, err)
	require.NoError(t, ev.Sign(signer))
	assert.True(t, ev.VerifySignature())

	ev.Content = strings.Replace(ev.Content, "cmVhbA==", "ZmFrZQ==", 1)
	ev.ID = hex.EncodeToString(ev.digest())
	assert.True(t, ev.CheckID())
	assert.False(t, ev.VerifySignature())
	r.store(ev)

	tr := testRelayTransport(t, RelayConfig{URLs: []string{r.url()}})
	msgs, err := tr.Query(context.Background(), Filter{TransferID: "tx"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRelayCloseWithoutConnect(t *testing.T) {
	tr, err := NewRelayTransport(RelayConfig{URLs: []string{"ws://127.0.0.1:1"}})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.ErrorIs(t, tr.Publish(context.Background(), &Message{TransferID: "tx", Kind: KindOffer}), ErrClosed)
	_, err = tr.Subscribe(Filter{}, func(*Message) {})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Query(context.Background(), Filter{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEventMessageMapping(t *testing.T) {
	signer, err := NewSchnorrSigner()
	require.NoError(t, err)

	created := time.Unix(1_700_000_123, 0)
	in := &Message{
		TransferID: "tx",
		Kind:       KindRetryRequest,
		Seq:        Seq(12),
		Payload:    []byte(`{"missing":[1,2]}`),
		Recipient:  "bob",
		Hint:       "00ff00ff",
	}
	ev, err := eventFromMessage(in, created)
	require.NoError(t, err)
	require.NoError(t, ev.Sign(signer))

	assert.Equal(t, EventKindDataTransfer, ev.Kind)
	assert.Equal(t, "tx", ev.Tag("t"))
	assert.Equal(t, "retry-request", ev.Tag("k"))
	assert.Equal(t, "bob", ev.Tag("p"))
	assert.Equal(t, "00ff00ff", ev.Tag("h"))

	out, err := messageFromEvent(ev)
	require.NoError(t, err)
	assert.Equal(t, in.TransferID, out.TransferID)
	assert.Equal(t, in.Kind, out.Kind)
	assert.Equal(t, *in.Seq, *out.Seq)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, in.Recipient, out.Recipient)
	assert.Equal(t, in.Hint, out.Hint)
	assert.Equal(t, created, out.CreatedAt)
	assert.Equal(t, signer.PublicKey(), out.Author)

	kx, err := eventFromMessage(&Message{TransferID: "tx", Kind: KindKeyExchange}, created)
	require.NoError(t, err)
	assert.Equal(t, EventKindKeyExchange, kx.Kind)

	// A sub-kind that disagrees with the event kind is rejected.
	kx.Kind = EventKindDataTransfer
	_, err = messageFromEvent(kx)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestRelayFilter(t *testing.T) {
	f := relayFilter(Filter{
		TransferID: "tx",
		Kinds:      []Kind{KindKeyExchange, KindChunk, KindChunkAck},
		Since:      time.Unix(100, 0),
		Limit:      5,
	})
	assert.Equal(t, []int{EventKindKeyExchange, EventKindDataTransfer}, f["kinds"])
	assert.Equal(t, []string{"key-exchange", "chunk", "chunk-ack"}, f["#k"])
	assert.Equal(t, []string{"tx"}, f["#t"])
	assert.Equal(t, int64(100), f["since"])
	assert.Equal(t, 5, f["limit"])

	all := relayFilter(Filter{})
	assert.Equal(t, []int{EventKindKeyExchange, EventKindDataTransfer}, all["kinds"])
	assert.NotContains(t, all, "#k")
}

func TestSchnorrKnownVector(t *testing.T) {
	secret, _ := hex.DecodeString("0000000000000000000000000000000000000000000000000000000000000003")
	signer, err := SchnorrSignerFromBytes(secret)
	require.NoError(t, err)
	signer.aux = func(b []byte) error {
		for i := range b {
			b[i] = 0
		}
		return nil
	}

	assert.Equal(t, "f9308a019258c31049344f85f89d5229b531c845836f99b08601f113bce036f9", signer.PublicKey())

	msg := make([]byte, 32)
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(
		"E907831F80848D1069A5371B402410364BDF1C5F8307B0084C55F1CE2DCA8215"+
			"25F66A4A85EA8B71E482A74F382D2CE5EBEEE8FDB2172F477DF4900D310536C0"), sig)
	assert.True(t, VerifySchnorr(signer.PublicKey(), msg, sig))

	msg[0] = 1
	assert.False(t, VerifySchnorr(signer.PublicKey(), msg, sig))
	assert.False(t, VerifySchnorr("zz", msg, sig))

	_, err = SchnorrSignerFromBytes(make([]byte, 32))
	assert.Error(t, err)
}

func TestNIP11InfoURL(t *testing.T) {
	assert.Equal(t, "https://relay.example/", infoURL("wss://relay.example/"))
	assert.Equal(t, "http://127.0.0.1:9000", infoURL("ws://127.0.0.1:9000"))
}
