package signaling

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Relay event kinds. Key exchange envelopes get their own kind so a receiver
// can look them up by hint without pulling data traffic.
const (
	EventKindKeyExchange  = 4880
	EventKindDataTransfer = 4881
)

// Event is a relay event in the NIP-01 wire format.
type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

type eventContent struct {
	Seq  *uint32 `json:"seq,omitempty"`
	Data string  `json:"data,omitempty"`
}

// serialize returns the canonical array hashed into the event id. HTML
// escaping is disabled because relays hash the raw characters.
func (e *Event) serialize() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	tags := e.Tags
	if tags == nil {
		tags = [][]string{}
	}
	_ = enc.Encode([]interface{}{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content})
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
}

func (e *Event) digest() []byte {
	sum := sha256.Sum256(e.serialize())
	return sum[:]
}

// CheckID reports whether ID matches the event body.
func (e *Event) CheckID() bool {
	return e.ID == hex.EncodeToString(e.digest())
}

// Sign fills PubKey, ID and Sig.
func (e *Event) Sign(s Signer) error {
	e.PubKey = s.PublicKey()
	d := e.digest()
	sig, err := s.Sign(d)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.ID = hex.EncodeToString(d)
	e.Sig = sig
	return nil
}

// VerifySignature checks the id and the BIP-340 signature.
func (e *Event) VerifySignature() bool {
	if !e.CheckID() {
		return false
	}
	id, err := hex.DecodeString(e.ID)
	if err != nil {
		return false
	}
	return VerifySchnorr(e.PubKey, id, e.Sig)
}

// Tag returns the first value of the named tag.
func (e *Event) Tag(name string) string {
	for _, t := range e.Tags {
		if len(t) >= 2 && t[0] == name {
			return t[1]
		}
	}
	return ""
}

func eventKindFor(k Kind) int {
	if k == KindKeyExchange {
		return EventKindKeyExchange
	}
	return EventKindDataTransfer
}

func eventFromMessage(m *Message, createdAt time.Time) (*Event, error) {
	content, err := json.Marshal(eventContent{
		Seq:  m.Seq,
		Data: base64.StdEncoding.EncodeToString(m.Payload),
	})
	if err != nil {
		return nil, err
	}

	tags := [][]string{{"t", m.TransferID}, {"k", string(m.Kind)}}
	if m.Hint != "" {
		tags = append(tags, []string{"h", m.Hint})
	}
	if m.Recipient != "" {
		tags = append(tags, []string{"p", m.Recipient})
	}
	if m.Seq != nil {
		tags = append(tags, []string{"s", strconv.FormatUint(uint64(*m.Seq), 10)})
	}

	return &Event{
		CreatedAt: createdAt.Unix(),
		Kind:      eventKindFor(m.Kind),
		Tags:      tags,
		Content:   string(content),
	}, nil
}

func messageFromEvent(e *Event) (*Message, error) {
	var c eventContent
	if err := json.Unmarshal([]byte(e.Content), &c); err != nil {
		return nil, fmt.Errorf("%w: content: %v", ErrInvalidMessage, err)
	}
	payload, err := base64.StdEncoding.DecodeString(c.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrInvalidMessage, err)
	}

	m := &Message{
		ID:         e.ID,
		TransferID: e.Tag("t"),
		Kind:       Kind(e.Tag("k")),
		Seq:        c.Seq,
		Author:     e.PubKey,
		Recipient:  e.Tag("p"),
		Hint:       e.Tag("h"),
		CreatedAt:  time.Unix(e.CreatedAt, 0),
	}
	if len(payload) > 0 {
		m.Payload = payload
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if eventKindFor(m.Kind) != e.Kind {
		return nil, fmt.Errorf("%w: kind %s on event kind %d", ErrInvalidMessage, m.Kind, e.Kind)
	}
	return m, nil
}

// relayFilter converts a Filter into a NIP-01 REQ filter object.
func relayFilter(f Filter) map[string]interface{} {
	out := map[string]interface{}{}

	kinds := []int{EventKindKeyExchange, EventKindDataTransfer}
	if len(f.Kinds) > 0 {
		set := map[int]bool{}
		kinds = kinds[:0]
		names := make([]string, 0, len(f.Kinds))
		for _, k := range f.Kinds {
			ek := eventKindFor(k)
			if !set[ek] {
				set[ek] = true
				kinds = append(kinds, ek)
			}
			names = append(names, string(k))
		}
		out["#k"] = names
	}
	out["kinds"] = kinds

	if f.TransferID != "" {
		out["#t"] = []string{f.TransferID}
	}
	if f.Hint != "" {
		out["#h"] = []string{f.Hint}
	}
	if f.Recipient != "" {
		out["#p"] = []string{f.Recipient}
	}
	if !f.Since.IsZero() {
		out["since"] = f.Since.Unix()
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	return out
}
