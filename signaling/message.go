package signaling

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("signaling transport closed")
	// ErrQueryUnsupported is returned by transports without history.
	ErrQueryUnsupported = errors.New("query not supported by this transport")
	// ErrTransportExhausted is returned when every endpoint, including any
	// discovered replacements, refused a publish.
	ErrTransportExhausted = errors.New("all signaling endpoints failed")
	// ErrInvalidMessage is returned for a message missing required fields or
	// a payload that cannot be decoded.
	ErrInvalidMessage = errors.New("invalid signaling message")
)

// Kind identifies what a message carries.
type Kind string

const (
	KindKeyExchange   Kind = "key-exchange"
	KindOffer         Kind = "offer"
	KindAnswer        Kind = "answer"
	KindCandidate     Kind = "candidate"
	KindReadyAck      Kind = "ready-ack"
	KindChunkAck      Kind = "chunk-ack"
	KindCompletionAck Kind = "completion-ack"
	KindRetryRequest  Kind = "retry-request"
	KindChunkNotify   Kind = "chunk-notify"
	KindChunk         Kind = "chunk"
)

var knownKinds = map[Kind]bool{
	KindKeyExchange:   true,
	KindOffer:         true,
	KindAnswer:        true,
	KindCandidate:     true,
	KindReadyAck:      true,
	KindChunkAck:      true,
	KindCompletionAck: true,
	KindRetryRequest:  true,
	KindChunkNotify:   true,
	KindChunk:         true,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool { return knownKinds[k] }

// Message is one signaling message. ID, Author and CreatedAt are assigned by
// the transport on publish; callers set the rest.
type Message struct {
	ID         string    `json:"id,omitempty"`
	TransferID string    `json:"t"`
	Kind       Kind      `json:"k"`
	Seq        *uint32   `json:"s,omitempty"`
	Payload    []byte    `json:"d,omitempty"`
	Author     string    `json:"a,omitempty"`
	Recipient  string    `json:"p,omitempty"`
	Hint       string    `json:"h,omitempty"`
	CreatedAt  time.Time `json:"c"`
}

// Seq returns a pointer to n for use in Message.Seq.
func Seq(n uint32) *uint32 { return &n }

// Validate checks the fields every transport requires.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil", ErrInvalidMessage)
	}
	if m.TransferID == "" {
		return fmt.Errorf("%w: missing transfer id", ErrInvalidMessage)
	}
	if !m.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidMessage, m.Kind)
	}
	return nil
}

// Clone returns a deep copy so that handlers cannot alias each other's data.
func (m *Message) Clone() *Message {
	c := *m
	if m.Seq != nil {
		c.Seq = Seq(*m.Seq)
	}
	if m.Payload != nil {
		c.Payload = append([]byte(nil), m.Payload...)
	}
	return &c
}

// Filter selects messages. Zero fields match everything.
type Filter struct {
	TransferID string
	Kinds      []Kind
	Hint       string
	Recipient  string
	Since      time.Time
	// Limit caps Query results. It does not apply to subscriptions.
	Limit int
}

// Matches reports whether m passes the filter.
func (f Filter) Matches(m *Message) bool {
	if f.TransferID != "" && m.TransferID != f.TransferID {
		return false
	}
	if f.Hint != "" && m.Hint != f.Hint {
		return false
	}
	if f.Recipient != "" && m.Recipient != f.Recipient {
		return false
	}
	if !f.Since.IsZero() && m.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if m.Kind == k {
			return true
		}
	}
	return false
}

// Handler receives messages matching a subscription. Handlers run on a
// transport-owned goroutine, one at a time per transport.
type Handler func(*Message)

// SubscriptionID identifies a live subscription.
type SubscriptionID string

// Transport is a signaling channel between two parties.
type Transport interface {
	// Publish sends msg. It returns once at least one endpoint accepted it.
	Publish(ctx context.Context, msg *Message) error
	// Subscribe registers fn for future messages matching filter. It may be
	// called before any connection exists.
	Subscribe(filter Filter, fn Handler) (SubscriptionID, error)
	// Unsubscribe stops delivery to a subscription. Unknown ids are ignored.
	Unsubscribe(id SubscriptionID)
	// Query returns stored messages matching filter, oldest first.
	Query(ctx context.Context, filter Filter) ([]*Message, error)
	// Close releases every resource. It is safe to call more than once.
	Close() error
	// Name identifies the variant in logs and metrics.
	Name() string
}
