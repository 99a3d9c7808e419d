package trust

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const tokenVersion = 1

var (
	// ErrInvalidToken indicates a malformed token.
	ErrInvalidToken = errors.New("invalid trust token")
	// ErrTokenExpired indicates the token is past its expiry.
	ErrTokenExpired = errors.New("trust token expired")
	// ErrBadSignature indicates a signature that does not verify.
	ErrBadSignature = errors.New("signature verification failed")
	// ErrNotAParty indicates a key that belongs to neither side of a token.
	ErrNotAParty = errors.New("key is not a party to the token")
)

// Party is one side of a trust relationship.
type Party struct {
	Name        string `json:"name,omitempty"`
	SigningKey  []byte `json:"sig_key"`
	ExchangeKey []byte `json:"xchg_key"`
}

// PartyOf describes the device behind auth.
func PartyOf(name string, auth Authenticator) Party {
	return Party{Name: name, SigningKey: auth.SigningKey(), ExchangeKey: auth.ExchangeKey()}
}

// Token is a mutual trust record signed by both parties.
type Token struct {
	Version   int       `json:"v"`
	ID        string    `json:"id"`
	A         Party     `json:"a"`
	B         Party     `json:"b"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	SigA      []byte    `json:"sig_a,omitempty"`
	SigB      []byte    `json:"sig_b,omitempty"`
}

// NewToken creates an unsigned token between a and b. A zero ttl means the
// token never expires.
func NewToken(a, b Party, now time.Time, ttl time.Duration) *Token {
	t := &Token{
		Version:   tokenVersion,
		ID:        uuid.NewString(),
		A:         a,
		B:         b,
		CreatedAt: now.UTC().Truncate(time.Second),
	}
	if ttl > 0 {
		t.ExpiresAt = t.CreatedAt.Add(ttl)
	}
	return t
}

// transcript is the byte string both parties sign. Fields are length
// prefixed so no two distinct tokens serialize the same way.
func (t *Token) transcript() []byte {
	var buf bytes.Buffer
	buf.WriteString("secretdrop/trust-token/v1")
	writeField(&buf, []byte(t.ID))
	writeField(&buf, t.A.SigningKey)
	writeField(&buf, t.A.ExchangeKey)
	writeField(&buf, t.B.SigningKey)
	writeField(&buf, t.B.ExchangeKey)
	var ts [16]byte
	binary.BigEndian.PutUint64(ts[:8], uint64(t.CreatedAt.Unix()))
	if !t.ExpiresAt.IsZero() {
		binary.BigEndian.PutUint64(ts[8:], uint64(t.ExpiresAt.Unix()))
	}
	buf.Write(ts[:])
	return buf.Bytes()
}

func writeField(buf *bytes.Buffer, field []byte) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(field)))
	buf.Write(n[:])
	buf.Write(field)
}

// SignAs adds auth's signature on whichever side of the token it owns.
func (t *Token) SignAs(ctx context.Context, auth Authenticator) error {
	key := auth.SigningKey()
	sig, err := auth.Sign(ctx, t.transcript())
	if err != nil {
		return fmt.Errorf("sign trust token: %w", err)
	}
	switch {
	case bytes.Equal(key, t.A.SigningKey):
		t.SigA = sig
	case bytes.Equal(key, t.B.SigningKey):
		t.SigB = sig
	default:
		return ErrNotAParty
	}
	return nil
}

// Validate checks structure without verifying signatures.
func (t *Token) Validate() error {
	if t.Version != tokenVersion {
		return fmt.Errorf("%w: version %d", ErrInvalidToken, t.Version)
	}
	if t.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidToken)
	}
	for _, p := range []Party{t.A, t.B} {
		if len(p.SigningKey) != 32 || len(p.ExchangeKey) != 32 {
			return fmt.Errorf("%w: party keys must be 32 bytes", ErrInvalidToken)
		}
	}
	if bytes.Equal(t.A.SigningKey, t.B.SigningKey) {
		return fmt.Errorf("%w: both parties share a key", ErrInvalidToken)
	}
	return nil
}

// Verify checks structure, both signatures and expiry at now.
func (t *Token) Verify(now time.Time) error {
	if err := t.Validate(); err != nil {
		return err
	}
	msg := t.transcript()
	if !VerifySignature(t.A.SigningKey, msg, t.SigA) {
		return fmt.Errorf("%w: party A", ErrBadSignature)
	}
	if !VerifySignature(t.B.SigningKey, msg, t.SigB) {
		return fmt.Errorf("%w: party B", ErrBadSignature)
	}
	if !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt) {
		return ErrTokenExpired
	}
	return nil
}

// Peer returns the party that does not own selfKey.
func (t *Token) Peer(selfKey []byte) (Party, error) {
	switch {
	case bytes.Equal(selfKey, t.A.SigningKey):
		return t.B, nil
	case bytes.Equal(selfKey, t.B.SigningKey):
		return t.A, nil
	default:
		return Party{}, ErrNotAParty
	}
}

// Marshal encodes the token as JSON.
func (t *Token) Marshal() ([]byte, error) {
	return json.Marshal(t)
}

// ParseToken decodes and validates a token. Signatures are not checked.
func ParseToken(data []byte) (*Token, error) {
	var t Token
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
