package trust

import (
	"context"
	"testing"
	"time"

	"github.com/opd-ai/secretdrop/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuth(t *testing.T) *SoftwareAuthenticator {
	t.Helper()
	a, err := NewSoftwareAuthenticator()
	require.NoError(t, err)
	return a
}

func signedToken(t *testing.T, a, b *SoftwareAuthenticator, now time.Time, ttl time.Duration) *Token {
	t.Helper()
	tok := NewToken(PartyOf("laptop", a), PartyOf("phone", b), now, ttl)
	require.NoError(t, tok.SignAs(context.Background(), a))
	require.NoError(t, tok.SignAs(context.Background(), b))
	return tok
}

func TestSharedSecretMatchesEphemeral(t *testing.T) {
	receiver := newAuth(t)
	eph, err := crypto.GenerateEphemeral()
	require.NoError(t, err)

	fromSender, err := eph.SharedSecret(receiver.ExchangeKey())
	require.NoError(t, err)
	fromReceiver, err := receiver.DeriveSharedSecret(context.Background(), eph.PublicKey())
	require.NoError(t, err)
	assert.Equal(t, fromSender, fromReceiver)

	_, err = receiver.DeriveSharedSecret(context.Background(), make([]byte, 32))
	assert.ErrorIs(t, err, ErrLowOrderPoint)
	_, err = receiver.DeriveSharedSecret(context.Background(), []byte{1, 2})
	assert.ErrorIs(t, err, crypto.ErrInvalidPublicKey)
}

func TestSignRespectsContext(t *testing.T) {
	a := newAuth(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := a.Sign(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
	_, err = a.MasterSecret(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, a.Prompts())
}

func TestMasterSecretSharedAcrossDevices(t *testing.T) {
	master := []byte("passkey-bound master secret 0001")
	a, err := NewSoftwareAuthenticatorWithMaster(master)
	require.NoError(t, err)
	b, err := NewSoftwareAuthenticatorWithMaster(master)
	require.NoError(t, err)

	ma, err := a.MasterSecret(context.Background())
	require.NoError(t, err)
	mb, err := b.MasterSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ma, mb)
	assert.NotEqual(t, a.SigningKey(), b.SigningKey())
	assert.Equal(t, 1, a.Prompts())

	ma[0] ^= 0xff
	again, _ := a.MasterSecret(context.Background())
	assert.Equal(t, master, again)

	_, err = NewSoftwareAuthenticatorWithMaster(nil)
	assert.Error(t, err)
}

func TestTokenVerify(t *testing.T) {
	a, b := newAuth(t), newAuth(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tok := signedToken(t, a, b, now, 24*time.Hour)

	require.NoError(t, tok.Verify(now.Add(time.Hour)))
	assert.ErrorIs(t, tok.Verify(now.Add(25*time.Hour)), ErrTokenExpired)

	tests := []struct {
		name   string
		mutate func(tok *Token)
		want   error
	}{
		{"missing sig b", func(tok *Token) { tok.SigB = nil }, ErrBadSignature},
		{"swapped sigs", func(tok *Token) { tok.SigA, tok.SigB = tok.SigB, tok.SigA }, ErrBadSignature},
		{"tampered id", func(tok *Token) { tok.ID = "other" }, ErrBadSignature},
		{"tampered key", func(tok *Token) { tok.B.ExchangeKey = a.ExchangeKey() }, ErrBadSignature},
		{"extended expiry", func(tok *Token) { tok.ExpiresAt = tok.ExpiresAt.Add(time.Hour) }, ErrBadSignature},
		{"bad version", func(tok *Token) { tok.Version = 9 }, ErrInvalidToken},
		{"short key", func(tok *Token) { tok.A.SigningKey = []byte{1} }, ErrInvalidToken},
		{"same party", func(tok *Token) { tok.B = tok.A }, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *tok
			tt.mutate(&c)
			assert.ErrorIs(t, c.Verify(now), tt.want)
		})
	}
}

func TestTokenSignAsStranger(t *testing.T) {
	a, b, c := newAuth(t), newAuth(t), newAuth(t)
	tok := NewToken(PartyOf("a", a), PartyOf("b", b), time.Now(), 0)
	assert.ErrorIs(t, tok.SignAs(context.Background(), c), ErrNotAParty)
	assert.True(t, tok.ExpiresAt.IsZero())
}

func TestTokenRoundTripAndPeer(t *testing.T) {
	a, b := newAuth(t), newAuth(t)
	now := time.Now()
	tok := signedToken(t, a, b, now, 0)

	data, err := tok.Marshal()
	require.NoError(t, err)
	parsed, err := ParseToken(data)
	require.NoError(t, err)
	require.NoError(t, parsed.Verify(now.Add(1000*time.Hour)))

	peer, err := parsed.Peer(a.SigningKey())
	require.NoError(t, err)
	assert.Equal(t, b.ExchangeKey(), peer.ExchangeKey)
	peer, err = parsed.Peer(b.SigningKey())
	require.NoError(t, err)
	assert.Equal(t, "laptop", peer.Name)

	_, err = parsed.Peer(newAuth(t).SigningKey())
	assert.ErrorIs(t, err, ErrNotAParty)

	_, err = ParseToken([]byte("{"))
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestBinding(t *testing.T) {
	sender, receiver := newAuth(t), newAuth(t)
	ctx := context.Background()
	b := Binding{
		Role:         BindingSender,
		TransferID:   "transfer-1",
		EphemeralPub: make([]byte, 32),
		Nonce:        []byte("nonce-nonce-nonce"),
		TokenID:      "token-1",
	}

	sig, err := SignBinding(ctx, sender, b)
	require.NoError(t, err)
	require.NoError(t, VerifyBinding(sender.SigningKey(), b, sig))

	assert.ErrorIs(t, VerifyBinding(receiver.SigningKey(), b, sig), ErrBadSignature)

	reflected := b
	reflected.Role = BindingReceiver
	assert.ErrorIs(t, VerifyBinding(sender.SigningKey(), reflected, sig), ErrBadSignature)

	other := b
	other.TransferID = "transfer-2"
	assert.ErrorIs(t, VerifyBinding(sender.SigningKey(), other, sig), ErrBadSignature)

	invalid := b
	invalid.Nonce = nil
	_, err = SignBinding(ctx, sender, invalid)
	assert.ErrorIs(t, err, ErrInvalidBinding)
	invalid = b
	invalid.Role = "observer"
	assert.ErrorIs(t, VerifyBinding(sender.SigningKey(), invalid, sig), ErrInvalidBinding)
}

func TestTranscriptFieldsAreDelimited(t *testing.T) {
	b1 := Binding{Role: BindingSender, TransferID: "ab", EphemeralPub: []byte("c"), Nonce: []byte("n"), TokenID: "t"}
	b2 := Binding{Role: BindingSender, TransferID: "a", EphemeralPub: []byte("bc"), Nonce: []byte("n"), TokenID: "t"}
	assert.NotEqual(t, b1.Transcript(), b2.Transcript())
}
