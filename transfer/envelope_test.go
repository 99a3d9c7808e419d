package transfer

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/framing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(t *testing.T) (*Envelope, *ControlPayload, *crypto.SessionKey) {
	t.Helper()
	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	nonce, err := crypto.NewReplayNonce()
	require.NoError(t, err)
	base, err := crypto.NewNonceBase()
	require.NoError(t, err)
	key, err := crypto.DeriveFromSharedSecret([]byte("envelope test"), salt)
	require.NoError(t, err)
	t.Cleanup(key.Destroy)

	data := pattern(100)
	id := uuid.NewString()
	expires := time.Now().Add(time.Hour).Unix()
	ctrl := &ControlPayload{
		TransferID:  id,
		Nonce:       nonce[:],
		ExpiresAt:   expires,
		ContentType: ContentText,
		Size:        len(data),
		ChunkCount:  chunkCount(len(data), 32),
		ChunkSize:   32,
		NonceBase:   base[:],
		Checksum:    framing.Checksum(data),
	}
	sealed, err := sealCBOR(key, ctrl)
	require.NoError(t, err)
	env := &Envelope{
		Version:    envelopeVersion,
		Mode:       ModePIN,
		TransferID: id,
		Salt:       salt,
		Control:    sealed,
		CreatedAt:  time.Now().Unix(),
		ExpiresAt:  expires,
		Nonce:      nonce[:],
	}
	return env, ctrl, key
}

func TestEnvelopeRoundTripAndOpen(t *testing.T) {
	env, ctrl, key := testEnvelope(t)

	body, err := encodeEnvelope(env)
	require.NoError(t, err)
	got, err := decodeEnvelope(body)
	require.NoError(t, err)
	assert.Equal(t, env, got)

	var opened ControlPayload
	require.NoError(t, openCBOR(key, got.Control, &opened))
	assert.True(t, opened.matches(got))
	assert.NoError(t, opened.validate())
	assert.Equal(t, ctrl.Checksum, opened.Checksum)
	assert.Equal(t, 4, opened.ChunkCount)

	other, err := crypto.DeriveFromSharedSecret([]byte("wrong"), env.Salt)
	require.NoError(t, err)
	defer other.Destroy()
	assert.ErrorIs(t, openCBOR(other, got.Control, &opened), crypto.ErrDecryptionFailed)
}

func TestEnvelopeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{name: "version", mutate: func(e *Envelope) { e.Version = 9 }},
		{name: "missing id", mutate: func(e *Envelope) { e.TransferID = "" }},
		{name: "short salt", mutate: func(e *Envelope) { e.Salt = e.Salt[:4] }},
		{name: "short nonce", mutate: func(e *Envelope) { e.Nonce = e.Nonce[:8] }},
		{name: "trust without exchange key", mutate: func(e *Envelope) { e.Mode = ModeTrust }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, _ := testEnvelope(t)
			tt.mutate(env)
			body, err := encodeEnvelope(env)
			require.NoError(t, err)
			_, err = decodeEnvelope(body)
			assert.Error(t, err)
		})
	}

	_, err := decodeEnvelope([]byte("not cbor"))
	assert.Error(t, err)
}

func TestControlPayloadChecks(t *testing.T) {
	env, ctrl, _ := testEnvelope(t)
	assert.True(t, ctrl.matches(env))

	swapped := *env
	swapped.ExpiresAt++
	assert.False(t, ctrl.matches(&swapped), "cleartext expiry cannot be extended")

	renonced := *env
	renonced.Nonce = append([]byte(nil), env.Nonce...)
	renonced.Nonce[0] ^= 0xff
	assert.False(t, ctrl.matches(&renonced), "cleartext nonce must match the sealed one")

	bad := *ctrl
	bad.ChunkCount = 7
	assert.Error(t, bad.validate())

	bad = *ctrl
	bad.Inline = []byte("short")
	assert.Error(t, bad.validate())

	bad = *ctrl
	bad.ChunkSize = MaxChunkSize + 1
	assert.Error(t, bad.validate())

	bad = *ctrl
	bad.NonceBase = nil
	assert.Error(t, bad.validate())
}

func TestEnvelopeExpiry(t *testing.T) {
	env, _, _ := testEnvelope(t)
	assert.False(t, env.expired(time.Unix(env.ExpiresAt, 0)))
	assert.True(t, env.expired(time.Unix(env.ExpiresAt+1, 0)))
}

func TestChunkFrame(t *testing.T) {
	ct := bytes.Repeat([]byte{0xaa}, 40)
	frame := encodeChunkFrame(ChunkEnvelope{Index: 258, Ciphertext: ct})
	assert.Equal(t, []byte{0, 0, 1, 2}, frame[:4])

	got, err := decodeChunkFrame(frame)
	require.NoError(t, err)
	assert.Equal(t, uint32(258), got.Index)
	assert.Equal(t, ct, got.Ciphertext)

	_, err = decodeChunkFrame(frame[:10])
	assert.Error(t, err)
}

func TestSplitChunks(t *testing.T) {
	parts := splitChunks(pattern(130), 64)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 2)
	assert.Equal(t, 3, chunkCount(130, 64))
	assert.Equal(t, 1, chunkCount(64, 64))
}

func TestSecretHintDependsOnCredentials(t *testing.T) {
	a := secretHint(pinCreds("abcd-efgh-jklm"), nil)
	assert.Equal(t, a, secretHint(pinCreds(testPIN), nil), "hint uses the normalized PIN")
	assert.NotEqual(t, a, secretHint(pinCreds("ABCDEFGHJKLN"), nil))

	m1 := secretHint(Credentials{Mode: ModePasskey}, []byte("one"))
	m2 := secretHint(Credentials{Mode: ModePasskey}, []byte("two"))
	assert.NotEqual(t, m1, m2)
}
