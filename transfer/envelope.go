package transfer

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/opd-ai/secretdrop/crypto"
)

const envelopeVersion = 1

// Envelope is the first message of a transfer, published as a key-exchange
// signaling message. Only Control is secret.
type Envelope struct {
	Version    int    `cbor:"v"`
	Mode       Mode   `cbor:"m"`
	TransferID string `cbor:"t"`
	Salt       []byte `cbor:"s"`
	// Control is ControlPayload sealed with crypto.EncryptControl.
	Control   []byte `cbor:"c"`
	CreatedAt int64  `cbor:"ca"`
	ExpiresAt int64  `cbor:"ea"`
	Nonce     []byte `cbor:"n"`

	// Trust mode only.
	EphemeralPub []byte `cbor:"e,omitempty"`
	TokenID      string `cbor:"k,omitempty"`
	Binding      []byte `cbor:"b,omitempty"`
}

// ControlPayload describes the transfer. It repeats the envelope's id,
// nonce and expiry so the cleartext copies cannot be swapped.
type ControlPayload struct {
	TransferID  string      `cbor:"t"`
	Nonce       []byte      `cbor:"n"`
	ExpiresAt   int64       `cbor:"ea"`
	ContentType ContentType `cbor:"ct"`
	Size        int         `cbor:"sz"`
	Inline      []byte      `cbor:"i,omitempty"`
	FileName    string      `cbor:"fn,omitempty"`
	MIMEType    string      `cbor:"mt,omitempty"`
	ChunkCount  int         `cbor:"cc"`
	ChunkSize   int         `cbor:"cs"`
	NonceBase   []byte      `cbor:"nb"`
	Checksum    []byte      `cbor:"h"`
	Relays      []string    `cbor:"r,omitempty"`
}

// readyAck is the receiver's sealed answer to an envelope.
type readyAck struct {
	Nonce []byte `cbor:"n"`
	// Binding is the receiver's trust-mode signature.
	Binding []byte `cbor:"b,omitempty"`
	// Peer is set when the receiver can answer a peer offer.
	Peer bool `cbor:"p"`
}

// completionAck is the receiver's sealed confirmation that the payload
// validated.
type completionAck struct {
	Nonce []byte `cbor:"n"`
	Size  int    `cbor:"sz"`
}

type chunkNotify struct {
	URL string `cbor:"u"`
}

type retryRequest struct {
	Missing []uint32 `cbor:"m"`
}

// ChunkEnvelope is one encrypted chunk. The nonce is derived from the index
// and never transmitted.
type ChunkEnvelope struct {
	Index      uint32
	Ciphertext []byte
}

func (e *Envelope) expired(now time.Time) bool {
	return now.Unix() > e.ExpiresAt
}

func (e *Envelope) validate() error {
	if e.Version != envelopeVersion {
		return fmt.Errorf("unsupported envelope version %d", e.Version)
	}
	if e.TransferID == "" || len(e.Control) == 0 {
		return fmt.Errorf("envelope missing transfer id or control payload")
	}
	if len(e.Salt) != crypto.SaltSize {
		return fmt.Errorf("envelope salt is %d bytes", len(e.Salt))
	}
	if len(e.Nonce) != crypto.ReplayNonceSize {
		return fmt.Errorf("envelope nonce is %d bytes", len(e.Nonce))
	}
	if e.Mode == ModeTrust && (len(e.EphemeralPub) != crypto.PublicKeySize || e.TokenID == "" || len(e.Binding) == 0) {
		return fmt.Errorf("trust envelope missing exchange fields")
	}
	return nil
}

// matches reports whether the sealed control payload agrees with the
// envelope's cleartext fields.
func (c *ControlPayload) matches(e *Envelope) bool {
	return c.TransferID == e.TransferID &&
		crypto.ConstantTimeEqual(c.Nonce, e.Nonce) &&
		c.ExpiresAt == e.ExpiresAt
}

func (c *ControlPayload) validate() error {
	if len(c.NonceBase) != crypto.NonceBaseSize {
		return fmt.Errorf("control payload nonce base is %d bytes", len(c.NonceBase))
	}
	if c.Size <= 0 || c.Size > MaxPayloadSize {
		return fmt.Errorf("control payload size %d out of range", c.Size)
	}
	if c.Inline != nil {
		if len(c.Inline) != c.Size {
			return fmt.Errorf("inline payload is %d bytes, expected %d", len(c.Inline), c.Size)
		}
		return nil
	}
	if c.ChunkSize <= 0 || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range", c.ChunkSize)
	}
	if c.ChunkCount != chunkCount(c.Size, c.ChunkSize) {
		return fmt.Errorf("chunk count %d does not match size %d", c.ChunkCount, c.Size)
	}
	return nil
}

func (c *ControlPayload) nonceBase() crypto.NonceBase {
	var base crypto.NonceBase
	copy(base[:], c.NonceBase)
	return base
}

func chunkCount(size, chunkSize int) int {
	return (size + chunkSize - 1) / chunkSize
}

// splitChunks cuts data into chunkSize pieces, the last one possibly shorter.
func splitChunks(data []byte, chunkSize int) [][]byte {
	out := make([][]byte, 0, chunkCount(len(data), chunkSize))
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

// sealCBOR encodes v and encrypts it under key.
func sealCBOR(key *crypto.SessionKey, v interface{}) ([]byte, error) {
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer crypto.ZeroBytes(plain)
	return crypto.EncryptControl(key, plain)
}

// openCBOR decrypts sealed and decodes it into v.
func openCBOR(key *crypto.SessionKey, sealed []byte, v interface{}) error {
	plain, err := crypto.DecryptControl(key, sealed)
	if err != nil {
		return err
	}
	defer crypto.ZeroBytes(plain)
	if err := cbor.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", crypto.ErrDecryptionFailed, err)
	}
	return nil
}

func encodeEnvelope(e *Envelope) ([]byte, error) {
	return cbor.Marshal(e)
}

func decodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	if err := e.validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// encodeChunkFrame lays a chunk out as [index:4][ciphertext] for the peer
// channel.
func encodeChunkFrame(c ChunkEnvelope) []byte {
	out := make([]byte, 4+len(c.Ciphertext))
	binary.BigEndian.PutUint32(out, c.Index)
	copy(out[4:], c.Ciphertext)
	return out
}

func decodeChunkFrame(b []byte) (ChunkEnvelope, error) {
	if len(b) < 4+16 {
		return ChunkEnvelope{}, fmt.Errorf("chunk frame too short: %d bytes", len(b))
	}
	return ChunkEnvelope{Index: binary.BigEndian.Uint32(b), Ciphertext: append([]byte(nil), b[4:]...)}, nil
}

// secretHint returns the discovery tag for the credentials. In passkey mode
// master must be the already obtained secret.
func secretHint(c Credentials, master []byte) string {
	switch c.Mode {
	case ModePIN:
		return crypto.SecretHint([]byte(crypto.NormalizePIN(c.PIN)))
	case ModePasskey:
		return crypto.SecretHint(crypto.Fingerprint("secretdrop/passkey-hint/v1", master))
	case ModeTrust:
		return crypto.SecretHint([]byte(c.Token.ID))
	}
	return ""
}
