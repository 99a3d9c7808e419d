package trust

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/dh/x25519"
	"github.com/cloudflare/circl/sign/ed25519"
	"github.com/opd-ai/secretdrop/crypto"
)

// ErrLowOrderPoint is returned when a peer public key yields an all-zero
// shared secret.
var ErrLowOrderPoint = errors.New("peer public key is a low-order point")

// Authenticator holds a device's identity keys and performs operations with
// them on the caller's behalf. Implementations may prompt the user, so every
// operation takes a context.
type Authenticator interface {
	// SigningKey returns the Ed25519 identity public key.
	SigningKey() []byte
	// ExchangeKey returns the X25519 identity public key.
	ExchangeKey() []byte
	Sign(ctx context.Context, challenge []byte) ([]byte, error)
	DeriveSharedSecret(ctx context.Context, peerPub []byte) ([]byte, error)
}

// MasterSecretProvider yields the passkey-bound secret used in passkey mode.
// Each call may cost a user prompt.
type MasterSecretProvider interface {
	MasterSecret(ctx context.Context) ([]byte, error)
}

// SoftwareAuthenticator keeps identity keys in process memory.
type SoftwareAuthenticator struct {
	signPub  ed25519.PublicKey
	signPriv ed25519.PrivateKey
	xPub     x25519.Key
	xPriv    x25519.Key

	mu      sync.Mutex
	master  []byte
	prompts int
}

// NewSoftwareAuthenticator generates fresh identity keys and a random
// master secret.
func NewSoftwareAuthenticator() (*SoftwareAuthenticator, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, err
	}
	return NewSoftwareAuthenticatorWithMaster(master)
}

// NewSoftwareAuthenticatorWithMaster generates identity keys and uses master
// as the passkey secret, so two devices can share it.
func NewSoftwareAuthenticatorWithMaster(master []byte) (*SoftwareAuthenticator, error) {
	if len(master) == 0 {
		return nil, errors.New("empty master secret")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}

	a := &SoftwareAuthenticator{
		signPub:  pub,
		signPriv: priv,
		master:   append([]byte(nil), master...),
	}
	if _, err := rand.Read(a.xPriv[:]); err != nil {
		return nil, err
	}
	x25519.KeyGen(&a.xPub, &a.xPriv)
	return a, nil
}

// SigningKey returns the Ed25519 public key.
func (a *SoftwareAuthenticator) SigningKey() []byte {
	return append([]byte(nil), a.signPub...)
}

// ExchangeKey returns the X25519 public key.
func (a *SoftwareAuthenticator) ExchangeKey() []byte {
	return append([]byte(nil), a.xPub[:]...)
}

// Sign signs challenge with Ed25519.
func (a *SoftwareAuthenticator) Sign(ctx context.Context, challenge []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return ed25519.Sign(a.signPriv, challenge), nil
}

// DeriveSharedSecret runs X25519 between the identity key and peerPub.
func (a *SoftwareAuthenticator) DeriveSharedSecret(ctx context.Context, peerPub []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(peerPub) != x25519.Size {
		return nil, fmt.Errorf("%w: peer key is %d bytes", crypto.ErrInvalidPublicKey, len(peerPub))
	}
	var peer, shared x25519.Key
	copy(peer[:], peerPub)
	if !x25519.Shared(&shared, &a.xPriv, &peer) {
		return nil, ErrLowOrderPoint
	}
	return shared[:], nil
}

// MasterSecret returns a copy of the passkey secret and counts the prompt.
func (a *SoftwareAuthenticator) MasterSecret(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts++
	return append([]byte(nil), a.master...), nil
}

// Prompts returns how many times MasterSecret was called.
func (a *SoftwareAuthenticator) Prompts() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.prompts
}

// VerifySignature checks an Ed25519 signature made by an Authenticator.
func VerifySignature(pub, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig)
}
