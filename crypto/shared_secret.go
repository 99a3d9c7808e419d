package crypto

import (
	"crypto/rand"
	"fmt"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"
)

// PublicKeySize is the X25519 public key length.
const PublicKeySize = 32

// Ephemeral is a single-use X25519 key pair for one transfer's key exchange.
// It is generated through the Noise DH25519 function so the exchange shares
// its curve implementation with the rest of the Noise stack.
type Ephemeral struct {
	key noise.DHKey
}

// GenerateEphemeral creates a fresh ephemeral key pair.
func GenerateEphemeral() (*Ephemeral, error) {
	key, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &Ephemeral{key: key}, nil
}

// PublicKey returns a copy of the public half.
func (e *Ephemeral) PublicKey() []byte {
	out := make([]byte, len(e.key.Public))
	copy(out, e.key.Public)
	return out
}

// SharedSecret computes the X25519 shared secret with peerPublicKey. The caller
// owns the returned slice and should wipe it after deriving a session key.
func (e *Ephemeral) SharedSecret(peerPublicKey []byte) ([]byte, error) {
	if len(peerPublicKey) != PublicKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidPublicKey, len(peerPublicKey))
	}
	if e.key.Private == nil {
		return nil, ErrKeyDestroyed
	}

	logrus.WithFields(logrus.Fields{
		"function":        "SharedSecret",
		"peer_key_prefix": fmt.Sprintf("%x", peerPublicKey[:4]),
	}).Debug("Computing ephemeral shared secret")

	secret, err := noise.DH25519.DH(e.key.Private, peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	if isZero(secret) {
		ZeroBytes(secret)
		return nil, fmt.Errorf("%w: low-order peer key", ErrKeyDerivationFailed)
	}
	return secret, nil
}

// Wipe erases the private half. The public key stays readable.
func (e *Ephemeral) Wipe() {
	if e.key.Private != nil {
		ZeroBytes(e.key.Private)
		e.key.Private = nil
	}
}

func isZero(b []byte) bool {
	var acc byte
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
