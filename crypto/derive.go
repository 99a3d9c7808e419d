package crypto

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the session key length in bytes (AES-256).
	KeySize = 32
	// SaltSize is the only accepted salt length for every derivation.
	SaltSize = 16
	// PINIterations is the fixed PBKDF2-SHA256 work factor for PIN stretching.
	PINIterations = 600_000
)

var (
	sessionInfo = []byte("secretdrop/session/v1")
	passkeyInfo = []byte("secretdrop/passkey/v1")
)

// NewSalt returns SaltSize random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if err := randomBytes(salt); err != nil {
		return nil, err
	}
	return salt, nil
}

// DeriveFromPIN stretches a PIN into a session key with PBKDF2-SHA256.
func DeriveFromPIN(pin string, salt []byte) (*SessionKey, error) {
	return deriveFromPIN(pin, salt, PINIterations)
}

func deriveFromPIN(pin string, salt []byte, iterations int) (*SessionKey, error) {
	if pin == "" {
		return nil, fmt.Errorf("%w: empty PIN", ErrKeyDerivationFailed)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKeyDerivationFailed, SaltSize, len(salt))
	}

	logrus.WithFields(OperationFields("DeriveFromPIN", "start",
		SecureFieldHash(salt, "salt"),
		logrus.Fields{"iterations": iterations},
	)).Debug("Stretching PIN")

	raw := pbkdf2.Key([]byte(pin), salt, iterations, KeySize, sha256.New)
	return newSessionKey(raw, OriginPIN)
}

// DeriveFromSharedSecret expands an ECDH result into a session key with HKDF-SHA256.
func DeriveFromSharedSecret(secret, salt []byte) (*SessionKey, error) {
	return expand(secret, salt, sessionInfo, OriginExchange)
}

// DeriveFromPasskey expands a passkey master secret into a session key. It uses
// a different HKDF label than DeriveFromSharedSecret so the two can never
// collide for the same input bytes.
func DeriveFromPasskey(master, salt []byte) (*SessionKey, error) {
	return expand(master, salt, passkeyInfo, OriginPasskey)
}

func expand(secret, salt, info []byte, origin KeyOrigin) (*SessionKey, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", ErrKeyDerivationFailed)
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: salt must be %d bytes, got %d", ErrKeyDerivationFailed, SaltSize, len(salt))
	}

	reader := hkdf.New(sha256.New, secret, salt, info)
	raw := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, raw); err != nil {
		logrus.WithFields(OperationFields("expand", "failed", logrus.Fields{"origin": origin})).Warn("HKDF expansion failed")
		return nil, fmt.Errorf("%w: %v", ErrKeyDerivationFailed, err)
	}
	return newSessionKey(raw, origin)
}
