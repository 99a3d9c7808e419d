package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"sync"

	"github.com/awnumar/memguard"
)

// KeyOrigin records which secret a session key was derived from.
type KeyOrigin uint8

const (
	// OriginPIN marks a key stretched from a human-entered PIN.
	OriginPIN KeyOrigin = iota
	// OriginPasskey marks a key expanded from a passkey master secret.
	OriginPasskey
	// OriginExchange marks a key expanded from an ephemeral ECDH result.
	OriginExchange
)

// String returns the origin name used in logs.
func (o KeyOrigin) String() string {
	switch o {
	case OriginPIN:
		return "pin"
	case OriginPasskey:
		return "passkey"
	case OriginExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// SessionKey is an authenticated-encryption key scoped to a single transfer.
//
// The raw key material lives sealed inside a memguard enclave and is only
// decrypted into locked memory for the duration of one seal or open call. There
// is deliberately no accessor returning the key bytes: only ciphertexts derived
// from it ever leave this package.
type SessionKey struct {
	mu      sync.Mutex
	enclave *memguard.Enclave
	origin  KeyOrigin
}

// newSessionKey seals raw into an enclave. raw is wiped by memguard.
func newSessionKey(raw []byte, origin KeyOrigin) (*SessionKey, error) {
	if len(raw) != KeySize {
		ZeroBytes(raw)
		return nil, ErrKeyDerivationFailed
	}
	enclave := memguard.NewEnclave(raw)
	if enclave == nil {
		return nil, ErrKeyDerivationFailed
	}
	return &SessionKey{enclave: enclave, origin: origin}, nil
}

// Origin reports how the key was derived.
func (k *SessionKey) Origin() KeyOrigin {
	return k.origin
}

// Destroy discards the sealed key. Any later use fails with ErrKeyDestroyed.
// Destroy is idempotent.
func (k *SessionKey) Destroy() {
	if k == nil {
		return
	}
	k.mu.Lock()
	k.enclave = nil
	k.mu.Unlock()
}

// Destroyed reports whether Destroy has been called.
func (k *SessionKey) Destroyed() bool {
	if k == nil {
		return true
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.enclave == nil
}

// withAEAD opens the enclave, builds an AES-256-GCM instance and runs fn with it.
// The locked buffer holding the key is destroyed before withAEAD returns.
func (k *SessionKey) withAEAD(fn func(aead cipher.AEAD) error) error {
	if k == nil {
		return ErrKeyDestroyed
	}
	k.mu.Lock()
	enclave := k.enclave
	k.mu.Unlock()
	if enclave == nil {
		return ErrKeyDestroyed
	}

	buf, err := enclave.Open()
	if err != nil {
		return err
	}
	defer buf.Destroy()

	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		return err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	return fn(aead)
}
