package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// NonceBaseSize is the length of the random per-transfer nonce prefix.
	NonceBaseSize = 8
	// GCMNonceSize is the AES-GCM nonce length.
	GCMNonceSize = 12
	// MaxPlaintextSize bounds a single seal call to avoid unbounded allocation.
	MaxPlaintextSize = 64 * 1024 * 1024
)

// NonceBase is the random per-transfer prefix combined with a chunk index to
// form a chunk nonce. It is sent once, inside the encrypted control payload.
type NonceBase [NonceBaseSize]byte

// NewNonceBase generates a random nonce base.
func NewNonceBase() (NonceBase, error) {
	var base NonceBase
	if err := randomBytes(base[:]); err != nil {
		return NonceBase{}, err
	}
	return base, nil
}

// ChunkNonce returns base || big-endian(index). Distinct indices under one
// base can never produce the same nonce.
func ChunkNonce(base NonceBase, index uint32) [GCMNonceSize]byte {
	var nonce [GCMNonceSize]byte
	copy(nonce[:NonceBaseSize], base[:])
	binary.BigEndian.PutUint32(nonce[NonceBaseSize:], index)
	return nonce
}

func indexAAD(index uint32) []byte {
	var aad [4]byte
	binary.BigEndian.PutUint32(aad[:], index)
	return aad[:]
}

// EncryptChunk seals one payload chunk. The index is part of both the nonce and
// the additional data, so a chunk only opens at the position it was sealed for.
func EncryptChunk(key *SessionKey, base NonceBase, plaintext []byte, index uint32) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, errors.New("chunk too large")
	}

	nonce := ChunkNonce(base, index)
	var out []byte
	err := key.withAEAD(func(aead cipher.AEAD) error {
		out = aead.Seal(nil, nonce[:], plaintext, indexAAD(index))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt chunk %d: %w", index, err)
	}
	return out, nil
}

// EncryptControl seals an infrequent control message with a random nonce that is
// prepended to the ciphertext.
func EncryptControl(key *SessionKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPlaintextSize {
		return nil, errors.New("control message too large")
	}

	var nonce [GCMNonceSize]byte
	if err := randomBytes(nonce[:]); err != nil {
		return nil, err
	}

	out := make([]byte, 0, GCMNonceSize+len(plaintext)+16)
	out = append(out, nonce[:]...)
	err := key.withAEAD(func(aead cipher.AEAD) error {
		out = aead.Seal(out, nonce[:], plaintext, nil)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("encrypt control: %w", err)
	}
	return out, nil
}

func randomBytes(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("read random: %w", err)
	}
	return nil
}
