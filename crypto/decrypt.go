package crypto

import (
	"crypto/cipher"
	"errors"
)

// DecryptChunk opens a chunk sealed by EncryptChunk under the same key, base and index.
func DecryptChunk(key *SessionKey, base NonceBase, ciphertext []byte, index uint32) ([]byte, error) {
	if len(ciphertext) < 16 {
		return nil, ErrDecryptionFailed
	}

	nonce := ChunkNonce(base, index)
	var out []byte
	err := key.withAEAD(func(aead cipher.AEAD) error {
		var openErr error
		out, openErr = aead.Open(nil, nonce[:], ciphertext, indexAAD(index))
		if openErr != nil {
			return ErrDecryptionFailed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyDestroyed) {
			return nil, err
		}
		return nil, ErrDecryptionFailed
	}
	return out, nil
}

// DecryptControl opens a message produced by EncryptControl.
func DecryptControl(key *SessionKey, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < GCMNonceSize+16 {
		return nil, ErrDecryptionFailed
	}

	nonce := ciphertext[:GCMNonceSize]
	var out []byte
	err := key.withAEAD(func(aead cipher.AEAD) error {
		var openErr error
		out, openErr = aead.Open(nil, nonce, ciphertext[GCMNonceSize:], nil)
		if openErr != nil {
			return ErrDecryptionFailed
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrKeyDestroyed) {
			return nil, err
		}
		return nil, ErrDecryptionFailed
	}
	return out, nil
}
