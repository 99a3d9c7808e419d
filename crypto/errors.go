package crypto

import "errors"

var (
	// ErrKeyDerivationFailed indicates a malformed secret or salt was supplied to a
	// key derivation function.
	ErrKeyDerivationFailed = errors.New("key derivation failed")

	// ErrDecryptionFailed indicates the ciphertext could not be authenticated under
	// the given key, either because the key is wrong or the data was modified.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrKeyDestroyed is returned when a session key is used after Destroy.
	ErrKeyDestroyed = errors.New("session key destroyed")

	// ErrInvalidPIN indicates a PIN that does not match the expected alphabet or length.
	ErrInvalidPIN = errors.New("invalid PIN")

	// ErrInvalidPublicKey indicates a peer public key of the wrong size.
	ErrInvalidPublicKey = errors.New("invalid public key")
)
