// Package crypto implements the key derivation and authenticated encryption
// used by secretdrop transfers.
//
// # Session Keys
//
// A [SessionKey] is derived from exactly one secret and never leaves this
// package in raw form. It is sealed in a memguard enclave and only opened into
// locked memory for the duration of a single seal or open:
//
//	salt, _ := crypto.NewSalt()
//	key, err := crypto.DeriveFromPIN("ABCDEFGHJKLM", salt)   // PBKDF2-SHA256
//	key, err := crypto.DeriveFromSharedSecret(ecdh, salt)    // HKDF-SHA256
//	key, err := crypto.DeriveFromPasskey(master, salt)       // HKDF-SHA256, distinct label
//	defer key.Destroy()
//
// Salts must be [SaltSize] bytes and secrets non-empty; anything else fails
// with [ErrKeyDerivationFailed].
//
// # Chunk and Control Encryption
//
// Payload chunks use AES-256-GCM with a nonce built from a random per-transfer
// [NonceBase] and the big-endian chunk index, so no nonce is transmitted per
// chunk and distinct indices never share a nonce:
//
//	base, _ := crypto.NewNonceBase()
//	ct, _ := crypto.EncryptChunk(key, base, plaintext, 7)
//	pt, err := crypto.DecryptChunk(key, base, ct, 7)
//
// Control messages are rare and carry their own random nonce:
//
//	ct, _ := crypto.EncryptControl(key, payload)
//	pt, err := crypto.DecryptControl(key, ct)
//
// # Ephemeral Exchange
//
// [Ephemeral] wraps a single-use X25519 key pair from the Noise DH25519
// function for the mutual-trust mode.
//
// # Replay Protection
//
// [NonceStore] remembers [ReplayNonce] values for a window so captured
// envelopes and acknowledgments cannot be replayed.
package crypto
