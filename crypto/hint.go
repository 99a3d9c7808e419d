package crypto

import (
	"encoding/hex"

	"github.com/zeebo/blake3"
)

// HintSize is the number of digest bytes kept in a discovery hint.
const HintSize = 4

// SecretHint returns a short public tag derived from a shared secret. Both
// parties compute it independently to find each other's key-exchange envelope
// on a broadcast medium. It is intentionally short: distinct secrets may share
// a hint, and receivers must try every candidate envelope.
func SecretHint(secret []byte) string {
	h := blake3.New()
	_, _ = h.Write([]byte("secretdrop/hint/v1"))
	_, _ = h.Write(secret)
	out := make([]byte, HintSize)
	_, _ = h.Digest().Read(out)
	return hex.EncodeToString(out)
}

// Fingerprint returns a 16-byte BLAKE3 digest of data under a context label.
// It is used for deterministic identifiers that must not reveal their input.
func Fingerprint(context string, parts ...[]byte) []byte {
	h := blake3.New()
	_, _ = h.Write([]byte(context))
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	out := make([]byte, 16)
	_, _ = h.Digest().Read(out)
	return out
}
