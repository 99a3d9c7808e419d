package crypto

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
)

// PINAlphabet excludes characters that are easily confused when read aloud or
// typed from a screen (0/O, 1/I).
const PINAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// PINLength is the number of characters in a generated PIN.
const PINLength = 12

// GeneratePIN returns a random PIN drawn uniformly from PINAlphabet.
func GeneratePIN() (string, error) {
	var sb strings.Builder
	sb.Grow(PINLength)
	limit := big.NewInt(int64(len(PINAlphabet)))
	for i := 0; i < PINLength; i++ {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate PIN: %w", err)
		}
		sb.WriteByte(PINAlphabet[n.Int64()])
	}
	return sb.String(), nil
}

// NormalizePIN uppercases and strips separators people commonly add when
// copying a PIN (spaces and dashes).
func NormalizePIN(pin string) string {
	pin = strings.ToUpper(pin)
	return strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' {
			return -1
		}
		return r
	}, pin)
}

// ValidatePIN checks a normalized PIN for length and alphabet.
func ValidatePIN(pin string) error {
	if len(pin) != PINLength {
		return fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidPIN, PINLength, len(pin))
	}
	for i := 0; i < len(pin); i++ {
		if !strings.ContainsRune(PINAlphabet, rune(pin[i])) {
			return fmt.Errorf("%w: character %q not allowed", ErrInvalidPIN, pin[i])
		}
	}
	return nil
}
