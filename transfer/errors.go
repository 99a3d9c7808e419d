package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/opd-ai/secretdrop/cloud"
	"github.com/opd-ai/secretdrop/crypto"
	"github.com/opd-ai/secretdrop/peer"
	"github.com/opd-ai/secretdrop/signaling"
	"github.com/opd-ai/secretdrop/trust"
)

// Error kinds. Match them with errors.Is.
var (
	// ErrValidation marks malformed caller input.
	ErrValidation = errors.New("invalid input")
	// ErrKeyDerivation marks a secret or salt of the wrong shape.
	ErrKeyDerivation = errors.New("key derivation failed")
	// ErrHandshakeTimeout marks a peer negotiation that did not finish in time.
	ErrHandshakeTimeout = errors.New("handshake timed out")
	// ErrDecryption marks ciphertext that failed to open or a payload that
	// failed validation.
	ErrDecryption = errors.New("decryption failed")
	// ErrTransportExhausted marks a transfer with no working transport left.
	ErrTransportExhausted = errors.New("transport exhausted")
	// ErrSecurityCheck marks a replayed nonce or a binding that does not
	// verify. It is never retried.
	ErrSecurityCheck = errors.New("security check failed")
	// ErrSessionExpired marks an envelope past its lifetime.
	ErrSessionExpired = errors.New("session expired")
	// ErrTimeout marks a wait on the other party that ran out.
	ErrTimeout = errors.New("timed out")
	// ErrCancelled marks a run stopped by Cancel or by its context.
	ErrCancelled = errors.New("transfer cancelled")
	// ErrBusy is returned when a transfer is already running.
	ErrBusy = errors.New("transfer already in progress")
)

// Error is the error returned by Send and Receive.
type Error struct {
	// Kind is one of the sentinels above.
	Kind error
	// Op is the phase or step that failed.
	Op  string
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Err == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	case e.Kind == nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind != nil && target == e.Kind
}

func newError(kind error, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// classify wraps err in an *Error, picking the kind from the package
// sentinels it wraps.
func classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return ErrCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrTimeout
	case errors.Is(err, crypto.ErrInvalidPIN):
		return ErrValidation
	case errors.Is(err, crypto.ErrKeyDerivationFailed), errors.Is(err, crypto.ErrInvalidPublicKey),
		errors.Is(err, trust.ErrLowOrderPoint):
		return ErrKeyDerivation
	case errors.Is(err, crypto.ErrDecryptionFailed):
		return ErrDecryption
	case errors.Is(err, peer.ErrNegotiationTimeout), errors.Is(err, peer.ErrConnectionFailed):
		return ErrHandshakeTimeout
	case errors.Is(err, trust.ErrBadSignature), errors.Is(err, trust.ErrNotAParty),
		errors.Is(err, trust.ErrInvalidBinding):
		return ErrSecurityCheck
	case errors.Is(err, trust.ErrTokenExpired):
		return ErrSessionExpired
	case errors.Is(err, trust.ErrInvalidToken):
		return ErrValidation
	case errors.Is(err, signaling.ErrTransportExhausted), errors.Is(err, signaling.ErrClosed),
		errors.Is(err, cloud.ErrUploadFailed), errors.Is(err, cloud.ErrNotFound),
		errors.Is(err, cloud.ErrTooLarge), errors.Is(err, peer.ErrClosed), errors.Is(err, peer.ErrNotOpen):
		return ErrTransportExhausted
	default:
		return nil
	}
}
