package trust

import (
	"bytes"
	"context"
	"errors"
	"fmt"
)

// BindingRole distinguishes sender and receiver proofs so one cannot be
// reflected as the other.
type BindingRole string

const (
	BindingSender   BindingRole = "sender"
	BindingReceiver BindingRole = "receiver"
)

// ErrInvalidBinding indicates a binding with missing fields.
var ErrInvalidBinding = errors.New("invalid session binding")

// Binding ties a transfer session to a trust token.
type Binding struct {
	Role         BindingRole
	TransferID   string
	EphemeralPub []byte
	Nonce        []byte
	TokenID      string
}

func (b Binding) validate() error {
	if b.Role != BindingSender && b.Role != BindingReceiver {
		return fmt.Errorf("%w: role %q", ErrInvalidBinding, b.Role)
	}
	if b.TransferID == "" || b.TokenID == "" {
		return fmt.Errorf("%w: missing transfer or token id", ErrInvalidBinding)
	}
	if len(b.EphemeralPub) == 0 || len(b.Nonce) == 0 {
		return fmt.Errorf("%w: missing ephemeral key or nonce", ErrInvalidBinding)
	}
	return nil
}

// Transcript returns the signed form of the binding.
func (b Binding) Transcript() []byte {
	var buf bytes.Buffer
	buf.WriteString("secretdrop/binding/v1")
	writeField(&buf, []byte(b.Role))
	writeField(&buf, []byte(b.TransferID))
	writeField(&buf, b.EphemeralPub)
	writeField(&buf, b.Nonce)
	writeField(&buf, []byte(b.TokenID))
	return buf.Bytes()
}

// SignBinding signs b with auth.
func SignBinding(ctx context.Context, auth Authenticator, b Binding) ([]byte, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	sig, err := auth.Sign(ctx, b.Transcript())
	if err != nil {
		return nil, fmt.Errorf("sign binding: %w", err)
	}
	return sig, nil
}

// VerifyBinding checks sig against the signing key pub.
func VerifyBinding(pub []byte, b Binding, sig []byte) error {
	if err := b.validate(); err != nil {
		return err
	}
	if !VerifySignature(pub, b.Transcript(), sig) {
		return fmt.Errorf("%w: %s binding", ErrBadSignature, b.Role)
	}
	return nil
}
