package signaling

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// Signer signs relay events. PublicKey is the hex x-only public key placed
// in the event; Sign returns the hex signature over the 32-byte event id.
type Signer interface {
	PublicKey() string
	Sign(digest []byte) (string, error)
}

var errBadScalar = errors.New("invalid scalar")

// SchnorrSigner signs with BIP-340 Schnorr signatures over secp256k1.
type SchnorrSigner struct {
	priv *secp256k1.PrivateKey
	pub  string
	// aux supplies auxiliary randomness; tests pin it.
	aux func([]byte) error
}

// NewSchnorrSigner generates a fresh throwaway identity.
func NewSchnorrSigner() (*SchnorrSigner, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate relay identity: %w", err)
	}
	return newSchnorrSigner(priv), nil
}

// SchnorrSignerFromBytes loads a 32-byte secret key.
func SchnorrSignerFromBytes(secret []byte) (*SchnorrSigner, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", errBadScalar, len(secret))
	}
	priv := secp256k1.PrivKeyFromBytes(secret)
	if priv.Key.IsZero() {
		return nil, errBadScalar
	}
	return newSchnorrSigner(priv), nil
}

func newSchnorrSigner(priv *secp256k1.PrivateKey) *SchnorrSigner {
	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&priv.Key, &p)
	p.ToAffine()
	return &SchnorrSigner{
		priv: priv,
		pub:  hex.EncodeToString(p.X.Bytes()[:]),
		aux: func(b []byte) error {
			_, err := rand.Read(b)
			return err
		},
	}
}

// PublicKey returns the hex x-only public key.
func (s *SchnorrSigner) PublicKey() string { return s.pub }

// Sign returns a hex BIP-340 signature over digest.
func (s *SchnorrSigner) Sign(digest []byte) (string, error) {
	aux := make([]byte, 32)
	if err := s.aux(aux); err != nil {
		return "", err
	}
	sig, err := signBIP340(&s.priv.Key, digest, aux)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sig), nil
}

func taggedHash(tag string, parts ...[]byte) [32]byte {
	th := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(th[:])
	h.Write(th[:])
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func signBIP340(key *secp256k1.ModNScalar, msg, aux []byte) ([]byte, error) {
	var d secp256k1.ModNScalar
	d.Set(key)
	if d.IsZero() {
		return nil, errBadScalar
	}

	var p secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&d, &p)
	p.ToAffine()
	if p.Y.IsOdd() {
		d.Negate()
	}
	px := p.X.Bytes()

	db := d.Bytes()
	auxHash := taggedHash("BIP0340/aux", aux)
	var t [32]byte
	for i := range t {
		t[i] = db[i] ^ auxHash[i]
	}

	nonce := taggedHash("BIP0340/nonce", t[:], px[:], msg)
	var k secp256k1.ModNScalar
	k.SetByteSlice(nonce[:])
	if k.IsZero() {
		return nil, errBadScalar
	}

	var r secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&k, &r)
	r.ToAffine()
	if r.Y.IsOdd() {
		k.Negate()
	}
	rx := r.X.Bytes()

	challenge := taggedHash("BIP0340/challenge", rx[:], px[:], msg)
	var e secp256k1.ModNScalar
	e.SetByteSlice(challenge[:])

	var sv secp256k1.ModNScalar
	sv.Mul2(&e, &d).Add(&k)
	sb := sv.Bytes()

	sig := make([]byte, 64)
	copy(sig[:32], rx[:])
	copy(sig[32:], sb[:])
	return sig, nil
}

// VerifySchnorr checks a hex BIP-340 signature against a hex x-only public
// key and a message digest.
func VerifySchnorr(pubHex string, digest []byte, sigHex string) bool {
	pubX, err := hex.DecodeString(pubHex)
	if err != nil || len(pubX) != 32 {
		return false
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil || len(sig) != 64 {
		return false
	}
	return verifyBIP340(pubX, digest, sig)
}

func verifyBIP340(pubX, msg, sig []byte) bool {
	pub, err := secp256k1.ParsePubKey(append([]byte{0x02}, pubX...))
	if err != nil {
		return false
	}
	var p secp256k1.JacobianPoint
	pub.AsJacobian(&p)

	var r secp256k1.FieldVal
	if overflow := r.SetByteSlice(sig[:32]); overflow {
		return false
	}
	var s secp256k1.ModNScalar
	if overflow := s.SetByteSlice(sig[32:]); overflow {
		return false
	}

	challenge := taggedHash("BIP0340/challenge", sig[:32], pubX, msg)
	var e secp256k1.ModNScalar
	e.SetByteSlice(challenge[:])
	e.Negate()

	var sG, eP, sum secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&s, &sG)
	secp256k1.ScalarMultNonConst(&e, &p, &eP)
	secp256k1.AddNonConst(&sG, &eP, &sum)
	if sum.Z.IsZero() {
		return false
	}
	sum.ToAffine()
	if sum.Y.IsOdd() {
		return false
	}
	return sum.X.Equals(&r)
}
