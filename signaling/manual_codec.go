package signaling

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/flate"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

var (
	outerMagic = []byte("SDX1")
	innerMagic = []byte("SDI1")
)

// maxInflated bounds decompression of untrusted blobs.
const maxInflated = 4 << 20

func bucketKeystream(bucket uint64) (*chacha20.Cipher, error) {
	var salt [8]byte
	binary.BigEndian.PutUint64(salt[:], bucket)
	r := hkdf.New(sha256.New, []byte("secretdrop/manual/v1"), salt[:], []byte("obfuscation"))

	material := make([]byte, chacha20.KeySize+chacha20.NonceSize)
	if _, err := io.ReadFull(r, material); err != nil {
		return nil, err
	}
	return chacha20.NewUnauthenticatedCipher(material[:chacha20.KeySize], material[chacha20.KeySize:])
}

// encodeBlob turns a message into the manual exchange wire form:
// outer magic, then XOR(keystream(bucket), inner magic || deflate(cbor(msg))).
func encodeBlob(msg *Message, bucket uint64) ([]byte, error) {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var inner bytes.Buffer
	inner.Write(innerMagic)
	fw, err := flate.NewWriter(&inner, flate.BestCompression)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(body); err != nil {
		return nil, err
	}
	if err := fw.Close(); err != nil {
		return nil, err
	}

	ks, err := bucketKeystream(bucket)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(outerMagic)+inner.Len())
	copy(out, outerMagic)
	ks.XORKeyStream(out[len(outerMagic):], inner.Bytes())
	return out, nil
}

// decodeBlob reverses encodeBlob, trying each bucket in turn.
func decodeBlob(blob []byte, buckets []uint64) (*Message, error) {
	if len(blob) < len(outerMagic)+len(innerMagic) || !bytes.Equal(blob[:len(outerMagic)], outerMagic) {
		return nil, fmt.Errorf("%w: not a manual exchange blob", ErrInvalidMessage)
	}
	sealed := blob[len(outerMagic):]

	for _, b := range buckets {
		ks, err := bucketKeystream(b)
		if err != nil {
			return nil, err
		}
		plain := make([]byte, len(sealed))
		ks.XORKeyStream(plain, sealed)
		if !bytes.Equal(plain[:len(innerMagic)], innerMagic) {
			continue
		}

		fr := flate.NewReader(bytes.NewReader(plain[len(innerMagic):]))
		body, err := io.ReadAll(io.LimitReader(fr, maxInflated))
		_ = fr.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: inflate: %v", ErrInvalidMessage, err)
		}

		var msg Message
		if err := cbor.Unmarshal(body, &msg); err != nil {
			return nil, fmt.Errorf("%w: decode: %v", ErrInvalidMessage, err)
		}
		if err := msg.Validate(); err != nil {
			return nil, err
		}
		return &msg, nil
	}
	return nil, fmt.Errorf("%w: blob expired or corrupt", ErrInvalidMessage)
}

// EncodeText renders a blob for clipboard transfer.
func EncodeText(blob []byte) string {
	return base64.RawURLEncoding.EncodeToString(blob)
}

// DecodeText parses a blob rendered by EncodeText.
func DecodeText(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return b, nil
}
