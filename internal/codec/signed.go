// Package codec provides the signed blob format used to move checkpoint bytes
// across a process boundary. A signed blob is a fixed-width HMAC-SHA256 tag
// followed by the payload; the tag is always verified before the payload is
// handed to any decoder.
package codec

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
)

// TagSize is the width of the signature prefix in bytes.
const TagSize = sha256.Size

// ErrIntegrityViolation is returned when a blob fails signature verification.
// Callers must not interpret the payload after receiving it.
var ErrIntegrityViolation = errors.New("integrity violation")

// SignedBlob pairs a payload with its keyed integrity tag.
type SignedBlob struct {
	Signature [TagSize]byte
	Payload   []byte
}

// Bytes returns the wire form: tag first, then payload.
func (b SignedBlob) Bytes() []byte {
	out := make([]byte, 0, TagSize+len(b.Payload))
	out = append(out, b.Signature[:]...)
	return append(out, b.Payload...)
}

// Sign computes the HMAC-SHA256 tag of payload under key.
func Sign(payload, key []byte) SignedBlob {
	var b SignedBlob
	copy(b.Signature[:], mac(payload, key))
	b.Payload = payload
	return b
}

// VerifyAndExtract splits the tag from blob, recomputes it under key and
// returns the payload only on an exact, constant-time match.
func VerifyAndExtract(blob, key []byte) ([]byte, error) {
	if len(blob) < TagSize {
		return nil, fmt.Errorf("%w: blob shorter than tag (%d bytes)", ErrIntegrityViolation, len(blob))
	}
	tag, payload := blob[:TagSize], blob[TagSize:]
	if !hmac.Equal(tag, mac(payload, key)) {
		return nil, fmt.Errorf("%w: signature mismatch", ErrIntegrityViolation)
	}
	return payload, nil
}

func mac(payload, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(payload)
	return h.Sum(nil)
}
