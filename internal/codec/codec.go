package codec

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/hkdf"
)

// maxDecodedSize bounds the memory a single decompressed checkpoint may use.
const maxDecodedSize = 256 << 20

// KeySize is the length of keys produced by DeriveKey.
const KeySize = 32

// PurposeCheckpoint is the DeriveKey purpose for composite checkpoint keys.
// The API server and every runner must derive with the same secret.
const PurposeCheckpoint = "compose/checkpoint"

// Codec seals payloads (compress, then sign) and opens them (verify, then
// decompress). It is safe for concurrent use.
type Codec struct {
	key      []byte
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// Option configures a Codec.
type Option func(*Codec)

// WithoutCompression disables zstd compression; payloads are signed as-is.
func WithoutCompression() Option {
	return func(c *Codec) {
		c.compress = false
	}
}

// New creates a Codec that signs with key.
func New(key []byte, opts ...Option) (*Codec, error) {
	if len(key) == 0 {
		return nil, errors.New("signing key is required")
	}
	c := &Codec{
		key:      append([]byte(nil), key...),
		compress: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	if !c.compress {
		return c, nil
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	c.enc = enc
	c.dec = dec
	return c, nil
}

// Seal compresses payload (when enabled) and returns the signed wire bytes.
func (c *Codec) Seal(payload []byte) []byte {
	if c.compress {
		payload = c.enc.EncodeAll(payload, nil)
	}
	return Sign(payload, c.key).Bytes()
}

// Open verifies blob and returns the original payload. Decompression runs
// only after the signature has been accepted.
func (c *Codec) Open(blob []byte) ([]byte, error) {
	payload, err := VerifyAndExtract(blob, c.key)
	if err != nil {
		return nil, err
	}
	if !c.compress {
		return payload, nil
	}
	out, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	return out, nil
}

// Close releases the compression resources.
func (c *Codec) Close() error {
	if c.dec != nil {
		c.dec.Close()
	}
	if c.enc != nil {
		return c.enc.Close()
	}
	return nil
}

// DeriveKey expands a master secret into a purpose-bound signing key so the
// raw secret never signs anything directly.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	r := hkdf.New(sha256.New, secret, nil, []byte(purpose))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
