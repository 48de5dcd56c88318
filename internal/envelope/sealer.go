package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"xllm-go/internal/model"
)

// NonceSize is the length of the nonce prefixed to every sealed payload.
const NonceSize = 12

// Suite names an AEAD construction.
type Suite string

// Supported suites. Both use a 256-bit key and a 96-bit nonce.
const (
	ChaCha20Poly1305 Suite = "chacha20-poly1305"
	AES256GCM        Suite = "aes-256-gcm"
)

// ParseSuite maps a config value to a Suite. Empty selects ChaCha20Poly1305.
func ParseSuite(s string) (Suite, error) {
	switch Suite(strings.ToLower(strings.TrimSpace(s))) {
	case "", ChaCha20Poly1305:
		return ChaCha20Poly1305, nil
	case AES256GCM:
		return AES256GCM, nil
	}
	return "", fmt.Errorf("unknown cipher %q (want %s or %s)", s, ChaCha20Poly1305, AES256GCM)
}

// Sealer encrypts and decrypts payloads with a fixed key. It is safe for
// concurrent use.
type Sealer struct {
	aead  cipher.AEAD
	suite Suite
}

// NewSealer builds a Sealer for key using suite.
func NewSealer(key Key, suite Suite) (*Sealer, error) {
	var (
		aead cipher.AEAD
		err  error
	)
	switch suite {
	case ChaCha20Poly1305, "":
		suite = ChaCha20Poly1305
		aead, err = chacha20poly1305.New(key[:])
	case AES256GCM:
		var block cipher.Block
		block, err = aes.NewCipher(key[:])
		if err == nil {
			aead, err = cipher.NewGCM(block)
		}
	default:
		return nil, fmt.Errorf("unknown cipher %q", suite)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s: %w", suite, err)
	}
	return &Sealer{aead: aead, suite: suite}, nil
}

// Suite returns the construction in use.
func (s *Sealer) Suite() Suite { return s.suite }

// Encrypt seals plaintext under a fresh random nonce and returns
// nonce || ciphertext || tag.
func (s *Sealer) Encrypt(plaintext []byte) ([]byte, error) {
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(out); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", model.ErrSerialization, err)
	}
	return s.aead.Seal(out, out[:NonceSize], plaintext, nil), nil
}

// Decrypt reverses Encrypt. It never returns plaintext unless the tag verifies.
func (s *Sealer) Decrypt(b []byte) ([]byte, error) {
	if len(b) < NonceSize {
		return nil, fmt.Errorf("%w: %d bytes", model.ErrTruncatedCiphertext, len(b))
	}
	plaintext, err := s.aead.Open(nil, b[:NonceSize], b[NonceSize:], nil)
	if err != nil {
		return nil, model.ErrAuthenticationFailed
	}
	return plaintext, nil
}
