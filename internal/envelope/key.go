package envelope

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length of the pre-shared key in bytes.
const KeySize = 32

// Key is the pre-shared symmetric key.
type Key [KeySize]byte

// ErrInvalidKey is returned by ParseKey for material that is not a usable key.
var ErrInvalidKey = errors.New("invalid key")

// ParseKey accepts 64 hex characters, standard base64 of 32 bytes, or a raw
// 32-byte string, tried in that order.
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if s == "" {
		return k, fmt.Errorf("%w: empty", ErrInvalidKey)
	}

	var raw []byte
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		raw = b
	} else if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		raw = b
	} else if len(s) == KeySize {
		raw = []byte(s)
	} else {
		return k, fmt.Errorf("%w: want %d bytes as hex, base64 or raw text", ErrInvalidKey, KeySize)
	}

	copy(k[:], raw)
	if k == (Key{}) {
		return Key{}, fmt.Errorf("%w: all-zero key", ErrInvalidKey)
	}
	return k, nil
}

// Wipe zeroes the key in place.
func (k *Key) Wipe() {
	for i := range k {
		k[i] = 0
	}
}
