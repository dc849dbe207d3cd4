// Package keycodec converts key material between the textual encodings used
// by tunnel configuration files (standard base64) and the engine control
// plane (lowercase hex).
package keycodec

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// KeySize is the length in bytes of a tunnel private or public key.
const KeySize = 32

// ErrInvalidKeyEncoding is returned when key text is not valid standard
// base64, or decodes to the wrong length.
var ErrInvalidKeyEncoding = errors.New("invalid key encoding")

// DecodeStandardToHex decodes key, which must be standard (padded) base64,
// and renders the raw bytes as lowercase hex with no separators.
//
// Surrounding whitespace is ignored.
func DecodeStandardToHex(key string) (string, error) {
	raw, err := base64.StdEncoding.Strict().DecodeString(strings.TrimSpace(key))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidKeyEncoding, err)
	}
	return hex.EncodeToString(raw), nil
}

// DecodeKeyToHex is DecodeStandardToHex restricted to KeySize-byte keys.
func DecodeKeyToHex(key string) (string, error) {
	h, err := DecodeStandardToHex(key)
	if err != nil {
		return "", err
	}
	if len(h) != 2*KeySize {
		return "", fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeyEncoding, len(h)/2, KeySize)
	}
	return h, nil
}
