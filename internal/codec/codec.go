// Package codec turns small records into short URL-safe payload strings and
// back: JSON serialization, run-length compression, a repeating-key XOR
// stream and unpadded URL-safe base64. It also computes the 16-bit rolling
// checksum carried by token envelopes.
//
// None of this is cryptography. The XOR stream hides the payload from casual
// inspection only.
package codec

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mailgate/mailgate/internal/model"
)

// Codec encodes and decodes records with a fixed obfuscation secret.
type Codec struct {
	secret []byte
}

// New returns a Codec keyed by secret. The secret must not be empty.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, errors.New("codec: empty secret")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Codec{secret: key}, nil
}

// Encode serializes v and returns the payload string.
func (c *Codec) Encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: serialize: %w", err)
	}
	text := pack(raw)
	out := base64.URLEncoding.EncodeToString(c.xor(text))
	return strings.TrimRight(out, "="), nil
}

// Decode reverses Encode into v. Every failure matches model.ErrDecodeFailure.
func (c *Codec) Decode(payload string, v any) error {
	data, err := decodeBase64(payload)
	if err != nil {
		return fmt.Errorf("%w: base64: %v", model.ErrDecodeFailure, err)
	}
	plain := c.xor(data)

	// Payloads minted before compression existed are plain JSON.
	if !json.Valid(plain) {
		expanded, err := Decompress(string(plain))
		if err != nil {
			return err
		}
		plain = []byte(expanded)
		if !json.Valid(plain) {
			return fmt.Errorf("%w: payload is not a structured record", model.ErrDecodeFailure)
		}
	}

	if err := json.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", model.ErrDecodeFailure, err)
	}
	return nil
}

// xor applies the keystream. It is its own inverse.
func (c *Codec) xor(b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ c.secret[i%len(c.secret)]
	}
	return out
}

// pack returns the compressed serialization when it is unambiguous and the
// raw serialization otherwise. The compressed form must round-trip exactly
// and must not itself look like JSON, or the decoder could not tell the two
// forms apart.
func pack(raw []byte) []byte {
	packed := Compress(string(raw))
	if packed == string(raw) || json.Valid([]byte(packed)) {
		return raw
	}
	if back, err := Decompress(packed); err != nil || back != string(raw) {
		return raw
	}
	return []byte(packed)
}

// decodeBase64 accepts unpadded URL-safe base64. Standard-alphabet input and
// trailing padding are tolerated so hand-copied tokens still decode.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = strings.NewReplacer("+", "-", "/", "_").Replace(s)
	if len(s)%4 == 1 {
		return nil, errors.New("truncated input")
	}
	s += strings.Repeat("=", (4-len(s)%4)%4)
	return base64.URLEncoding.DecodeString(s)
}

// Checksum returns the rolling hash h = h*31 + b over the bytes of s, with
// 32-bit wraparound, rendered as the low 16 bits in four lowercase hex digits.
func Checksum(s string) string {
	var h int32
	for i := 0; i < len(s); i++ {
		h = h*31 + int32(s[i])
	}
	return fmt.Sprintf("%04x", uint16(h))
}
