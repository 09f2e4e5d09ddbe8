package token

import (
	"crypto/rand"
	"fmt"
)

// ShortIDLen is the length of the random identifier embedded in records.
const ShortIDLen = 6

const idAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghjkmnpqrstuvwxyz23456789"

// ShortID returns a random identifier of ShortIDLen characters. It is a
// label, not a unique key: collisions are rare but possible.
func ShortID() (string, error) {
	return randomString(ShortIDLen)
}

func randomString(length int) (string, error) {
	const n = len(idAlphabet)
	// Largest multiple of n below 256; bytes above it are rejected so every
	// character is equally likely.
	const maxFair = 256 - (256 % n)

	out := make([]byte, length)
	buf := make([]byte, length+16)
	filled := 0
	for filled < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand: %w", err)
		}
		for _, b := range buf {
			if int(b) >= maxFair {
				continue
			}
			out[filled] = idAlphabet[int(b)%n]
			filled++
			if filled == length {
				break
			}
		}
	}
	return string(out), nil
}
