package util

import (
	"crypto/rand"
	"time"

	"github.com/pkg/errors"
)

const keyAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// KeyLength is the default length of a randomly allocated paste key.
const KeyLength = 6

// NewKey returns a random key of n symbols drawn uniformly from the
// 62-character alphanumeric alphabet.
func NewKey(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("key length must be positive")
	}
	out := make([]byte, n)
	buf := make([]byte, n)
	filled := 0
	for filled < n {
		if _, err := rand.Read(buf); err != nil {
			return "", errors.Wrap(err, "read random bytes")
		}
		for _, b := range buf {
			// rejection sampling keeps the draw uniform over 62 symbols
			if b >= 248 {
				continue
			}
			out[filled] = keyAlphabet[int(b)%len(keyAlphabet)]
			filled++
			if filled == n {
				break
			}
		}
	}
	return string(out), nil
}

// DisambiguatePrefix returns the compact timestamp used to salvage a
// colliding random key: exactly one retry, prefixed with the second
// the collision was observed.
func DisambiguatePrefix(t time.Time) string {
	return t.UTC().Format("20060102150405")
}
