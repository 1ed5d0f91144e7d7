package util

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// Delete tokens are issued exactly once, in the PUT response. Only the
// blake2b-256 digest is persisted, so the secret is unrecoverable from
// the read path even if the metadata envelope leaks.

func NewDeleteToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

func TokenDigest(token string) string {
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken digests the presented token and compares it with the
// stored digest in constant time.
func VerifyToken(token, digest string) bool {
	if token == "" || digest == "" {
		return false
	}
	presented := TokenDigest(token)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(digest)) == 1
}
