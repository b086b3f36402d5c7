// Package auth implements viewer authentication: salted password hashing,
// opaque session tokens, login rate limiting and chat-scope enforcement.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations follows the current OWASP recommendation for
// PBKDF2-HMAC-SHA256. Hashes embed no iteration count, so changing this
// invalidates stored credentials.
const pbkdf2Iterations = 600_000

const (
	saltBytes  = 32
	keyBytes   = 32
	tokenBytes = 32
)

// NewSalt returns a fresh hex-encoded random salt.
func NewSalt() (string, error) {
	b := make([]byte, saltBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// HashPassword derives the stored hex digest for a password and hex salt.
func HashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), pbkdf2Iterations, keyBytes, sha256.New)
	return hex.EncodeToString(key)
}

// VerifyPassword compares a candidate password against a stored digest in
// constant time.
func VerifyPassword(password, salt, wantHash string) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(wantHash)) == 1
}

// NewToken returns an opaque URL-safe session token.
func NewToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
