// Package auth implements cookie-session authentication: PBKDF2 password
// hashing, SHA-256 session-token hashing, and guest/user session issuance.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const defaultIterations = 360_000

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{2,31}$`)

// NormalizeUsername lowercases and trims a username for storage/lookup.
func NormalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

// ValidateUsername reports whether username matches the accepted shape.
func ValidateUsername(username string) bool {
	return usernameRe.MatchString(username)
}

// ValidatePassword enforces the length bounds the reference service uses.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password too short (min 8)")
	}
	if len(password) > 256 {
		return fmt.Errorf("password too long")
	}
	return nil
}

func b64(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

func b64Decode(s string) ([]byte, error) {
	return base64.RawURLEncoding.DecodeString(s)
}

// HashPassword derives a `pbkdf2_sha256$iterations$salt$hash` verifier
// string, matching the reference format byte-for-byte so existing
// verifiers remain valid if ever exported/imported between deployments.
func HashPassword(password string) (string, error) {
	if err := ValidatePassword(password); err != nil {
		return "", err
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	dk := pbkdf2.Key([]byte(password), salt, defaultIterations, 32, sha256.New)
	return fmt.Sprintf("pbkdf2_sha256$%d$%s$%s", defaultIterations, b64(salt), b64(dk)), nil
}

// VerifyPassword checks password against an encoded verifier in constant
// time, rejecting malformed or unrecognized encodings rather than erroring.
func VerifyPassword(password, encoded string) bool {
	parts := strings.SplitN(encoded, "$", 4)
	if len(parts) != 4 || parts[0] != "pbkdf2_sha256" {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := b64Decode(parts[2])
	if err != nil {
		return false
	}
	expected, err := b64Decode(parts[3])
	if err != nil {
		return false
	}
	dk := pbkdf2.Key([]byte(password), salt, iterations, len(expected), sha256.New)
	return subtle.ConstantTimeCompare(dk, expected) == 1
}

// HashToken returns the hex SHA-256 digest of a bearer token, the value
// actually stored and looked up in auth_sessions.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}

// NewToken generates a URL-safe random bearer token.
func NewToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("auth: generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
