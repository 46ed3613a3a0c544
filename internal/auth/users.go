package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to secrets: either a bcrypt hash from
// the hash-password subcommand or a plain text password.
type UserCredentials map[string]string

// Verify checks a username/password pair against the stored secret,
// comparing plain secrets in constant time.
func (u UserCredentials) Verify(username, password string) bool {
	secret, ok := u[username]
	if !ok {
		secret = "\x00invalid"
	}

	if isBcryptHash(secret) {
		err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(password))
		return ok && err == nil
	}

	// Both sides are SHA-256 hashed before comparison to normalize
	// length. subtle.ConstantTimeCompare returns 0 immediately when
	// lengths differ, which would leak password length if raw values
	// were compared.
	secretH := sha256.Sum256([]byte(secret))
	passwordH := sha256.Sum256([]byte(password))

	return ok && subtle.ConstantTimeCompare(secretH[:], passwordH[:]) == 1
}

// isBcryptHash reports whether a stored secret looks like a bcrypt
// hash rather than a plain password.
func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword generates a bcrypt hash suitable for MCP_AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}
