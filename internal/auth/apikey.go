// Package auth issues and verifies critic API keys and shared secrets.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix marks every critic API key.
const KeyPrefix = "coc_"

var ErrInvalidAPIKey = errors.New("invalid api key")

// APIKey is a freshly issued key. Plaintext is shown to the caller once;
// only ID and Hash are persisted.
type APIKey struct {
	ID        string
	Plaintext string
	Hash      string
}

// IssueAPIKey creates a key of the form coc_<id>.<secret>.
func IssueAPIKey() (APIKey, error) {
	idBytes := make([]byte, 6)
	if _, err := rand.Read(idBytes); err != nil {
		return APIKey{}, fmt.Errorf("generate key id: %w", err)
	}
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return APIKey{}, fmt.Errorf("generate key secret: %w", err)
	}
	id := hex.EncodeToString(idBytes)
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return APIKey{}, fmt.Errorf("hash key secret: %w", err)
	}
	return APIKey{
		ID:        id,
		Plaintext: KeyPrefix + id + "." + secret,
		Hash:      string(hash),
	}, nil
}

// ParseAPIKey splits a presented key into its lookup id and secret.
func ParseAPIKey(key string) (id, secret string, err error) {
	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, KeyPrefix) {
		return "", "", ErrInvalidAPIKey
	}
	id, secret, ok := strings.Cut(strings.TrimPrefix(key, KeyPrefix), ".")
	if !ok || id == "" || secret == "" {
		return "", "", ErrInvalidAPIKey
	}
	return id, secret, nil
}

// VerifyAPIKey checks a presented secret against the stored bcrypt hash.
func VerifyAPIKey(hash, secret string) error {
	if hash == "" {
		return ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		return ErrInvalidAPIKey
	}
	return nil
}

// SecretMatches compares two shared secrets in constant time.
func SecretMatches(expected, provided string) bool {
	if expected == "" || provided == "" {
		return false
	}
	a := HashToken(expected)
	b := HashToken(provided)
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
