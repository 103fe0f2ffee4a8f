package util

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix_<32 hex chars>, or bare hex when prefix is empty.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}

// NewUUID is the primary key format for every persisted row.
func NewUUID() string {
	return uuid.NewString()
}

// ShortID returns the first n hex characters of a fresh UUID.
func ShortID(n int) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	if n <= 0 || n > len(raw) {
		return raw
	}
	return raw[:n]
}

// LastN returns the trailing n characters of value, or value itself when shorter.
func LastN(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[len(value)-n:]
}
