// Package idgen mints identifiers for rows and correlation tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a UUIDv7. Its leading timestamp keeps primary-key inserts
// append-mostly and makes ids sort roughly by creation time.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Valid reports whether s is a UUID in any of the standard encodings.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}

// Hex returns n random bytes hex-encoded.
func Hex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b) // never fails since Go 1.24
	return hex.EncodeToString(b)
}

// WithPrefix returns prefix followed by 24 random hex characters, for
// tokens that should say what they are, such as "ntf_".
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}
