// Package idgen generates identifiers for registry records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Prefixes for the record types the layer creates.
const (
	PrefixAgent      = "agt_"
	PrefixFeedback   = "fb_"
	PrefixValidation = "val_"
	PrefixOrder      = "ord_"
	PrefixTransfer   = "tx_"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// PaymentID returns a fresh globally unique payment identifier.
// Payment ids travel between independent parties, so they use RFC 4122
// UUIDs rather than a local prefix scheme.
func PaymentID() string {
	return uuid.NewString()
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
