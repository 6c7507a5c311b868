// Package util holds small helpers shared across the service.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID generates a 128-bit random identifier rendered as hex. The prefix
// names the entity kind ("site", "proj", "col", "iss", "inv") so identifiers
// stay self-describing in logs and foreign keys.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
