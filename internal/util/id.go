// Package util holds small cross-cutting helpers.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "card_a1b2...". The prefix
// keeps card, group, and operation ids distinguishable in logs.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	if prefix == "" {
		return hex.EncodeToString(buf)
	}
	return prefix + "_" + hex.EncodeToString(buf)
}
