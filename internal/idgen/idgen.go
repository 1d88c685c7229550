// Package idgen generates identifiers for ledger rows, holds and outbox events.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random UUID string (xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx).
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars of a random UUID
// (e.g. "tx_", "hold_", "stl_").
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}
