package utils

import (
	"strings"

	"github.com/google/uuid"
)

// NewShareToken returns 32 hex characters of uuid v4 randomness.
func NewShareToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
