// Package util provides identifier and environment helpers shared across ReminderPipe.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// NewSessionID returns a random session identifier.
func NewSessionID() string {
	return uuid.NewString()
}

// IsSessionID reports whether id parses as a session identifier.
func IsSessionID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}
