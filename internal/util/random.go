// Package util provides small helpers shared across the engine: identifiers,
// protocol numbers and environment parsing.
package util

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"time"
)

// GenerateRandomID generates a random ID in the format "{prefix}{hex}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not suitable for secrets.
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

// GenerateConversationID generates a conversation ID with a "conv_" prefix.
func GenerateConversationID() string {
	return GenerateRandomID("conv_", 24)
}

// GenerateLeadID generates a lead ID with a "lead_" prefix.
func GenerateLeadID() string {
	return GenerateRandomID("lead_", 16)
}

// GenerateProtocol returns a human-readable ticket number "YYYYMMDD-NNNNNN" for the
// given day.
func GenerateProtocol(at time.Time) string {
	return fmt.Sprintf("%s-%06d", at.Format("20060102"), rand.IntN(1000000))
}
