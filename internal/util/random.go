// Package util provides utility functions for the relay hub.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// canonicalNamespace is the fixed UUIDv5 namespace for canonical message ids.
var canonicalNamespace = uuid.MustParse("8f9c2f60-5b1e-4f3a-9d07-6a1d34c55d21")

// CanonicalMessageID derives the canonical message id from the originating
// native message identity. The id is a UUIDv5 of (serviceInstanceID,
// nativeID), so the same native message always yields the same canonical id
// and the id is never generated independently of its source.
func CanonicalMessageID(serviceInstanceID, nativeID string) string {
	return uuid.NewSHA1(canonicalNamespace, []byte(serviceInstanceID+"\x00"+nativeID)).String()
}

// GenerateRandomID generates a random ID with the specified prefix and hex length.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified
// length. Uses math/rand/v2; not for cryptographic purposes.
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

// GenerateEntryID generates a unique outgoing queue entry ID with "oq_" prefix.
func GenerateEntryID() string {
	return GenerateRandomID("oq_", 32)
}

// GenerateNativeRecordID generates a unique native record ID with "nm_" prefix.
func GenerateNativeRecordID() string {
	return GenerateRandomID("nm_", 32)
}
