package normalize

import (
	"crypto/sha256"
	"encoding/hex"
)

// IdempotencyKey derives the stable dedup key for a lookup from the provider
// name and the canonicalized address and person. Two subjects with the same
// normalized identity share a key and therefore share one billable call.
func IdempotencyKey(provider, normalizedAddress, normalizedPerson string) string {
	h := sha256.New()
	h.Write([]byte(provider))
	h.Write([]byte{0})
	h.Write([]byte(normalizedAddress))
	h.Write([]byte{0})
	h.Write([]byte(normalizedPerson))
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash hashes the exact request body for cache integrity checking.
// A key hit whose stored payload hash differs from the current request's is
// treated as a miss.
func PayloadHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}
