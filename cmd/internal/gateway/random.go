package gateway

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns nBytes of OS entropy, hex-encoded (2*nBytes chars).
// The gateway uses it for session ids and push-envelope ids; nBytes <= 0
// falls back to 16 bytes.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}

	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		// An empty id surfaces in logs; no weak PRNG fallback.
		return ""
	}
	return hex.EncodeToString(b)
}
