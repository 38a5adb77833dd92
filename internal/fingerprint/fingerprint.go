// Package fingerprint computes content identities for documents.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Of returns the hex-encoded SHA-256 digest of data. Identical bytes give
// identical fingerprints regardless of the file name they arrived under.
func Of(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Short returns an abbreviated fingerprint for log lines.
func Short(fp string) string {
	if len(fp) <= 12 {
		return fp
	}
	return fp[:12]
}

// Valid reports whether s looks like a fingerprint produced by Of.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
