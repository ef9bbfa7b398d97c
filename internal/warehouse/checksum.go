package warehouse

import (
	"crypto/sha256"
	"encoding/hex"
)

// ComputeChecksum returns "sha256:<hex>" of data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
