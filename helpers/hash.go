package helpers

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashContent returns the hex-encoded BLAKE3-256 digest of data.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
