package tenant

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HashToken derives the stored lookup key for a raw invitation token.
// Raw tokens are never persisted.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}
