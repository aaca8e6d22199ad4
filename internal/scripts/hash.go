package scripts

import (
	"crypto/sha256"
	"encoding/hex"
)

// contentHash returns a short hex digest used to detect whether a
// previously-injected script bundle has changed.
func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:8])
}
