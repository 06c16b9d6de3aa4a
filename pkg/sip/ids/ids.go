// Package ids generates the random protocol tokens RFC 3261 requires:
// Via branches, From/To tags, and Call-IDs.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// BranchMagic is the RFC 3261 magic cookie every compliant branch
// parameter starts with.
const BranchMagic = "z9hG4bK"

// NewBranch returns a fresh branch parameter: the magic cookie followed
// by 16 random hex characters.
func NewBranch() string {
	return BranchMagic + randomHex(8)
}

// NewTag returns a fresh From/To tag: 16 random hex characters.
func NewTag() string {
	return randomHex(8)
}

// NewCallID returns "<random-32hex>@<host>". The random part is a UUID
// with the dashes stripped, which gives exactly 32 hex characters.
func NewCallID(host string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id + "@" + host
}

// NewCNonce returns 16 random hex characters for a Digest cnonce.
func NewCNonce() string {
	return randomHex(8)
}

func randomHex(nBytes int) string {
	buf := make([]byte, nBytes)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process cannot make secure
		// tokens at all; fall back to a UUID, which has its own
		// entropy path.
		return strings.ReplaceAll(uuid.NewString(), "-", "")[:nBytes*2]
	}
	return hex.EncodeToString(buf)
}
