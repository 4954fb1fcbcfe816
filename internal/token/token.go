// Package token generates opaque bearer tokens for API keys and derives the
// non-reversible lookup value used to resolve a presented token to its record.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cavelabs/caved/internal/model"
)

const (
	// PrefixLen is the length of the non-secret display prefix stored with
	// each key for audit UIs.
	PrefixLen = 12

	// entropyBytes is the random payload per token: 24 bytes = 192 bits.
	entropyBytes = 24

	// tagMaxLen caps the human-readable scope tag embedded in the token.
	tagMaxLen = 16
)

// Generate creates a fresh raw token for the given scope and returns the raw
// token, its lookup hash, and its display prefix. The raw token is returned
// exactly once; callers must not persist it.
//
// Token shape: "cave_<tag>_<48 hex chars>". The tag is derived from the scope
// for readability only and carries no authority.
func Generate(scope model.KeyScope) (raw, lookupHash, prefix string, err error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("read token entropy: %w", err)
	}

	raw = "cave_" + scopeTag(scope) + "_" + hex.EncodeToString(buf)
	return raw, HashForLookup(raw), Prefix(raw), nil
}

// HashForLookup returns the hex-encoded SHA-256 hash of a raw token. It is
// pure and deterministic; the store indexes keys by this value so the raw
// token is never retained.
func HashForLookup(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// Prefix returns the fixed-length, non-secret leading fragment of a raw token.
func Prefix(raw string) string {
	if len(raw) < PrefixLen {
		return raw
	}
	return raw[:PrefixLen]
}

// scopeTag reduces a scope to a short lowercase token fragment. Characters
// outside [a-z0-9-] are dropped so the token stays copy-paste safe.
func scopeTag(scope model.KeyScope) string {
	tag := model.ScopeTypeAdmin
	if scope.Type == model.ScopeTypeNamespace {
		tag = strings.ToLower(scope.Namespace)
	}

	var b strings.Builder
	for _, r := range tag {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
		if b.Len() >= tagMaxLen {
			break
		}
	}
	if b.Len() == 0 {
		return "key"
	}
	return b.String()
}
