package ops

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeContent returns the canonical form used for duplicate detection
// and the stored content hash: Unicode NFC, surrounding whitespace trimmed,
// inner whitespace runs collapsed to a single space. Contents that differ
// only in whitespace or composition normalize to the same string.
func NormalizeContent(content string) string {
	return strings.Join(strings.Fields(norm.NFC.String(content)), " ")
}

// ContentHash returns the hex SHA-256 of the normalized content.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(NormalizeContent(content)))
	return hex.EncodeToString(sum[:])
}
