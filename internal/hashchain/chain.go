package hashchain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Link is one pre-committed round hash. Seq orders links in serve order.
type Link struct {
	Seq  int64  `json:"seq"`
	Hash string `json:"hash"`
}

// NewSecret returns a fresh 32-byte hex secret for a new chain.
func NewSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Next hashes the hex text of the previous link.
func Next(prev string) string {
	sum := sha256.Sum256([]byte(prev))
	return hex.EncodeToString(sum[:])
}

// Generate builds a chain of length hashes from secret and returns it in serve
// order: the last hash computed comes first, so every served hash is the
// SHA-256 of the one served after it.
func Generate(secret string, length int) []string {
	if length <= 0 {
		return nil
	}
	chain := make([]string, length)
	current := secret
	for i := length - 1; i >= 0; i-- {
		current = Next(current)
		chain[i] = current
	}
	return chain
}

// VerifyLink reports whether older (served later) is the pre-image of newer
// (served earlier).
func VerifyLink(newer, older string) bool {
	return Next(older) == newer
}

// VerifySequence checks hashes given in serve order and returns the index of
// the first hash that does not hash to its predecessor.
func VerifySequence(hashes []string) (int, bool) {
	for i := 1; i < len(hashes); i++ {
		if !VerifyLink(hashes[i-1], hashes[i]) {
			return i, false
		}
	}
	return -1, true
}
