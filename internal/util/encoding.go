package util

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeField trims surrounding whitespace and returns the NFC form of s,
// so visually identical subject values encode to the same DER bytes.
func NormalizeField(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}
