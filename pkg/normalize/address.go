package normalize

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// AddressCanonicalizer turns a raw address string into a stable hash usable
// as a blocking key. Geocoding backends can replace the default.
type AddressCanonicalizer interface {
	Canonicalize(raw string) (string, error)
}

var spaceRe = regexp.MustCompile(`\s+`)

// abbreviation folding applied before hashing, longest forms first
var addressReplacements = []struct {
	full string
	abbr string
}{
	{" apartment", " apt"},
	{" boulevard", " blvd"},
	{" street", " st"},
	{" avenue", " ave"},
	{" circle", " cir"},
	{" court", " ct"},
	{" drive", " dr"},
	{" place", " pl"},
	{" suite", " ste"},
	{" north", " n"},
	{" south", " s"},
	{" east", " e"},
	{" west", " w"},
	{" road", " rd"},
	{" lane", " ln"},
}

// HashingCanonicalizer is the default AddressCanonicalizer: abbreviation
// folding, whitespace collapse, then a SHA-256 hex digest.
type HashingCanonicalizer struct{}

func NewHashingCanonicalizer() *HashingCanonicalizer {
	return &HashingCanonicalizer{}
}

func (c *HashingCanonicalizer) Canonicalize(raw string) (string, error) {
	normalized := NormalizeAddress(raw)
	if normalized == "" {
		return "", fmt.Errorf("%w: empty address", ErrUnnormalizable)
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:]), nil
}

// NormalizeAddress normalizes an address string without hashing it.
func NormalizeAddress(s string) string {
	s = strings.ToLower(s)

	for _, r := range addressReplacements {
		s = strings.ReplaceAll(s, r.full, r.abbr)
	}

	var result strings.Builder
	for _, r := range s {
		if r == ',' || r == '.' || r == '#' {
			result.WriteRune(' ')
			continue
		}
		result.WriteRune(r)
	}

	return strings.TrimSpace(spaceRe.ReplaceAllString(result.String(), " "))
}
