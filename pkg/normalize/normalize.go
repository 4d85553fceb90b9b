// Package normalize canonicalizes raw identifiers and name strings into
// comparable keys. Normalization is pure and deterministic so exact-match
// blocking behaves the same on every pass.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/Ramsey-B/atlas/pkg/models"
)

// ErrUnnormalizable indicates a malformed identifier value. Callers drop the
// identifier and continue; the batch is not fatal.
var ErrUnnormalizable = errors.New("unnormalizable identifier")

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("digits_only", DigitsOnly)
	Register("nemail", NormalizeEmail)
	Register("nname", NormalizeName)
	Register("naddress", NormalizeAddress)
}

// Register adds a normalizer to the registry
func Register(name string, fn Normalizer) {
	registry[name] = fn
}

// Get retrieves a normalizer by name
func Get(name string) (Normalizer, bool) {
	fn, ok := registry[name]
	return fn, ok
}

// Apply applies a named normalizer to a value
func Apply(value, normalizer string) string {
	fn, ok := registry[normalizer]
	if !ok {
		return value
	}
	return fn(value)
}

// Chain composes named normalizers from the registry into one Normalizer,
// applied left to right. Unknown names are skipped.
func Chain(names ...string) Normalizer {
	fns := make([]Normalizer, 0, len(names))
	for _, name := range names {
		if fn, ok := Get(name); ok {
			fns = append(fns, fn)
		}
	}
	return func(s string) string {
		for _, fn := range fns {
			s = fn(s)
		}
		return s
	}
}

// Identifier normalizes a raw identifier value by its declared type.
// Returns ErrUnnormalizable for values that cannot form a valid key.
func Identifier(idType models.IdentifierType, raw string) (string, error) {
	switch idType {
	case models.IdentifierTypeEmail:
		return Email(raw)
	case models.IdentifierTypePhone:
		return Phone(raw)
	case models.IdentifierTypeMicrochip:
		return Microchip(raw)
	case models.IdentifierTypeAddressHash:
		// Address hashes arrive pre-hashed from the canonicalizer; pass through.
		v := strings.ToLower(strings.TrimSpace(raw))
		if v == "" {
			return "", fmt.Errorf("%w: empty address hash", ErrUnnormalizable)
		}
		return v, nil
	default:
		return "", fmt.Errorf("%w: unknown identifier type %q", ErrUnnormalizable, idType)
	}
}

// Email lower-cases and trims an email address.
func Email(raw string) (string, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	at := strings.Index(v, "@")
	if at <= 0 || at == len(v)-1 {
		return "", fmt.Errorf("%w: %q is not an email address", ErrUnnormalizable, raw)
	}
	return v, nil
}

// Phone strips a phone number to a canonical 10-digit US form. Leading
// country/trunk digits (1, 011) are removed. Fewer than 10 remaining digits
// is unnormalizable.
func Phone(raw string) (string, error) {
	digits := DigitsOnly(raw)

	if strings.HasPrefix(digits, "011") && len(digits) > 10 {
		digits = digits[3:]
	}
	if strings.HasPrefix(digits, "1") && len(digits) == 11 {
		digits = digits[1:]
	}

	if len(digits) < 10 {
		return "", fmt.Errorf("%w: phone %q has fewer than 10 digits", ErrUnnormalizable, raw)
	}
	// Keep the last 10 digits when extensions or extra prefixes remain.
	return digits[len(digits)-10:], nil
}

// Microchip strips a microchip number to digits. Registries issue 9, 10, or
// 15 digit chips; anything else is unnormalizable.
func Microchip(raw string) (string, error) {
	digits := DigitsOnly(raw)
	switch len(digits) {
	case 9, 10, 15:
		return digits, nil
	}
	return "", fmt.Errorf("%w: microchip %q is not 9, 10, or 15 digits", ErrUnnormalizable, raw)
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// DigitsOnly keeps only digit characters
func DigitsOnly(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// NormalizeEmail normalizes an email address (lowercase, trim)
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeName normalizes a name for matching
// - Lowercase
// - Remove common suffixes (Jr., Sr., III, etc.)
// - Remove punctuation
// - Collapse whitespace
func NormalizeName(s string) string {
	s = strings.ToLower(s)

	suffixes := []string{" jr.", " jr", " sr.", " sr", " iii", " ii", " iv", " phd", " md", " dds"}
	for _, suffix := range suffixes {
		if strings.HasSuffix(s, suffix) {
			s = s[:len(s)-len(suffix)]
		}
	}

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
			prevSpace = false
		} else if unicode.IsSpace(r) {
			if !prevSpace {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// NameTokens returns the normalized name split into tokens.
func NameTokens(s string) []string {
	normalized := NormalizeName(s)
	if normalized == "" {
		return nil
	}
	return strings.Fields(normalized)
}
