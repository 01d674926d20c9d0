// Package normalizers canonicalizes label text for keying and matching.
package normalizers

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

// LabelChain is the sequence applied by Normalize.
// Dropping separators can leave sequences that compose only now, so the chain
// ends in NFC.
var LabelChain = []string{"lowercase", "strip_diacritics", "separators", "collapse_whitespace", "compose"}

func init() {
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("strip_diacritics", StripDiacritics)
	Register("separators", SeparatorsToSpace)
	Register("collapse_whitespace", CollapseWhitespace)
	Register("compose", Compose)
	Register("label", Normalize)
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

// ApplyChain applies multiple normalizers in sequence
func ApplyChain(value string, normalizers ...string) string {
	result := value
	for _, name := range normalizers {
		result = Apply(result, name)
	}
	return result
}

// Normalize produces the normalized key of a label. It is idempotent.
func Normalize(s string) string {
	return ApplyChain(s, LabelChain...)
}

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

const combiningTilde = '\u0303'

// StripDiacritics removes combining marks. A tilde over n is kept so that
// "ñ" stays distinct from "n".
func StripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)

	var b strings.Builder
	b.Grow(len(decomposed))
	var prev rune
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			if r == combiningTilde && (prev == 'n' || prev == 'N') {
				b.WriteRune(r)
			}
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return norm.NFC.String(b.String())
}

// SeparatorsToSpace turns separator punctuation into spaces and drops
// apostrophes and periods so that "o'brien" and "e.g." stay single tokens.
func SeparatorsToSpace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’' || r == '`' || r == '.':
			continue
		case unicode.IsPunct(r), unicode.IsSpace(r), unicode.IsControl(r):
			b.WriteByte(' ')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// CollapseWhitespace trims and replaces runs of whitespace with a single space
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Compose returns the NFC form of s
func Compose(s string) string {
	return norm.NFC.String(s)
}

// Tokens splits a normalized label on whitespace.
func Tokens(normalized string) []string {
	return strings.Fields(normalized)
}
