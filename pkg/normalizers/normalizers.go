// Package normalizers provides field normalization functions for dedup key
// extraction and matching
package normalizers

import (
	"strings"
	"unicode"
)

// Normalizer is a function that normalizes a string value
type Normalizer func(string) string

// registry holds all registered normalizers
var registry = make(map[string]Normalizer)

func init() {
	// Register built-in normalizers
	Register("lowercase", Lowercase)
	Register("trim", Trim)
	Register("remove_whitespace", RemoveWhitespace)
	Register("remove_punctuation", RemovePunctuation)
	Register("alphanumeric", Alphanumeric)
	Register("digits_only", DigitsOnly)
	Register("ntitle", NormalizeTitle)
	Register("nauthor", NormalizeAuthor)
	Register("nisbn", NormalizeISBN)
	Register("nissn", NormalizeISSN)
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

// Built-in normalizers

// Lowercase converts string to lowercase
func Lowercase(s string) string {
	return strings.ToLower(s)
}

// Trim removes leading and trailing whitespace
func Trim(s string) string {
	return strings.TrimSpace(s)
}

// RemoveWhitespace removes all whitespace characters
func RemoveWhitespace(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// RemovePunctuation removes all punctuation characters
func RemovePunctuation(s string) string {
	var result strings.Builder
	for _, r := range s {
		if !unicode.IsPunct(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// Alphanumeric keeps only letters and digits
func Alphanumeric(s string) string {
	var result strings.Builder
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
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

// NormalizeTitle normalizes a title for key extraction and comparison
// - Lowercase
// - Drop punctuation and symbols
// - Collapse runs of whitespace to a single space
func NormalizeTitle(s string) string {
	s = strings.ToLower(s)

	var result strings.Builder
	prevSpace := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			result.WriteRune(r)
			prevSpace = false
		case unicode.IsSpace(r):
			if !prevSpace && result.Len() > 0 {
				result.WriteRune(' ')
				prevSpace = true
			}
		}
	}

	return strings.TrimSpace(result.String())
}

// NormalizeAuthor normalizes an author name. Same cleanup as titles; splitting
// forms like "Smith, John" on the comma is left to the caller.
func NormalizeAuthor(s string) string {
	return NormalizeTitle(s)
}

// AuthorFirstSegment returns the normalized first segment of an author name
// split on ", " (typically the family name)
func AuthorFirstSegment(s string) string {
	segment, _, _ := strings.Cut(s, ", ")
	return NormalizeAuthor(segment)
}

// NormalizeISBN removes separators and uppercases the check character
func NormalizeISBN(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case unicode.IsDigit(r):
			result.WriteRune(r)
		case r == 'x' || r == 'X':
			result.WriteRune('X')
		}
	}
	return result.String()
}

// NormalizeISSN strips whitespace and hyphens and uppercases the check digit
func NormalizeISSN(s string) string {
	return NormalizeISBN(s)
}

// NormalizeIdentifier normalizes an arbitrary unique identifier for keying
func NormalizeIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
