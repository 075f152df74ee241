// Package content normalizes inbound text before it is embedded, stored or
// matched against spam patterns.
package content

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode"
)

// privateTagRegex matches <private>...</private> blocks (non-greedy, dotall).
var privateTagRegex = regexp.MustCompile(`(?s)<private>.*?</private>`)

// phoneRunRegex matches digit runs that may be separated by spaces, dots,
// dashes or parentheses, optionally led by '+'.
var phoneRunRegex = regexp.MustCompile(`\+?\(?\d[\d\s().-]{4,}\d`)

// StripPrivate removes all <private>...</private> blocks and trims the rest.
func StripPrivate(text string) string {
	return strings.TrimSpace(privateTagRegex.ReplaceAllString(text, ""))
}

// Normalize strips private blocks and surrounding whitespace. The second
// return value is false when nothing usable remains.
func Normalize(text string) (string, bool) {
	out := StripPrivate(text)
	return out, out != ""
}

// Terms splits text into lowercase alphanumeric tokens, deduplicated in
// first-seen order. Single-character tokens are dropped.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, f)
	}
	return terms
}

// PhoneNumbers extracts phone-number-like sequences from text, reduced to
// their digits (a leading '+' is kept). Sequences shorter than five digits
// are ignored.
func PhoneNumbers(text string) []string {
	var out []string
	for _, m := range phoneRunRegex.FindAllString(text, -1) {
		if n := NormalizeNumber(m); len(strings.TrimPrefix(n, "+")) >= 5 {
			out = append(out, n)
		}
	}
	return out
}

// NormalizeNumber keeps only digits and a leading '+'.
func NormalizeNumber(s string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Hash returns the hex SHA-256 of text.
func Hash(text string) string {
	h := sha256.Sum256([]byte(text))
	return hex.EncodeToString(h[:])
}

// Fingerprint identifies a logical source independent of its current text.
func Fingerprint(ownerID, sourceKind, sourceRef string) string {
	h := sha256.New()
	h.Write([]byte(ownerID))
	h.Write([]byte{0})
	h.Write([]byte(sourceKind))
	h.Write([]byte{0})
	h.Write([]byte(sourceRef))
	return hex.EncodeToString(h.Sum(nil))
}
