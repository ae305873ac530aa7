/**
 * @description
 * Best-effort parsing of free-text address lines into the structured city and
 * postal-code fields the remittance partner wants on identity records. The
 * app only ever captured a single address line, so this extraction is lossy
 * on purpose: a miss leaves the field empty and sync proceeds with the raw
 * line, it never blocks a transfer.
 */
package app

import (
	"regexp"
	"strings"
)

var (
	postalCodeRe = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	// Strips unit/suite noise so the trailing token is usually the city.
	unitNoiseRe = regexp.MustCompile(`(?i)\b(apt|apartment|suite|ste|unit|fl|floor|#)\s*\.?\s*\w*\b`)
)

// ParsedAddress is the structured slice of a free-text address line.
type ParsedAddress struct {
	City       string
	PostalCode string
	Line       string
}

// ParseAddressLine extracts a US-style postal code and a likely city token
// from a free-text address line. Unrecognized input comes back with only
// Line populated.
func ParseAddressLine(line string) ParsedAddress {
	parsed := ParsedAddress{Line: strings.TrimSpace(line)}
	if parsed.Line == "" {
		return parsed
	}

	working := parsed.Line
	if m := postalCodeRe.FindStringSubmatch(working); m != nil {
		parsed.PostalCode = m[1]
		working = strings.Replace(working, m[0], "", 1)
	}

	working = unitNoiseRe.ReplaceAllString(working, "")

	// City is taken as the last comma-delimited segment that still looks
	// like a name after noise removal. Two-letter segments are treated as
	// state abbreviations and skipped.
	segments := strings.Split(working, ",")
	for i := len(segments) - 1; i >= 1; i-- {
		candidate := strings.TrimSpace(segments[i])
		if candidate == "" || len(candidate) <= 2 {
			continue
		}
		if strings.IndexFunc(candidate, func(r rune) bool { return r >= '0' && r <= '9' }) >= 0 {
			continue
		}
		parsed.City = candidate
		break
	}

	return parsed
}
