// Package identity normalizes and validates 13-digit member identity
// numbers. Everything here is pure: bad input yields (code, false), never
// an error.
package identity

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// IDLength is the fixed width of an identity number.
const IDLength = 13

// Normalize cleans a raw spreadsheet cell into a candidate identity number
// and validates it. Non-digit characters are stripped, a decimal remnant
// (numeric cells arrive as "8001015009087.0") is truncated, and the result
// is left-padded with zeros to 13 digits. The returned code is valid only
// when it is exactly 13 digits and passes the checksum.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		s = s[:i]
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			b.WriteByte(s[i])
		}
	}
	code := b.String()
	if code == "" {
		return "", false
	}

	if len(code) < IDLength {
		code = strings.Repeat("0", IDLength-len(code)) + code
	}
	if len(code) != IDLength {
		return code, false
	}
	return code, checksum(code)
}

// checksum applies the weighted alternating-digit check: digits in odd
// positions (1st, 3rd, ...) are summed directly, digits in even positions
// are doubled and digit-summed, and the total must make the final check
// digit come out right.
func checksum(code string) bool {
	sum := 0
	for i := 0; i < IDLength-1; i++ {
		d := int(code[i] - '0')
		if i%2 == 0 {
			sum += d
		} else {
			d *= 2
			sum += d/10 + d%10
		}
	}
	check := (10 - sum%10) % 10
	return check == int(code[IDLength-1]-'0')
}

// CleanPhone reformats a phone number to canonical international form
// (+27XXXXXXXXX). Returns "" when the input cannot be interpreted as a
// dialable number.
func CleanPhone(raw string) string {
	var b strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] >= '0' && raw[i] <= '9' {
			b.WriteByte(raw[i])
		}
	}
	d := b.String()

	switch {
	case len(d) == 10 && d[0] == '0':
		return "+27" + d[1:]
	case len(d) == 11 && strings.HasPrefix(d, "27"):
		return "+" + d
	case len(d) == 9 && d[0] != '0':
		// Local number with the trunk zero dropped by the spreadsheet.
		return "+27" + d
	case strings.HasPrefix(strings.TrimSpace(raw), "+") && len(d) >= 11 && len(d) <= 15:
		return "+" + d
	default:
		return ""
	}
}

// maxTextLen caps free-text fields so a stray paragraph pasted into a
// spreadsheet cell cannot blow up downstream storage.
const maxTextLen = 500

// CleanText trims whitespace and caps free text at a fixed rune length.
func CleanText(s string) string {
	s = strings.TrimSpace(s)
	if r := []rune(s); len(r) > maxTextLen {
		return string(r[:maxTextLen])
	}
	return s
}

// CanonicalName title-cases a person or place name, taming the all-caps
// convention most upload files use. A fresh Caser per call: cases.Caser is
// not safe for concurrent use.
func CanonicalName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return cases.Title(language.English).String(strings.ToLower(s))
}
