package service

import (
	"regexp"
	"strings"
)

var e164Pattern = regexp.MustCompile(`^\+?[1-9]\d{1,14}$`)

// NormalizePhone strips everything but digits and a leading +, then assumes
// North America for bare 10 and 11 digit numbers.
func NormalizePhone(raw string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	n := b.String()

	switch {
	case strings.HasPrefix(n, "+"):
		return n
	case len(n) == 10:
		return "+1" + n
	default:
		// 11 digits with a leading 1 is already a country code.
		return "+" + n
	}
}

// ValidPhone reports whether phone is E.164 shaped.
func ValidPhone(phone string) bool {
	return e164Pattern.MatchString(phone)
}
