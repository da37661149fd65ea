package util

import (
	"fmt"
	"strings"

	"blast/internal/domain"
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// NormalizePhone reduces p to digits in international form: a leading 0 is replaced by
// countryCode and a bare national number gets countryCode prepended.
func NormalizePhone(p, countryCode string, validate bool) (string, error) {
	digits := digitsOnly(p)
	cc := digitsOnly(countryCode)

	switch {
	case digits == "":
	case strings.HasPrefix(digits, "0"):
		digits = cc + digits[1:]
	case !strings.HasPrefix(digits, cc):
		digits = cc + digits
	}

	if validate && (len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits) {
		return "", fmt.Errorf("%w: %q has %d digits", domain.ErrInvalidPhone, p, len(digits))
	}
	return digits, nil
}

// Destination turns normalized digits into the gateway address, e.g. 628123@s.whatsapp.net.
func Destination(digits, jidDomain string) string {
	if strings.Contains(digits, "@") {
		return digits
	}
	return digits + "@" + jidDomain
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
