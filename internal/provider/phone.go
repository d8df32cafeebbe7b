package provider

import (
	"fmt"
	"strings"

	"deliveryd/internal/delivery"
)

// NormalizePhone turns a stored phone number into the digits-only
// international form the provider expects. Numbers written with a leading
// "+" or "00" are already international. Anything else is national: a
// single trunk "0" is dropped and country is prefixed unless the digits
// already start with it.
func NormalizePhone(raw, country string) (string, error) {
	s := strings.TrimSpace(raw)
	intl := strings.HasPrefix(s, "+")
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if !intl && strings.HasPrefix(digits, "00") {
		digits, intl = digits[2:], true
	}
	if !intl {
		digits = strings.TrimPrefix(digits, "0")
		if country != "" && !strings.HasPrefix(digits, country) {
			digits = country + digits
		}
	}
	if n := len(digits); n < 8 || n > 15 {
		return "", fmt.Errorf("recipient %q: %d digits: %w", raw, n, delivery.ErrInvalidRecipient)
	}
	return digits, nil
}
