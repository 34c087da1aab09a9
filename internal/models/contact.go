package models

import (
	"strings"
	"unicode"
)

// NormalizeEmail trims and lowercases; empty input yields nil.
func NormalizeEmail(email *string) *string {
	if email == nil {
		return nil
	}
	v := strings.ToLower(strings.TrimSpace(*email))
	if v == "" {
		return nil
	}
	return &v
}

// NormalizePhone keeps digits only and applies the Russian trunk-prefix rules:
// 8XXXXXXXXXX and bare 10-digit numbers become +7XXXXXXXXXX.
func NormalizePhone(phone *string) *string {
	if phone == nil {
		return nil
	}
	var b strings.Builder
	for _, r := range *phone {
		if unicode.IsDigit(r) && r < unicode.MaxASCII {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return nil
	}

	var v string
	switch {
	case len(digits) == 11 && digits[0] == '8':
		v = "+7" + digits[1:]
	case len(digits) == 10:
		v = "+7" + digits
	default:
		v = "+" + digits
	}
	return &v
}

// NormalizeHandle strips whitespace and a leading "@".
func NormalizeHandle(handle *string) *string {
	if handle == nil {
		return nil
	}
	v := strings.TrimPrefix(strings.TrimSpace(*handle), "@")
	if v == "" {
		return nil
	}
	return &v
}

// Normalize applies the contact normalizers to the participant in place.
func (p *Participant) Normalize() {
	p.Email = NormalizeEmail(p.Email)
	p.Phone = NormalizePhone(p.Phone)
	p.Username = NormalizeHandle(p.Username)
}
