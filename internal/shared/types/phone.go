package types

import "strings"

// NormalizePhone strips every non-digit and keeps the last ten digits, so
// "+91 98765-43210" and "9876543210" normalize to the same value.
func NormalizePhone(phone string) string {
	var b strings.Builder
	b.Grow(len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) >= 10 {
		return digits[len(digits)-10:]
	}
	return digits
}

// PhoneVariants lists the raw forms a phone may have been stored under by
// older clients, in lookup order and without duplicates.
func PhoneVariants(phone string) []string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil
	}

	candidates := []string{
		phone,
		"+91" + phone,
		"+91 " + phone,
		strings.TrimPrefix(phone, "+91"),
	}

	seen := make(map[string]bool, len(candidates))
	variants := make([]string, 0, len(candidates))
	for _, c := range candidates {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		variants = append(variants, c)
	}
	return variants
}
