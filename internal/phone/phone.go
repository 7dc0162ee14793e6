package phone

import "strings"

// DefaultCountryCode is the domestic country code assumed when a number
// arrives without one.
const DefaultCountryCode = "55"

// Digits strips everything that is not a decimal digit.
func Digits(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize converts a free-form phone string into canonical international
// form. Domestic numbers (10 or 11 digits) gain the country code; numbers
// that already carry one (12 or 13 digits) are returned as-is with a leading
// plus. Anything else degrades to the bare digits behind a plus, or "" when
// no digits remain.
func Normalize(raw string) string {
	return NormalizeWithCountry(raw, DefaultCountryCode)
}

// NormalizeWithCountry is Normalize with an explicit country code.
func NormalizeWithCountry(raw, countryCode string) string {
	digits := Digits(raw)
	if digits == "" {
		return ""
	}
	switch n := len(digits); {
	case n == 10 || n == 11:
		return "+" + countryCode + digits
	case n == 12 || n == 13:
		return "+" + digits
	default:
		return "+" + digits
	}
}

// StripCountryCode removes the country code prefix when present.
func StripCountryCode(digits, countryCode string) string {
	if countryCode != "" && strings.HasPrefix(digits, countryCode) && len(digits) > len(countryCode) {
		return digits[len(countryCode):]
	}
	return digits
}
