package delivery

import "strings"

// NormalizeAddress converts a raw phone number into the transport chat
// address: digits only, leading zero swapped for the country code, then
// the chat suffix. Inputs that already carry the suffix pass through.
func NormalizeAddress(raw, countryCode, suffix string) string {
	if strings.HasSuffix(raw, suffix) {
		return raw
	}

	var digits strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}

	n := digits.String()
	if strings.HasPrefix(n, "0") {
		n = countryCode + n[1:]
	} else if !strings.HasPrefix(n, countryCode) {
		n = countryCode + n
	}
	return n + suffix
}
