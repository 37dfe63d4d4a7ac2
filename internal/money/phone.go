package money

import "strings"

// Provider identifies a mobile money operator.
type Provider string

const (
	ProviderMTN     Provider = "mtn"
	ProviderAirtel  Provider = "airtel"
	ProviderUnknown Provider = "unknown"
)

// Prefixes of normalized numbers per operator. The two sets are disjoint;
// classification takes the first match.
var (
	mtnPrefixes    = []string{"25677", "25678", "25676", "25639"}
	airtelPrefixes = []string{"25675", "25670", "25674", "25620"}
)

// Known reports whether the provider is one we can route payments to.
func (p Provider) Known() bool {
	return p == ProviderMTN || p == ProviderAirtel
}

// DisplayName returns the user-facing operator name.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderMTN:
		return "MTN MoMo"
	case ProviderAirtel:
		return "Airtel Money"
	default:
		return "Mobile Money"
	}
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePhone converts a phone number to the canonical international form
// used for provider classification and backend submission: a local 0XXXXXXXXX
// number becomes 256XXXXXXXXX, an already international 256XXXXXXXXX number
// passes through. Anything else is returned digits-only, best effort.
func NormalizePhone(raw string) string {
	digits := digitsOnly(raw)

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return "256" + digits[1:]
	case len(digits) == 12 && strings.HasPrefix(digits, "256"):
		return digits
	default:
		return digits
	}
}

// FormatPhone renders a phone number for display: "0700 123 456" for local
// numbers, "+256 700 123 456" for international ones. Unrecognized shapes are
// returned unchanged.
func FormatPhone(raw string) string {
	digits := digitsOnly(raw)

	switch {
	case len(digits) == 10 && strings.HasPrefix(digits, "0"):
		return digits[:4] + " " + digits[4:7] + " " + digits[7:]
	case len(digits) == 12 && strings.HasPrefix(digits, "256"):
		return "+" + digits[:3] + " " + digits[3:6] + " " + digits[6:9] + " " + digits[9:]
	default:
		return raw
	}
}

// ClassifyProvider maps a phone number to its mobile money operator by
// normalized prefix. Numbers outside both prefix sets are ProviderUnknown.
func ClassifyProvider(raw string) Provider {
	normalized := NormalizePhone(raw)

	for _, prefix := range mtnPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return ProviderMTN
		}
	}
	for _, prefix := range airtelPrefixes {
		if strings.HasPrefix(normalized, prefix) {
			return ProviderAirtel
		}
	}
	return ProviderUnknown
}

// ValidatePhone accepts exactly the two canonical Ugandan shapes: 10 digits
// starting with 0, or 12 digits starting with 256.
func ValidatePhone(raw string) Validation {
	digits := digitsOnly(raw)

	ok := (len(digits) == 10 && strings.HasPrefix(digits, "0")) ||
		(len(digits) == 12 && strings.HasPrefix(digits, "256"))
	if !ok {
		return invalid("Please enter a valid Ugandan phone number (0XXX XXX XXX or +256 XXX XXX XXX)")
	}
	return valid()
}
