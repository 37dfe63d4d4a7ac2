// Package money holds the pure helpers for Ugandan Shilling amounts and
// mobile money phone numbers: formatting, parsing, validation, provider
// classification. UGX has no subunits, so amounts are plain int64 shillings.
package money

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	gomoney "github.com/Rhymond/go-money"
)

// Validation is the outcome of a local input check. Invalid input is an
// expected condition here, not an error: callers read Valid and show Err.
type Validation struct {
	Valid bool
	Err   string
}

func valid() Validation {
	return Validation{Valid: true}
}

func invalid(reason string) Validation {
	return Validation{Valid: false, Err: reason}
}

// go-money's built-in UGX definition renders a trailing "USh" marker, which
// is not the shape the portal shows, so both templates are explicit.
var (
	ugxFormatter    = gomoney.NewFormatter(0, ".", ",", "UGX", "$ 1")
	numberFormatter = gomoney.NewFormatter(0, ".", ",", "", "1")
)

// FormatUGX renders an amount as a display string, e.g. "UGX 450,000".
func FormatUGX(amount int64) string {
	return ugxFormatter.Format(amount)
}

// FormatNumber renders an amount with thousands grouping and no currency
// marker, e.g. "450,000".
func FormatNumber(amount int64) string {
	return numberFormatter.Format(amount)
}

// FormatCompactUGX renders large amounts in short scale, e.g. "UGX 16.8M".
// Amounts under a thousand fall back to the plain form.
func FormatCompactUGX(amount int64) string {
	abs := amount
	if abs < 0 {
		abs = -abs
	}

	var scaled float64
	var suffix string
	switch {
	case abs >= 1_000_000_000:
		scaled, suffix = float64(amount)/1e9, "B"
	case abs >= 1_000_000:
		scaled, suffix = float64(amount)/1e6, "M"
	case abs >= 1_000:
		scaled, suffix = float64(amount)/1e3, "K"
	default:
		return FormatUGX(amount)
	}

	s := strconv.FormatFloat(scaled, 'f', 1, 64)
	s = strings.TrimSuffix(s, ".0")
	return "UGX " + s + suffix
}

// ParseUGX parses a display string back to an amount. Currency markers,
// grouping separators and whitespace are stripped. Unparseable input yields
// zero; this function never fails.
func ParseUGX(s string) int64 {
	clean := strings.NewReplacer(
		"UGX", "", "ugx", "", "Ugx", "",
		"USh", "", "ush", "", "USH", "",
		",", "", " ", "", "\t", "",
	).Replace(s)
	clean = strings.TrimSpace(clean)

	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return int64(f)
}

// ValidateAmount checks a payment amount against the vendor's bounds.
// A max of zero or below means no upper bound applies.
func ValidateAmount(amount, min, max int64) Validation {
	if amount <= 0 {
		return invalid("Please enter a valid amount")
	}
	if amount < min {
		return invalid(fmt.Sprintf("Minimum payment amount is %s", FormatUGX(min)))
	}
	if max > 0 && amount > max {
		return invalid(fmt.Sprintf("Maximum payment amount is %s", FormatUGX(max)))
	}
	return valid()
}

// SuggestAmounts builds quick-pick payment amounts from an outstanding
// balance: the minimum payment, 25/50/75% of the balance (floored, when they
// clear the minimum), and the full balance. Sorted ascending, deduplicated.
func SuggestAmounts(outstanding, minimum int64) []int64 {
	seen := make(map[int64]bool)
	var suggestions []int64

	add := func(n int64) {
		if !seen[n] {
			seen[n] = true
			suggestions = append(suggestions, n)
		}
	}

	if minimum < outstanding {
		add(minimum)
	}
	for _, pct := range []int64{25, 50, 75} {
		amount := outstanding * pct / 100
		if amount >= minimum && amount < outstanding {
			add(amount)
		}
	}
	add(outstanding)

	sort.Slice(suggestions, func(i, j int) bool { return suggestions[i] < suggestions[j] })
	return suggestions
}
