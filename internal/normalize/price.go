package normalize

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// extractPrice resolves the price field. A structured {amount, currency}
// object wins; amounts must be strictly positive. Failing that, a loose
// price field is used verbatim, then the sentinel.
func extractPrice(raw map[string]any) string {
	if structured, ok := raw["listing_price"].(map[string]any); ok {
		amount := coerceAmount(structured["amount"])
		currency := stringValue(structured["currency"])
		if amount > 0 && currency != "" {
			return formatPrice(amount, currency)
		}
	}
	if v := stringValue(raw["price"]); v != "" {
		return v
	}
	if n := coerceAmount(raw["price"]); n > 0 {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}
	return SentinelPrice
}

// coerceAmount converts raw amount values to a float. Numeric strings are
// parsed after stripping grouping characters and currency noise; anything
// unparseable yields 0, which the caller rejects.
func coerceAmount(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		cleaned := strings.Map(func(r rune) rune {
			if (r >= '0' && r <= '9') || r == '.' {
				return r
			}
			return -1
		}, n)
		f, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}

// formatPrice renders an amount per the currency's locale convention.
// MGA and EUR group thousands with spaces and suffix the unit; USD uses
// comma grouping with a dollar prefix. Unrecognized currencies fall back
// to "<amount> <currency>".
func formatPrice(amount float64, currency string) string {
	switch strings.ToUpper(currency) {
	case "MGA":
		return groupDigits(amount, ' ') + " MGA"
	case "EUR":
		return groupDigits(amount, ' ') + " €"
	case "USD":
		return "$" + groupDigits(amount, ',')
	default:
		return fmt.Sprintf("%s %s", groupDigits(amount, ' '), strings.ToUpper(currency))
	}
}

// groupDigits formats the amount with a thousands separator. Whole amounts
// drop the decimal part; fractional amounts keep two digits.
func groupDigits(amount float64, sep rune) string {
	var intPart, fracPart string
	if amount == math.Trunc(amount) {
		intPart = strconv.FormatFloat(amount, 'f', 0, 64)
	} else {
		s := strconv.FormatFloat(amount, 'f', 2, 64)
		parts := strings.SplitN(s, ".", 2)
		intPart, fracPart = parts[0], parts[1]
	}

	var b strings.Builder
	for i, d := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteRune(sep)
		}
		b.WriteRune(d)
	}
	if fracPart != "" {
		b.WriteByte('.')
		b.WriteString(fracPart)
	}
	return b.String()
}
