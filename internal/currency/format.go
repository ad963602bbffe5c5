package currency

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	amountPlaceholder   = "<amount>"
	currencyPlaceholder = "<currency>"
)

var (
	amountPattern = regexp.MustCompile(`^([0-9]+\.?[0-9]*|\.[0-9]+)$`)
	markupTag     = regexp.MustCompile(`<[^<>]*>`)
)

// Parse reads a user supplied amount for c. Grouping commas are accepted,
// negative and malformed input is rejected, and digits beyond the
// currency's scale are dropped (3.7 of an integer currency is 3).
func Parse(c *Currency, input string) (decimal.Decimal, error) {
	s := strings.ReplaceAll(strings.TrimSpace(input), ",", "")
	if strings.HasPrefix(s, "-") {
		return decimal.Zero, fmt.Errorf("%w: negative amount %q", ErrInvalidAmount, input)
	}
	s = strings.TrimPrefix(s, "+")
	if !amountPattern.MatchString(s) {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, input)
	}

	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, input, err)
	}
	return v.Truncate(c.Scale()), nil
}

// Format renders v through the currency's format template, picking the
// plural display name for amounts above one.
func Format(c *Currency, v decimal.Decimal) string {
	name := c.Singular
	if v.GreaterThan(decimal.NewFromInt(1)) {
		name = c.Plural
	}

	out := strings.ReplaceAll(c.Format, amountPlaceholder, FormatAmount(v))
	return strings.ReplaceAll(out, currencyPlaceholder, name)
}

// FormatPlain is Format with markup tags removed.
func FormatPlain(c *Currency, v decimal.Decimal) string {
	return markupTag.ReplaceAllString(Format(c, v), "")
}

// FormatAmount renders v with comma grouping and at most two fractional
// digits, rounding toward negative infinity. Trailing zeros are omitted.
func FormatAmount(v decimal.Decimal) string {
	s := v.RoundFloor(2).String()

	sign := ""
	if strings.HasPrefix(s, "-") {
		sign, s = "-", s[1:]
	}

	intPart, frac, hasFrac := strings.Cut(s, ".")

	var b strings.Builder
	b.WriteString(sign)
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if hasFrac {
		b.WriteByte('.')
		b.WriteString(frac)
	}
	return b.String()
}
