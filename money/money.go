/*
Package money is the decimal-only arithmetic and formatting engine.

PURPOSE:
  Every monetary value in the system flows through this package. No
  floating-point number ever represents money; floats appear only in logs
  where the value is informational.

RULES:
  - Scale 2, banker's rounding at every externally visible step.
  - Currency is ILS everywhere; formatting is ILS-locked.
  - Formatted strings start with U+200E (LRM) so the shekel sign stays on
    the left in bidi text, then the sign, then thousand-grouped digits.
  - Comparisons use exact decimal equality.

SEE ALSO:
  - pricing: Computes amounts with these helpers
  - reports: Renders the monetary CSV column with Format
*/
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/crew-ledger/domain"
)

// LRM is prepended to every formatted amount to pin the shekel sign left.
const LRM = "‎"

// Shekel is the ILS currency sign.
const Shekel = "₪"

// Zero is the canonical zero amount.
var Zero = decimal.Zero

// Round2 applies banker's rounding to two fractional digits.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(2)
}

// Parse parses a decimal string. Rejects empty input and anything the
// decimal parser refuses.
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, &domain.ValidationError{Field: "amount", Message: "empty amount"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &domain.ValidationError{Field: "amount", Message: "not a decimal: " + s}
	}
	return d, nil
}

// ParsePositive parses and requires a strictly positive amount.
func ParsePositive(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if !d.IsPositive() {
		return decimal.Zero, &domain.ValidationError{Field: "amount", Message: "must be positive"}
	}
	return d, nil
}

// ParseNonNegative parses and requires a >= 0 amount (task quantities).
func ParseNonNegative(s string) (decimal.Decimal, error) {
	d, err := Parse(s)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, &domain.ValidationError{Field: "qty", Message: "must not be negative"}
	}
	return d, nil
}

// Equal is exact decimal equality. Scale differences do not matter:
// 1600 == 1600.00.
func Equal(a, b decimal.Decimal) bool {
	return a.Equal(b)
}

// Sum adds amounts without intermediate rounding.
func Sum(ds ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, d := range ds {
		total = total.Add(d)
	}
	return total
}

// String renders the plain two-digit form used in JSON bodies: "1600.00".
func String(d decimal.Decimal) string {
	return Round2(d).StringFixed(2)
}

// Format renders the display form: LRM, shekel sign, optional minus,
// thousand-grouped integer digits, dot, two fractional digits.
//
//	Format(1234567.5) == "‎₪1,234,567.50"
//	Format(-8)        == "‎₪-8.00"
func Format(d decimal.Decimal) string {
	r := Round2(d)
	neg := r.IsNegative()
	fixed := r.Abs().StringFixed(2)

	intPart := fixed[:len(fixed)-3]
	fracPart := fixed[len(fixed)-2:]

	var b strings.Builder
	b.WriteString(LRM)
	b.WriteString(Shekel)
	if neg {
		b.WriteByte('-')
	}
	b.WriteString(group(intPart))
	b.WriteByte('.')
	b.WriteString(fracPart)
	return b.String()
}

// group inserts thousand separators into a plain digit string.
func group(digits string) string {
	n := len(digits)
	if n <= 3 {
		return digits
	}
	var b strings.Builder
	head := n % 3
	if head > 0 {
		b.WriteString(digits[:head])
	}
	for i := head; i < n; i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}

// MustParse is for constants in tests and seeds; panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("money: %v", err))
	}
	return d
}
