package money

import "strings"

const rupeeSymbol = "₹"

// Format renders the amount the way en-IN formats INR, e.g. ₹1,23,456.78.
func (m Money) Format() string {
	fixed := m.ToMajorUnits().Abs().StringFixed(MinorUnitExponent)
	whole, fraction, _ := strings.Cut(fixed, ".")

	var b strings.Builder
	if m.minor < 0 {
		b.WriteByte('-')
	}
	b.WriteString(rupeeSymbol)
	b.WriteString(groupIndian(whole))
	b.WriteByte('.')
	b.WriteString(fraction)
	return b.String()
}

// groupIndian groups the last three digits, then every two digits before them.
func groupIndian(digits string) string {
	if len(digits) <= 3 {
		return digits
	}
	head, tail := digits[:len(digits)-3], digits[len(digits)-3:]

	parts := make([]string, 0, len(head)/2+2)
	if len(head)%2 == 1 {
		parts = append(parts, head[:1])
		head = head[1:]
	}
	for len(head) > 0 {
		parts = append(parts, head[:2])
		head = head[2:]
	}
	parts = append(parts, tail)
	return strings.Join(parts, ",")
}
