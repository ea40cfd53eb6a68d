package receipt

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	DefaultTolerance = 0.01
	DefaultEpsilon   = 0.01
)

// Validator checks a draft record for internal consistency. It annotates
// records and never removes items.
type Validator struct {
	tolerance     decimal.Decimal
	epsilon       decimal.Decimal
	lowConfidence float64
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithTolerance sets the allowed deviation between item sum and total as a
// fraction of the total.
func WithTolerance(fraction float64) ValidatorOption {
	return func(v *Validator) {
		v.tolerance = decimal.NewFromFloat(fraction)
	}
}

// WithEpsilon sets the smallest allowed deviation in currency units.
func WithEpsilon(units float64) ValidatorOption {
	return func(v *Validator) {
		v.epsilon = decimal.NewFromFloat(units)
	}
}

// WithLowConfidence sets the item confidence below which an issue is noted.
func WithLowConfidence(threshold float64) ValidatorOption {
	return func(v *Validator) {
		v.lowConfidence = threshold
	}
}

func NewValidator(opts ...ValidatorOption) *Validator {
	v := &Validator{
		tolerance:     decimal.NewFromFloat(DefaultTolerance),
		epsilon:       decimal.NewFromFloat(DefaultEpsilon),
		lowConfidence: 0.4,
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Allowed is the deviation accepted for total: the larger of the fraction and
// the epsilon.
func (v *Validator) Allowed(total decimal.Decimal) decimal.Decimal {
	return decimal.Max(total.Abs().Mul(v.tolerance), v.epsilon)
}

// Validate returns a copy of r with Status and Issues set.
func (v *Validator) Validate(r *Record) *Record {
	out := r.clone()
	out.Issues = nil

	for _, item := range out.Items {
		if item.Category == Uncategorized {
			out.Issues = append(out.Issues, fmt.Sprintf("%q has no category", item.Name))
		}
		if item.Confidence > 0 && item.Confidence < v.lowConfidence {
			out.Issues = append(out.Issues, fmt.Sprintf("%q was read with low confidence (%.2f)", item.Name, item.Confidence))
		}
	}

	sum := out.ItemsTotal()

	if out.DetectedSubtotal.Valid {
		sub := out.DetectedSubtotal.Decimal
		if sum.Sub(sub).Abs().GreaterThan(v.Allowed(sub)) {
			out.Issues = append(out.Issues, fmt.Sprintf("items sum to %s but subtotal is %s", sum.StringFixed(2), sub.StringFixed(2)))
		}
	}

	if !out.DetectedTotal.Valid {
		out.Status = StatusUnverifiable
		out.Issues = append(out.Issues, "no total found on the receipt")
		return out
	}

	total := out.DetectedTotal.Decimal
	if sum.Sub(total).Abs().GreaterThan(v.Allowed(total)) {
		out.Status = StatusInconsistent
		out.Issues = append(out.Issues, fmt.Sprintf("items sum to %s but total is %s", sum.StringFixed(2), total.StringFixed(2)))
		return out
	}

	out.Status = StatusValid
	return out
}
