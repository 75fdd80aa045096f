package coupon

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the outcome of validating a coupon at apply time.
type Status string

const (
	StatusValid    Status = "valid"
	StatusExpired  Status = "expired"
	StatusNotFound Status = "not_found"
	StatusDisabled Status = "disabled"
	// StatusInvalid marks a coupon whose stored terms are unusable, e.g. a
	// percent outside 0..100.
	StatusInvalid Status = "invalid"
)

var hundred = decimal.NewFromInt(100)

// Validate reports whether c can be applied at now. A nil coupon is
// StatusNotFound. Expiry is strict: a coupon is still valid during the second
// named by DueDate and expired from the next one on.
func Validate(c *Coupon, now time.Time) Status {
	switch {
	case c == nil:
		return StatusNotFound
	case !c.IsEnabled:
		return StatusDisabled
	case c.Percent < 0 || c.Percent > 100:
		return StatusInvalid
	case now.Truncate(time.Second).Unix() > c.DueDate:
		return StatusExpired
	default:
		return StatusValid
	}
}

// Apply returns total scaled by percent/100, rounded half-up to a whole
// currency unit. The result is the settlement amount; callers must not round
// it again.
func Apply(total decimal.Decimal, percent int) decimal.Decimal {
	scaled := total.Mul(decimal.NewFromInt(int64(percent))).Div(hundred)
	if scaled.IsNegative() {
		return decimal.Zero
	}
	return scaled.Round(0)
}

// Message is the buyer-facing explanation for a status.
func (s Status) Message() string {
	switch s {
	case StatusValid:
		return "coupon applied"
	case StatusExpired:
		return "coupon expired or unavailable"
	case StatusNotFound:
		return "coupon not found"
	case StatusDisabled:
		return "coupon is not enabled"
	case StatusInvalid:
		return "coupon terms are invalid"
	default:
		return "coupon could not be applied"
	}
}
