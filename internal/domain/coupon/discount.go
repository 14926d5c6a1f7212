package coupon

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// DiscountResult holds the computed monetary discount for an order.
type DiscountResult struct {
	Amount          decimal.Decimal
	FreeShipping    bool
	FinalOrderValue decimal.Decimal
}

// Calculate maps a coupon and the order's merchandise and shipping values to
// a discount. The coupon must already have passed eligibility validation.
//
// The function is pure. Whatever the discount model, the result never
// exceeds the merchandise value, so the final order value cannot go
// negative. MaxDiscountCap, when set, bounds every discount type.
func Calculate(c *Coupon, orderValue, shippingValue decimal.Decimal) (DiscountResult, error) {
	var (
		amount       decimal.Decimal
		freeShipping bool
	)

	switch c.DiscountType {
	case DiscountPercentage:
		amount = orderValue.Mul(c.DiscountValue).Div(hundred)
	case DiscountFixedAmount:
		amount = decimal.Min(c.DiscountValue, orderValue)
	case DiscountFreeShipping:
		amount = shippingValue
		freeShipping = true
	default:
		return DiscountResult{}, errors.Errorf("unsupported discount type: %q", c.DiscountType)
	}

	if c.MaxDiscountCap.IsPositive() {
		amount = decimal.Min(amount, c.MaxDiscountCap)
	}
	amount = decimal.Min(amount, orderValue)
	if amount.IsNegative() {
		amount = decimal.Zero
	}
	amount = amount.Round(2)

	return DiscountResult{
		Amount:          amount,
		FreeShipping:    freeShipping,
		FinalOrderValue: orderValue.Sub(amount).Round(2),
	}, nil
}
