package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

// Reason identifies why a coupon is not eligible for an order. The values
// are wire-stable and map one-to-one to user-facing messages.
type Reason string

const (
	ReasonNotFound              Reason = "not_found"
	ReasonInactive              Reason = "inactive"
	ReasonNotYetValid           Reason = "not_yet_valid"
	ReasonExpired               Reason = "expired"
	ReasonUsageLimitExceeded    Reason = "usage_limit_exceeded"
	ReasonCustomerLimitExceeded Reason = "customer_limit_exceeded"
	ReasonMinimumOrderNotMet    Reason = "minimum_order_not_met"
	ReasonFirstPurchaseOnly     Reason = "first_purchase_only"
	ReasonCategoryRestricted    Reason = "category_restricted"
	ReasonProductRestricted     Reason = "product_restricted"
	ReasonCustomerRestricted    Reason = "customer_restricted"
)

// Message returns the customer-facing explanation for the reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNotFound:
		return "coupon not found"
	case ReasonInactive:
		return "coupon is inactive"
	case ReasonNotYetValid:
		return "coupon is not valid yet"
	case ReasonExpired:
		return "coupon has expired"
	case ReasonUsageLimitExceeded:
		return "coupon usage limit reached"
	case ReasonCustomerLimitExceeded:
		return "coupon usage limit reached for this customer"
	case ReasonMinimumOrderNotMet:
		return "order does not meet the coupon's minimum value"
	case ReasonFirstPurchaseOnly:
		return "coupon is valid for first purchases only"
	case ReasonCategoryRestricted, ReasonProductRestricted:
		return "coupon is not valid for the selected products"
	case ReasonCustomerRestricted:
		return "coupon is not valid for this customer"
	}
	return "coupon is not eligible"
}

// Eligibility is the outcome of evaluating a coupon against an order.
// When Eligible is false, Reason names the first failed check and Coupon is
// nil unless the coupon itself was found.
type Eligibility struct {
	Eligible bool
	Reason   Reason
	Coupon   *Coupon
}

// Validator evaluates coupon eligibility. It is read-only: no counter is
// touched here, the redemption ledger re-checks limits atomically at
// reservation time.
type Validator struct {
	coupons Repository
	history CustomerHistory
	now     func() time.Time
}

// NewValidator creates a Validator backed by the given repository and
// customer history collaborator.
func NewValidator(coupons Repository, history CustomerHistory) *Validator {
	return &Validator{coupons: coupons, history: history, now: time.Now}
}

// Validate runs the eligibility checks in their fixed order and stops at the
// first failure. Checks needing a customer identity are skipped for guest
// orders, except the allowed-customers restriction, which an anonymous
// caller can never satisfy.
//
// The validity window is inclusive on both ends: a coupon is usable at
// exactly ValidFrom and at exactly ValidUntil.
func (v *Validator) Validate(ctx context.Context, code string, ord OrderContext) (*Eligibility, error) {
	c, err := v.coupons.FindByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Eligibility{Reason: ReasonNotFound}, nil
		}
		return nil, errors.Wrap(err, "lookup coupon")
	}

	ineligible := func(r Reason) *Eligibility {
		return &Eligibility{Reason: r, Coupon: c}
	}

	if !c.Active {
		return ineligible(ReasonInactive), nil
	}

	now := v.now()
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return ineligible(ReasonNotYetValid), nil
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return ineligible(ReasonExpired), nil
	}

	if c.TotalUsageLimit > 0 {
		used, err := v.coupons.CountCommitted(ctx, c.ID)
		if err != nil {
			return nil, errors.Wrap(err, "count redemptions")
		}
		if used >= c.TotalUsageLimit {
			return ineligible(ReasonUsageLimitExceeded), nil
		}
	}

	if ord.CustomerID != nil && c.PerCustomerUsageLimit > 0 {
		used, err := v.coupons.CountCommittedForCustomer(ctx, c.ID, *ord.CustomerID)
		if err != nil {
			return nil, errors.Wrap(err, "count customer redemptions")
		}
		if used >= c.PerCustomerUsageLimit {
			return ineligible(ReasonCustomerLimitExceeded), nil
		}
	}

	if c.MinOrderValue.IsPositive() && ord.OrderValue.LessThan(c.MinOrderValue) {
		return ineligible(ReasonMinimumOrderNotMet), nil
	}

	if c.FirstPurchaseOnly && ord.CustomerID != nil {
		prior, err := v.history.HasPriorOrders(ctx, *ord.CustomerID)
		if err != nil {
			return nil, errors.Wrap(err, "check purchase history")
		}
		if prior {
			return ineligible(ReasonFirstPurchaseOnly), nil
		}
	}

	if !c.AllowedCategories.Empty() && !anyItem(ord.Items, func(it OrderItem) bool {
		return c.AllowedCategories.Contains(it.CategoryID)
	}) {
		return ineligible(ReasonCategoryRestricted), nil
	}

	if !c.AllowedProducts.Empty() && !anyItem(ord.Items, func(it OrderItem) bool {
		return c.AllowedProducts.Contains(it.ProductID)
	}) {
		return ineligible(ReasonProductRestricted), nil
	}

	if !c.AllowedCustomers.Empty() {
		if ord.CustomerID == nil || !c.AllowedCustomers.Contains(*ord.CustomerID) {
			return ineligible(ReasonCustomerRestricted), nil
		}
	}

	return &Eligibility{Eligible: true, Coupon: c}, nil
}

func anyItem(items []OrderItem, match func(OrderItem) bool) bool {
	for _, it := range items {
		if match(it) {
			return true
		}
	}
	return false
}
