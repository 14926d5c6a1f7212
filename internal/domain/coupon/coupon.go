// Package coupon contains the coupon domain model, the eligibility
// validator, the discount calculator, the code generator, and the
// administrative service.
package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount models.
type DiscountType string

const (
	// DiscountPercentage discounts a percentage of the merchandise value.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixedAmount discounts a fixed monetary amount, clamped to the
	// merchandise value.
	DiscountFixedAmount DiscountType = "fixed_amount"
	// DiscountFreeShipping waives the shipping cost of the order.
	DiscountFreeShipping DiscountType = "free_shipping"
)

// Valid reports whether t is a known discount type.
func (t DiscountType) Valid() bool {
	switch t {
	case DiscountPercentage, DiscountFixedAmount, DiscountFreeShipping:
		return true
	}
	return false
}

// Code length bounds enforced at creation and generation time.
const (
	MinCodeLength = 4
	MaxCodeLength = 20
)

var (
	// ErrNotFound is returned when no coupon matches the given code or id.
	ErrNotFound = errors.New("coupon not found")
	// ErrDuplicateCode is returned when a create or update would reuse an
	// existing code (case-insensitive).
	ErrDuplicateCode = errors.New("coupon code already exists")
	// ErrCouponInUse is returned when deleting a coupon that has reserved or
	// committed redemptions.
	ErrCouponInUse = errors.New("coupon has redemptions and cannot be deleted")
	// ErrCodeGenerationExhausted is returned when the code generator fails to
	// find a free code within its retry budget.
	ErrCodeGenerationExhausted = errors.New("code generation attempts exhausted")
)

// IDSet is an allow-list of entity identifiers. An empty set matches
// everything; a restriction only applies when the set is non-empty.
type IDSet []int64

// Contains reports whether id is a member of the set.
func (s IDSet) Contains(id int64) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Empty reports whether the set imposes no restriction.
func (s IDSet) Empty() bool { return len(s) == 0 }

// Coupon is a discount rule identified by a unique redemption code.
//
// Zero values encode "no constraint": MaxDiscountCap and MinOrderValue of
// zero mean uncapped / no floor, usage limits of zero mean unlimited, nil
// window bounds mean open-ended.
type Coupon struct {
	ID          int64
	Code        string
	Name        string
	Description string

	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MaxDiscountCap decimal.Decimal
	MinOrderValue  decimal.Decimal

	TotalUsageLimit       int
	PerCustomerUsageLimit int

	ValidFrom  *time.Time
	ValidUntil *time.Time

	Active            bool
	FirstPurchaseOnly bool

	AllowedCategories IDSet
	AllowedProducts   IDSet
	AllowedCustomers  IDSet

	// TotalRedemptions counts committed redemptions. It is derived from the
	// redemption ledger and never written directly.
	TotalRedemptions int
	// TotalDiscountGiven sums discount_applied over committed redemptions.
	TotalDiscountGiven decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OrderItem is one line of the order under evaluation.
type OrderItem struct {
	ProductID  int64
	CategoryID int64
	Price      decimal.Decimal
	Quantity   int
}

// OrderContext describes the order a coupon is evaluated against.
// CustomerID is nil for guest checkouts.
type OrderContext struct {
	CustomerID *int64
	OrderValue decimal.Decimal
	Items      []OrderItem
}

// ListFilter narrows and pages an administrative coupon listing.
type ListFilter struct {
	Active       *bool
	DiscountType DiscountType
	Search       string
	ValidOnly    bool
	Limit        int
	Offset       int
}

// Repository provides coupon persistence. Implementations must enforce
// case-insensitive code uniqueness and reject deletion of coupons that have
// non-released redemptions.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	FindByID(ctx context.Context, id int64) (*Coupon, error)
	Create(ctx context.Context, c *Coupon) (int64, error)
	Update(ctx context.Context, id int64, upd Update) error
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context, filter ListFilter) ([]Coupon, error)
	Stats(ctx context.Context, from, to time.Time) (*StatsReport, error)
	CountCommitted(ctx context.Context, couponID int64) (int, error)
	CountCommittedForCustomer(ctx context.Context, couponID, customerID int64) (int, error)
}

// CustomerHistory is the read-only view of the customer registry the
// eligibility validator needs for first-purchase coupons.
type CustomerHistory interface {
	// HasPriorOrders reports whether the customer has at least one
	// non-cancelled order.
	HasPriorOrders(ctx context.Context, customerID int64) (bool, error)
}

// Update carries a partial coupon mutation. Nil fields are left unchanged.
// Window bounds use a double pointer so a mutation can distinguish "leave
// as-is" (nil) from "clear the bound" (pointer to nil).
type Update struct {
	Code        *string
	Name        *string
	Description *string

	DiscountType   *DiscountType
	DiscountValue  *decimal.Decimal
	MaxDiscountCap *decimal.Decimal
	MinOrderValue  *decimal.Decimal

	TotalUsageLimit       *int
	PerCustomerUsageLimit *int

	ValidFrom  **time.Time
	ValidUntil **time.Time

	Active            *bool
	FirstPurchaseOnly *bool

	AllowedCategories *IDSet
	AllowedProducts   *IDSet
	AllowedCustomers  *IDSet
}

// StatsReport aggregates coupon usage over a reporting period.
type StatsReport struct {
	From time.Time
	To   time.Time

	ActiveCoupons    int
	TotalRedemptions int
	TotalDiscount    decimal.Decimal
	AverageDiscount  decimal.Decimal

	TopCoupons []CouponUsage
	ByType     []TypeUsage
}

// CouponUsage is one row of the most-used-coupons report.
type CouponUsage struct {
	Code          string
	Name          string
	DiscountType  DiscountType
	Redemptions   int
	TotalDiscount decimal.Decimal
}

// TypeUsage aggregates usage per discount type.
type TypeUsage struct {
	DiscountType  DiscountType
	Coupons       int
	Redemptions   int
	TotalDiscount decimal.Decimal
}
