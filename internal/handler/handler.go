// Package handler exposes the coupon engine over HTTP. Transport concerns
// only: decoding, error-to-status mapping, and the admin authorization
// gate. Business rules live in the domain packages.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/domain/redemption"
)

// Validator evaluates coupon eligibility for an order context.
type Validator interface {
	Validate(ctx context.Context, code string, ord coupon.OrderContext) (*coupon.Eligibility, error)
}

// Ledger is the redemption lifecycle the checkout workflow drives.
type Ledger interface {
	Reserve(ctx context.Context, couponID int64, orderID string, customerID *int64) (string, error)
	Commit(ctx context.Context, reservationID string, discountApplied decimal.Decimal) error
	Release(ctx context.Context, reservationID string) error
	ReleaseExpired(ctx context.Context) (int64, error)
}

// Admin is the administrative coupon service surface.
type Admin interface {
	Create(ctx context.Context, c coupon.Coupon) (int64, error)
	Update(ctx context.Context, id int64, upd coupon.Update) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (*coupon.Coupon, error)
	List(ctx context.Context, filter coupon.ListFilter) ([]coupon.Coupon, error)
	GenerateCode(ctx context.Context, prefix string, length int) (string, error)
	Stats(ctx context.Context, period string) (*coupon.StatsReport, error)
}

// Handler bundles the HTTP endpoints of the coupon engine.
type Handler struct {
	validator Validator
	ledger    Ledger
	admin     Admin
}

// New constructs a Handler with the required domain dependencies.
func New(validator Validator, ledger Ledger, admin Admin) *Handler {
	return &Handler{
		validator: validator,
		ledger:    ledger,
		admin:     admin,
	}
}

// Routes mounts all endpoints on a fresh router. Admin routes sit behind
// the API key gate; validation and redemption endpoints are called by the
// storefront and checkout workflow directly.
func (h *Handler) Routes(authorize func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Route("/coupons", func(r chi.Router) {
		r.Post("/validate", h.ValidateCoupon)
		r.Post("/discount", h.CalculateDiscount)
	})

	r.Route("/redemptions", func(r chi.Router) {
		r.Post("/reserve", h.ReserveRedemption)
		r.Post("/{reservationID}/commit", h.CommitRedemption)
		r.Post("/{reservationID}/release", h.ReleaseRedemption)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authorize)
		r.Route("/coupons", func(r chi.Router) {
			r.Get("/", h.ListCoupons)
			r.Post("/", h.CreateCoupon)
			r.Post("/generate-code", h.GenerateCode)
			r.Get("/stats", h.CouponStats)
			r.Get("/{couponID}", h.GetCoupon)
			r.Put("/{couponID}", h.UpdateCoupon)
			r.Delete("/{couponID}", h.DeleteCoupon)
		})
		r.Post("/redemptions/sweep", h.SweepReservations)
	})

	return r
}

// couponSummary is the read model returned to clients. Monetary fields are
// rendered as floats, matching the storefront's expectations.
type couponSummary struct {
	ID                    int64   `json:"id"`
	Code                  string  `json:"code"`
	Name                  string  `json:"name,omitempty"`
	Description           string  `json:"description,omitempty"`
	DiscountType          string  `json:"discountType"`
	DiscountValue         float64 `json:"discountValue"`
	MaxDiscountCap        float64 `json:"maxDiscountCap,omitempty"`
	MinOrderValue         float64 `json:"minOrderValue,omitempty"`
	TotalUsageLimit       int     `json:"totalUsageLimit,omitempty"`
	PerCustomerUsageLimit int     `json:"perCustomerUsageLimit,omitempty"`
	ValidFrom             *string `json:"validFrom,omitempty"`
	ValidUntil            *string `json:"validUntil,omitempty"`
	Active                bool    `json:"active"`
	FirstPurchaseOnly     bool    `json:"firstPurchaseOnly,omitempty"`
	AllowedCategories     []int64 `json:"allowedCategories,omitempty"`
	AllowedProducts       []int64 `json:"allowedProducts,omitempty"`
	AllowedCustomers      []int64 `json:"allowedCustomers,omitempty"`
	TotalRedemptions      int     `json:"totalRedemptions"`
	TotalDiscountGiven    float64 `json:"totalDiscountGiven"`
}

func summarize(c *coupon.Coupon) couponSummary {
	s := couponSummary{
		ID:                    c.ID,
		Code:                  c.Code,
		Name:                  c.Name,
		Description:           c.Description,
		DiscountType:          string(c.DiscountType),
		DiscountValue:         c.DiscountValue.InexactFloat64(),
		MaxDiscountCap:        c.MaxDiscountCap.InexactFloat64(),
		MinOrderValue:         c.MinOrderValue.InexactFloat64(),
		TotalUsageLimit:       c.TotalUsageLimit,
		PerCustomerUsageLimit: c.PerCustomerUsageLimit,
		Active:                c.Active,
		FirstPurchaseOnly:     c.FirstPurchaseOnly,
		AllowedCategories:     c.AllowedCategories,
		AllowedProducts:       c.AllowedProducts,
		AllowedCustomers:      c.AllowedCustomers,
		TotalRedemptions:      c.TotalRedemptions,
		TotalDiscountGiven:    c.TotalDiscountGiven.InexactFloat64(),
	}
	if c.ValidFrom != nil {
		v := c.ValidFrom.Format(timeFormat)
		s.ValidFrom = &v
	}
	if c.ValidUntil != nil {
		v := c.ValidUntil.Format(timeFormat)
		s.ValidUntil = &v
	}
	return s
}

// Compile-time check that the redemption ledger satisfies the handler's
// contract.
var _ Ledger = (*redemption.Ledger)(nil)
