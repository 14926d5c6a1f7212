package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/domain/redemption"
	"github.com/storeops/coupon-engine/internal/metrics"
)

type orderItemRequest struct {
	ProductID  int64           `json:"productId"`
	CategoryID int64           `json:"categoryId"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int             `json:"quantity"`
}

type validateCouponRequest struct {
	Code       string             `json:"code"`
	CustomerID *int64             `json:"customerId,omitempty"`
	OrderValue decimal.Decimal    `json:"orderValue"`
	Items      []orderItemRequest `json:"items"`
}

type validateCouponResponse struct {
	Eligible bool           `json:"eligible"`
	Reason   string         `json:"reason,omitempty"`
	Message  string         `json:"message,omitempty"`
	Coupon   *couponSummary `json:"coupon,omitempty"`
}

// ValidateCoupon runs the eligibility battery for an order context and
// reports the first failed check, if any.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	var req validateCouponRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	elig, err := h.validator.Validate(r.Context(), req.Code, coupon.OrderContext{
		CustomerID: req.CustomerID,
		OrderValue: req.OrderValue,
		Items:      orderItems(req.Items),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	resp := validateCouponResponse{Eligible: elig.Eligible}
	if elig.Eligible {
		metrics.ValidationsTotal.WithLabelValues("eligible").Inc()
		s := summarize(elig.Coupon)
		resp.Coupon = &s
	} else {
		metrics.ValidationsTotal.WithLabelValues(string(elig.Reason)).Inc()
		resp.Reason = string(elig.Reason)
		resp.Message = elig.Reason.Message()
	}
	respondJSON(w, http.StatusOK, resp)
}

func orderItems(reqItems []orderItemRequest) []coupon.OrderItem {
	items := make([]coupon.OrderItem, len(reqItems))
	for i, it := range reqItems {
		items[i] = coupon.OrderItem{
			ProductID:  it.ProductID,
			CategoryID: it.CategoryID,
			Price:      it.Price,
			Quantity:   it.Quantity,
		}
	}
	return items
}

type calculateDiscountRequest struct {
	Code          string             `json:"code"`
	CustomerID    *int64             `json:"customerId,omitempty"`
	OrderValue    decimal.Decimal    `json:"orderValue"`
	ShippingValue decimal.Decimal    `json:"shippingValue"`
	Items         []orderItemRequest `json:"items"`
}

type calculateDiscountResponse struct {
	Amount          float64 `json:"amount"`
	FreeShipping    bool    `json:"freeShipping"`
	FinalOrderValue float64 `json:"finalOrderValue"`
}

// CalculateDiscount runs the full eligibility battery for the supplied order
// context and, when eligible, returns the computed discount. Callers with
// item or customer restrictions must supply those fields or the restriction
// checks fail.
func (h *Handler) CalculateDiscount(w http.ResponseWriter, r *http.Request) {
	var req calculateDiscountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Code == "" {
		respondError(w, http.StatusBadRequest, "code is required")
		return
	}

	elig, err := h.validator.Validate(r.Context(), req.Code, coupon.OrderContext{
		CustomerID: req.CustomerID,
		OrderValue: req.OrderValue,
		Items:      orderItems(req.Items),
	})
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	if !elig.Eligible {
		respondJSON(w, http.StatusUnprocessableEntity, validateCouponResponse{
			Reason:  string(elig.Reason),
			Message: elig.Reason.Message(),
		})
		return
	}

	result, err := coupon.Calculate(elig.Coupon, req.OrderValue, req.ShippingValue)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, calculateDiscountResponse{
		Amount:          result.Amount.InexactFloat64(),
		FreeShipping:    result.FreeShipping,
		FinalOrderValue: result.FinalOrderValue.InexactFloat64(),
	})
}

type reserveRequest struct {
	CouponID   int64  `json:"couponId"`
	OrderID    string `json:"orderId"`
	CustomerID *int64 `json:"customerId,omitempty"`
}

// ReserveRedemption takes a usage slot for the order. The underlying store
// re-checks both limits atomically, so a stale eligibility result cannot
// over-allocate the last slot.
func (h *Handler) ReserveRedemption(w http.ResponseWriter, r *http.Request) {
	var req reserveRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.CouponID == 0 || req.OrderID == "" {
		respondError(w, http.StatusBadRequest, "couponId and orderId are required")
		return
	}

	start := time.Now()
	id, err := h.ledger.Reserve(r.Context(), req.CouponID, req.OrderID, req.CustomerID)
	metrics.ReserveDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReservationsTotal.WithLabelValues(reserveResult(err)).Inc()
		respondDomainError(w, r, err)
		return
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	respondJSON(w, http.StatusCreated, map[string]string{"reservationId": id})
}

type commitRequest struct {
	DiscountApplied decimal.Decimal `json:"discountApplied"`
}

// CommitRedemption finalizes a reservation when the order completes.
func (h *Handler) CommitRedemption(w http.ResponseWriter, r *http.Request) {
	var req commitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "reservationID")
	if err := h.ledger.Commit(r.Context(), id, req.DiscountApplied); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "committed"})
}

// ReleaseRedemption frees a reserved slot on cancellation or abandonment.
func (h *Handler) ReleaseRedemption(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "reservationID")
	if err := h.ledger.Release(r.Context(), id); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "released"})
}

func reserveResult(err error) string {
	switch {
	case errors.Is(err, redemption.ErrUsageLimitExceeded):
		return "usage_limit"
	case errors.Is(err, redemption.ErrCustomerLimitExceeded):
		return "customer_limit"
	case errors.Is(err, redemption.ErrNotFound):
		return "not_found"
	default:
		return "unavailable"
	}
}
