package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/metrics"
)

// couponPayload is the administrative write model. Pointer fields let the
// update path distinguish omitted fields from zero values; create treats
// omitted fields as their documented defaults.
type couponPayload struct {
	Code        *string `json:"code"`
	Name        *string `json:"name"`
	Description *string `json:"description"`

	DiscountType   *string          `json:"discountType"`
	DiscountValue  *decimal.Decimal `json:"discountValue"`
	MaxDiscountCap *decimal.Decimal `json:"maxDiscountCap"`
	MinOrderValue  *decimal.Decimal `json:"minOrderValue"`

	TotalUsageLimit       *int `json:"totalUsageLimit"`
	PerCustomerUsageLimit *int `json:"perCustomerUsageLimit"`

	ValidFrom  *string `json:"validFrom"`
	ValidUntil *string `json:"validUntil"`

	Active            *bool `json:"active"`
	FirstPurchaseOnly *bool `json:"firstPurchaseOnly"`

	AllowedCategories *[]int64 `json:"allowedCategories"`
	AllowedProducts   *[]int64 `json:"allowedProducts"`
	AllowedCustomers  *[]int64 `json:"allowedCustomers"`
}

// CreateCoupon stores a new coupon definition.
func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req couponPayload
	if !decodeJSON(w, r, &req) {
		return
	}

	c := coupon.Coupon{
		Active:                true,
		PerCustomerUsageLimit: 1,
	}
	if req.Code != nil {
		c.Code = *req.Code
	}
	if req.Name != nil {
		c.Name = *req.Name
	}
	if req.Description != nil {
		c.Description = *req.Description
	}
	if req.DiscountType != nil {
		c.DiscountType = coupon.DiscountType(*req.DiscountType)
	}
	if req.DiscountValue != nil {
		c.DiscountValue = *req.DiscountValue
	}
	if req.MaxDiscountCap != nil {
		c.MaxDiscountCap = *req.MaxDiscountCap
	}
	if req.MinOrderValue != nil {
		c.MinOrderValue = *req.MinOrderValue
	}
	if req.TotalUsageLimit != nil {
		c.TotalUsageLimit = *req.TotalUsageLimit
	}
	if req.PerCustomerUsageLimit != nil {
		c.PerCustomerUsageLimit = *req.PerCustomerUsageLimit
	}
	if req.Active != nil {
		c.Active = *req.Active
	}
	if req.FirstPurchaseOnly != nil {
		c.FirstPurchaseOnly = *req.FirstPurchaseOnly
	}
	if req.AllowedCategories != nil {
		c.AllowedCategories = *req.AllowedCategories
	}
	if req.AllowedProducts != nil {
		c.AllowedProducts = *req.AllowedProducts
	}
	if req.AllowedCustomers != nil {
		c.AllowedCustomers = *req.AllowedCustomers
	}

	var ok bool
	if c.ValidFrom, ok = parseOptionalTime(w, req.ValidFrom, "validFrom"); !ok {
		return
	}
	if c.ValidUntil, ok = parseOptionalTime(w, req.ValidUntil, "validUntil"); !ok {
		return
	}

	id, err := h.admin.Create(r.Context(), c)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]int64{"couponId": id})
}

// UpdateCoupon applies a partial mutation to an existing coupon.
func (h *Handler) UpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}

	var req couponPayload
	if !decodeJSON(w, r, &req) {
		return
	}

	upd := coupon.Update{
		Code:                  req.Code,
		Name:                  req.Name,
		Description:           req.Description,
		DiscountValue:         req.DiscountValue,
		MaxDiscountCap:        req.MaxDiscountCap,
		MinOrderValue:         req.MinOrderValue,
		TotalUsageLimit:       req.TotalUsageLimit,
		PerCustomerUsageLimit: req.PerCustomerUsageLimit,
		Active:                req.Active,
		FirstPurchaseOnly:     req.FirstPurchaseOnly,
	}
	if req.DiscountType != nil {
		dt := coupon.DiscountType(*req.DiscountType)
		upd.DiscountType = &dt
	}
	if req.AllowedCategories != nil {
		s := coupon.IDSet(*req.AllowedCategories)
		upd.AllowedCategories = &s
	}
	if req.AllowedProducts != nil {
		s := coupon.IDSet(*req.AllowedProducts)
		upd.AllowedProducts = &s
	}
	if req.AllowedCustomers != nil {
		s := coupon.IDSet(*req.AllowedCustomers)
		upd.AllowedCustomers = &s
	}
	if req.ValidFrom != nil {
		t, ok := parseOptionalTime(w, req.ValidFrom, "validFrom")
		if !ok {
			return
		}
		upd.ValidFrom = &t
	}
	if req.ValidUntil != nil {
		t, ok := parseOptionalTime(w, req.ValidUntil, "validUntil")
		if !ok {
			return
		}
		upd.ValidUntil = &t
	}

	if err := h.admin.Update(r.Context(), id, upd); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// GetCoupon fetches one coupon by id.
func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	c, err := h.admin.Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summarize(c))
}

// DeleteCoupon removes a coupon with no live redemptions.
func (h *Handler) DeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := couponID(w, r)
	if !ok {
		return
	}
	if err := h.admin.Delete(r.Context(), id); err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListCoupons returns coupons matching the query filters.
func (h *Handler) ListCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := coupon.ListFilter{
		DiscountType: coupon.DiscountType(q.Get("type")),
		Search:       q.Get("search"),
		ValidOnly:    q.Get("validOnly") == "true",
	}
	if v := q.Get("active"); v != "" {
		active := v == "true"
		filter.Active = &active
	}
	filter.Limit, _ = strconv.Atoi(q.Get("limit"))
	filter.Offset, _ = strconv.Atoi(q.Get("offset"))

	coupons, err := h.admin.List(r.Context(), filter)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}

	summaries := make([]couponSummary, len(coupons))
	for i := range coupons {
		summaries[i] = summarize(&coupons[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"coupons": summaries})
}

type generateCodeRequest struct {
	Prefix string `json:"prefix"`
	Length int    `json:"length"`
}

// GenerateCode produces a fresh unique redemption code.
func (h *Handler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var req generateCodeRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	code, err := h.admin.GenerateCode(r.Context(), req.Prefix, req.Length)
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"code": code})
}

// CouponStats serves the usage report for a named period.
func (h *Handler) CouponStats(w http.ResponseWriter, r *http.Request) {
	report, err := h.admin.Stats(r.Context(), r.URL.Query().Get("period"))
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, statsResponse(report))
}

// SweepReservations reclaims expired reservations. Exposed for external
// schedulers; also available as the reservation-sweeper command.
func (h *Handler) SweepReservations(w http.ResponseWriter, r *http.Request) {
	n, err := h.ledger.ReleaseExpired(r.Context())
	if err != nil {
		respondDomainError(w, r, err)
		return
	}
	metrics.SweptReservationsTotal.Add(float64(n))
	respondJSON(w, http.StatusOK, map[string]int64{"released": n})
}

func couponID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "couponID"), 10, 64)
	if err != nil || id <= 0 {
		respondError(w, http.StatusBadRequest, "invalid coupon id")
		return 0, false
	}
	return id, true
}

func parseOptionalTime(w http.ResponseWriter, raw *string, field string) (*time.Time, bool) {
	if raw == nil || *raw == "" {
		return nil, true
	}
	t, err := time.Parse(timeFormat, *raw)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, errorResponse{
			Error: "invalid timestamp, want RFC 3339",
			Field: field,
		})
		return nil, false
	}
	return &t, true
}

func statsResponse(report *coupon.StatsReport) map[string]any {
	top := make([]map[string]any, len(report.TopCoupons))
	for i, u := range report.TopCoupons {
		top[i] = map[string]any{
			"code":          u.Code,
			"name":          u.Name,
			"discountType":  string(u.DiscountType),
			"redemptions":   u.Redemptions,
			"totalDiscount": u.TotalDiscount.InexactFloat64(),
		}
	}
	byType := make([]map[string]any, len(report.ByType))
	for i, u := range report.ByType {
		byType[i] = map[string]any{
			"discountType":  string(u.DiscountType),
			"coupons":       u.Coupons,
			"redemptions":   u.Redemptions,
			"totalDiscount": u.TotalDiscount.InexactFloat64(),
		}
	}
	return map[string]any{
		"from":             report.From.Format(timeFormat),
		"to":               report.To.Format(timeFormat),
		"activeCoupons":    report.ActiveCoupons,
		"totalRedemptions": report.TotalRedemptions,
		"totalDiscount":    report.TotalDiscount.InexactFloat64(),
		"averageDiscount":  report.AverageDiscount.InexactFloat64(),
		"topCoupons":       top,
		"byType":           byType,
	}
}
