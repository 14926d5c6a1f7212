package handler

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storeops/coupon-engine/internal/domain/auth"
	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/domain/redemption"
)

// --- Mock implementations ---

type mockValidator struct {
	elig      *coupon.Eligibility
	err       error
	lastOrder coupon.OrderContext
}

func (m *mockValidator) Validate(_ context.Context, _ string, ord coupon.OrderContext) (*coupon.Eligibility, error) {
	m.lastOrder = ord
	return m.elig, m.err
}

type mockLedger struct {
	reserveID  string
	reserveErr error
	commitErr  error
	releaseErr error
	swept      int64
	sweepErr   error
}

func (m *mockLedger) Reserve(_ context.Context, _ int64, _ string, _ *int64) (string, error) {
	return m.reserveID, m.reserveErr
}

func (m *mockLedger) Commit(_ context.Context, _ string, _ decimal.Decimal) error {
	return m.commitErr
}

func (m *mockLedger) Release(_ context.Context, _ string) error {
	return m.releaseErr
}

func (m *mockLedger) ReleaseExpired(_ context.Context) (int64, error) {
	return m.swept, m.sweepErr
}

type mockAdmin struct {
	createID  int64
	createErr error
	updateErr error
	deleteErr error
	coupon    *coupon.Coupon
	getErr    error
	list      []coupon.Coupon
	listErr   error
	code      string
	codeErr   error
	stats     *coupon.StatsReport
	statsErr  error
}

func (m *mockAdmin) Create(_ context.Context, _ coupon.Coupon) (int64, error) {
	return m.createID, m.createErr
}
func (m *mockAdmin) Update(_ context.Context, _ int64, _ coupon.Update) error { return m.updateErr }
func (m *mockAdmin) Delete(_ context.Context, _ int64) error                  { return m.deleteErr }
func (m *mockAdmin) Get(_ context.Context, _ int64) (*coupon.Coupon, error) {
	return m.coupon, m.getErr
}
func (m *mockAdmin) List(_ context.Context, _ coupon.ListFilter) ([]coupon.Coupon, error) {
	return m.list, m.listErr
}
func (m *mockAdmin) GenerateCode(_ context.Context, _ string, _ int) (string, error) {
	return m.code, m.codeErr
}
func (m *mockAdmin) Stats(_ context.Context, _ string) (*coupon.StatsReport, error) {
	return m.stats, m.statsErr
}

// --- Helpers ---

func noAuth(next http.Handler) http.Handler { return next }

func serve(t *testing.T, h *Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.Routes(noAuth).ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return body
}

func eligibleCoupon() *coupon.Coupon {
	return &coupon.Coupon{
		ID:            1,
		Code:          "SAVE10",
		DiscountType:  coupon.DiscountPercentage,
		DiscountValue: decimal.NewFromInt(10),
		Active:        true,
	}
}

// --- Tests ---

func TestValidateCoupon_Eligible(t *testing.T) {
	h := New(
		&mockValidator{elig: &coupon.Eligibility{Eligible: true, Coupon: eligibleCoupon()}},
		&mockLedger{},
		&mockAdmin{},
	)

	w := serve(t, h, http.MethodPost, "/coupons/validate", `{"code":"SAVE10","orderValue":100}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["eligible"])
	require.Contains(t, body, "coupon")
	c := body["coupon"].(map[string]any)
	assert.Equal(t, "SAVE10", c["code"])
}

func TestValidateCoupon_Ineligible(t *testing.T) {
	h := New(
		&mockValidator{elig: &coupon.Eligibility{Reason: coupon.ReasonExpired, Coupon: eligibleCoupon()}},
		&mockLedger{},
		&mockAdmin{},
	)

	w := serve(t, h, http.MethodPost, "/coupons/validate", `{"code":"SAVE10","orderValue":100}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, false, body["eligible"])
	assert.Equal(t, "expired", body["reason"])
	assert.NotEmpty(t, body["message"])
	assert.NotContains(t, body, "coupon")
}

func TestValidateCoupon_MissingCode(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/coupons/validate", `{"orderValue":100}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCalculateDiscount(t *testing.T) {
	c := eligibleCoupon()
	c.MaxDiscountCap = decimal.NewFromInt(50)
	h := New(
		&mockValidator{elig: &coupon.Eligibility{Eligible: true, Coupon: c}},
		&mockLedger{},
		&mockAdmin{},
	)

	w := serve(t, h, http.MethodPost, "/coupons/discount", `{"code":"SAVE10","orderValue":1000}`)

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, float64(50), body["amount"])
	assert.Equal(t, float64(950), body["finalOrderValue"])
}

func TestCalculateDiscount_ForwardsOrderContext(t *testing.T) {
	v := &mockValidator{elig: &coupon.Eligibility{Eligible: true, Coupon: eligibleCoupon()}}
	h := New(v, &mockLedger{}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/coupons/discount",
		`{"code":"SAVE10","orderValue":100,"customerId":9,"items":[{"productId":5,"categoryId":2,"price":40,"quantity":1}]}`)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, v.lastOrder.CustomerID)
	assert.Equal(t, int64(9), *v.lastOrder.CustomerID)
	require.Len(t, v.lastOrder.Items, 1)
	assert.Equal(t, int64(5), v.lastOrder.Items[0].ProductID)
	assert.Equal(t, int64(2), v.lastOrder.Items[0].CategoryID)
}

func TestCalculateDiscount_Ineligible(t *testing.T) {
	h := New(
		&mockValidator{elig: &coupon.Eligibility{Reason: coupon.ReasonNotFound}},
		&mockLedger{},
		&mockAdmin{},
	)

	w := serve(t, h, http.MethodPost, "/coupons/discount", `{"code":"BOGUS","orderValue":100}`)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "not_found", body["reason"])
}

func TestDecodeJSON_BodyTooLarge(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{})

	body := `{"code":"` + strings.Repeat("X", 1<<20) + `"}`
	w := serve(t, h, http.MethodPost, "/coupons/validate", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestReserveRedemption(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{reserveID: "res-1"}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/redemptions/reserve", `{"couponId":1,"orderId":"order-1"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "res-1", body["reservationId"])
}

func TestReserveRedemption_ErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"usage limit", redemption.ErrUsageLimitExceeded, http.StatusConflict},
		{"customer limit", redemption.ErrCustomerLimitExceeded, http.StatusConflict},
		{"unknown coupon", redemption.ErrNotFound, http.StatusNotFound},
		{"unavailable", redemption.ErrUnavailable, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&mockValidator{}, &mockLedger{reserveErr: tt.err}, &mockAdmin{})

			w := serve(t, h, http.MethodPost, "/redemptions/reserve", `{"couponId":1,"orderId":"order-1"}`)
			assert.Equal(t, tt.wantCode, w.Code)
		})
	}
}

func TestReserveRedemption_MissingFields(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/redemptions/reserve", `{"couponId":1}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommitRedemption(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/redemptions/res-1/commit", `{"discountApplied":12.5}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "committed", decodeBody(t, w)["status"])
}

func TestCommitRedemption_AlreadyReleased(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{commitErr: redemption.ErrAlreadyReleased}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/redemptions/res-1/commit", `{"discountApplied":5}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestReleaseRedemption_AlreadyCommitted(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{releaseErr: redemption.ErrAlreadyCommitted}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/redemptions/res-1/release", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateCoupon(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{createID: 7})

	w := serve(t, h, http.MethodPost, "/admin/coupons/",
		`{"code":"SAVE10","discountType":"percentage","discountValue":10}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, float64(7), decodeBody(t, w)["couponId"])
}

func TestCreateCoupon_ConfigError(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{
		createErr: &coupon.ConfigError{Field: "discountValue", Message: "percentage must be greater than 0 and at most 100"},
	})

	w := serve(t, h, http.MethodPost, "/admin/coupons/",
		`{"code":"SAVE10","discountType":"percentage","discountValue":200}`)

	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "discountValue", body["field"])
}

func TestCreateCoupon_DuplicateCode(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{createErr: coupon.ErrDuplicateCode})

	w := serve(t, h, http.MethodPost, "/admin/coupons/",
		`{"code":"SAVE10","discountType":"percentage","discountValue":10}`)

	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "code", decodeBody(t, w)["field"])
}

func TestGetCoupon_NotFound(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{getErr: coupon.ErrNotFound})

	w := serve(t, h, http.MethodGet, "/admin/coupons/42", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetCoupon_BadID(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{})

	w := serve(t, h, http.MethodGet, "/admin/coupons/abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteCoupon_InUse(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{deleteErr: coupon.ErrCouponInUse})

	w := serve(t, h, http.MethodDelete, "/admin/coupons/1", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGenerateCode(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{code: "VIPXK4T9"})

	w := serve(t, h, http.MethodPost, "/admin/coupons/generate-code", `{"prefix":"VIP","length":5}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "VIPXK4T9", decodeBody(t, w)["code"])
}

func TestGenerateCode_Exhausted(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{}, &mockAdmin{codeErr: coupon.ErrCodeGenerationExhausted})

	w := serve(t, h, http.MethodPost, "/admin/coupons/generate-code", `{}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestSweepReservations(t *testing.T) {
	h := New(&mockValidator{}, &mockLedger{swept: 3}, &mockAdmin{})

	w := serve(t, h, http.MethodPost, "/admin/redemptions/sweep", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decodeBody(t, w)["released"])
}

// --- API key middleware ---

type mockKeyRepo struct {
	byHash map[string]*auth.APIKeyInfo
}

func (m *mockKeyRepo) FindByHash(_ context.Context, hash string) (*auth.APIKeyInfo, error) {
	info, ok := m.byHash[hash]
	if !ok {
		return nil, auth.ErrUnknownKey
	}
	return info, nil
}

func TestAPIKeyAuth(t *testing.T) {
	pepper := []byte("test-pepper")
	key := "secret-api-key"

	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	hash := hex.EncodeToString(mac.Sum(nil))

	repo := &mockKeyRepo{byHash: map[string]*auth.APIKeyInfo{
		hash: {KeyHash: hash, Name: "back-office"},
	}}
	handler := APIKeyAuth(repo, pepper)(okHandler())

	t.Run("valid key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", key)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("missing key", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong key", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Api-Key", "wrong")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}
