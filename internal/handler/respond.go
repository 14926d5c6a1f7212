package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/domain/redemption"
)

const timeFormat = time.RFC3339

// maxBodyBytes bounds request bodies; the largest legitimate payload is a
// coupon definition with allow-lists, well under a megabyte.
const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// respondDomainError maps domain failures to HTTP statuses. Unknown errors
// are logged and reported as a generic 503 so infrastructure details never
// reach clients.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var cfgErr *coupon.ConfigError
	switch {
	case errors.As(err, &cfgErr):
		respondJSON(w, http.StatusUnprocessableEntity, errorResponse{
			Error: cfgErr.Message,
			Field: cfgErr.Field,
		})
	case errors.Is(err, coupon.ErrNotFound), errors.Is(err, redemption.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, coupon.ErrDuplicateCode):
		respondJSON(w, http.StatusConflict, errorResponse{
			Error: coupon.ErrDuplicateCode.Error(),
			Field: "code",
		})
	case errors.Is(err, coupon.ErrCouponInUse),
		errors.Is(err, redemption.ErrAlreadyReleased),
		errors.Is(err, redemption.ErrAlreadyCommitted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, redemption.ErrUsageLimitExceeded),
		errors.Is(err, redemption.ErrCustomerLimitExceeded):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, coupon.ErrCodeGenerationExhausted):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, redemption.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, redemption.ErrUnavailable.Error())
	default:
		zctx.From(r.Context()).Error("request failed", zap.Error(err))
		respondError(w, http.StatusServiceUnavailable, "service temporarily unavailable")
	}
}
