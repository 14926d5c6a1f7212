// Package auth holds the authorization capability consumed by the
// administrative endpoints. The coupon engine performs no authentication of
// its own; it only verifies that a caller presents a known API key.
package auth

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrUnknownKey is returned when no active API key matches a hash.
var ErrUnknownKey = errors.New("unknown api key")

// APIKeyInfo describes a stored back-office API key.
type APIKeyInfo struct {
	KeyHash string
	Name    string
}

// Repository provides API key lookups by HMAC-SHA256 hex hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
