package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// reserveRetries bounds retries of transient storage conflicts before the
// reservation is reported unavailable.
const reserveRetries = 3

// DefaultReservationTimeout is how long a reservation may stay in the
// reserved state before the sweep reclaims it.
const DefaultReservationTimeout = 30 * time.Minute

// Ledger is the concurrency-sensitive redemption service. It delegates
// atomicity to the Store and adds conflict retries, audit logging, and the
// expiry sweep policy.
type Ledger struct {
	store   Store
	timeout time.Duration
	now     func() time.Time
}

// NewLedger creates a Ledger over the given store. A non-positive timeout
// falls back to DefaultReservationTimeout.
func NewLedger(store Store, timeout time.Duration) *Ledger {
	if timeout <= 0 {
		timeout = DefaultReservationTimeout
	}
	return &Ledger{store: store, timeout: timeout, now: time.Now}
}

// Reserve attempts to take one usage slot for the coupon on behalf of the
// order. Limit breaches come back as ErrUsageLimitExceeded or
// ErrCustomerLimitExceeded; transient conflicts are retried, then collapsed
// into ErrUnavailable. Reserving the same (coupon, order) pair again returns
// the original reservation id.
func (l *Ledger) Reserve(ctx context.Context, couponID int64, orderID string, customerID *int64) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= reserveRetries; attempt++ {
		id, err := l.store.Reserve(ctx, couponID, orderID, customerID)
		switch {
		case err == nil:
			return id, nil
		case errors.Is(err, ErrUsageLimitExceeded),
			errors.Is(err, ErrCustomerLimitExceeded),
			errors.Is(err, ErrNotFound):
			return "", err
		case errors.Is(err, ErrConflict):
			lastErr = err
			continue
		default:
			// Infrastructure failure. Coupon code and order id stay out of
			// the log line; the coupon id is an internal identifier.
			zctx.From(ctx).Error("reserve redemption",
				zap.Int64("coupon_id", couponID),
				zap.Error(err),
			)
			return "", ErrUnavailable
		}
	}

	zctx.From(ctx).Warn("reserve retries exhausted",
		zap.Int64("coupon_id", couponID),
		zap.Error(lastErr),
	)
	return "", ErrUnavailable
}

// Commit finalizes a reservation with the discount that was actually
// applied. Committing an already-committed reservation is a no-op success.
func (l *Ledger) Commit(ctx context.Context, reservationID string, discountApplied decimal.Decimal) error {
	err := l.store.Commit(ctx, reservationID, discountApplied)
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyReleased):
		return err
	default:
		zctx.From(ctx).Error("commit redemption", zap.String("reservation_id", reservationID), zap.Error(err))
		return ErrUnavailable
	}
}

// Release frees a reserved slot, for example on checkout abandonment.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	err := l.store.Release(ctx, reservationID)
	switch {
	case err == nil,
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrAlreadyReleased),
		errors.Is(err, ErrAlreadyCommitted):
		return err
	default:
		zctx.From(ctx).Error("release redemption", zap.String("reservation_id", reservationID), zap.Error(err))
		return ErrUnavailable
	}
}

// ReleaseExpired reclaims reservations older than the configured timeout and
// returns how many were released. Maintenance path, invoked by a scheduler,
// never by checkout.
func (l *Ledger) ReleaseExpired(ctx context.Context) (int64, error) {
	cutoff := l.now().Add(-l.timeout)
	n, err := l.store.ReleaseExpired(ctx, cutoff)
	if err != nil {
		zctx.From(ctx).Error("release expired reservations", zap.Error(err))
		return 0, ErrUnavailable
	}
	if n > 0 {
		zctx.From(ctx).Info("released expired reservations",
			zap.Int64("count", n),
			zap.Time("cutoff", cutoff),
		)
	}
	return n, nil
}

// Find returns one ledger entry by reservation id.
func (l *Ledger) Find(ctx context.Context, reservationID string) (*Redemption, error) {
	return l.store.Find(ctx, reservationID)
}
