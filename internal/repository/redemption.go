package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/storeops/coupon-engine/internal/domain/redemption"
)

var _ redemption.Store = (*RedemptionStore)(nil)

// RedemptionStore implements redemption.Store backed by PostgreSQL.
//
// Reserve takes a row lock on the coupon (SELECT ... FOR UPDATE) so the
// limit re-check and the insert happen under one serialized critical
// section per coupon. Concurrent reservations of the same coupon queue on
// that lock; reservations of different coupons do not contend.
type RedemptionStore struct {
	pool *pgxpool.Pool
}

// NewRedemptionStore returns a RedemptionStore that uses the given pool.
func NewRedemptionStore(pool *pgxpool.Pool) *RedemptionStore {
	return &RedemptionStore{pool: pool}
}

const lockCouponLimitsSQL = `SELECT total_usage_limit, per_customer_usage_limit
FROM coupons WHERE id = $1 FOR UPDATE`

const findLiveReservationSQL = `SELECT id FROM coupon_redemptions
WHERE coupon_id = $1 AND order_id = $2 AND status <> 'released'`

const countLiveSQL = `SELECT count(*) FROM coupon_redemptions
WHERE coupon_id = $1 AND status <> 'released'`

const countLiveForCustomerSQL = `SELECT count(*) FROM coupon_redemptions
WHERE coupon_id = $1 AND customer_id = $2 AND status <> 'released'`

const insertReservationSQL = `INSERT INTO coupon_redemptions
	(id, coupon_id, order_id, customer_id, status, reserved_at)
VALUES ($1, $2, $3, $4, 'reserved', now())`

// Reserve inserts a reserved ledger entry after re-checking both usage
// limits inside the same transaction, holding the coupon row lock. Reserved
// and committed entries both count against the limits; released ones do not.
func (s *RedemptionStore) Reserve(ctx context.Context, couponID int64, orderID string, customerID *int64) (string, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", classify(fmt.Errorf("begin reserve tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	var totalLimit, perCustomerLimit int
	err = tx.QueryRow(ctx, lockCouponLimitsSQL, couponID).Scan(&totalLimit, &perCustomerLimit)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", redemption.ErrNotFound
		}
		return "", classify(fmt.Errorf("lock coupon %d: %w", couponID, err))
	}

	// Same (coupon, order) pair: hand back the existing reservation.
	var existing string
	err = tx.QueryRow(ctx, findLiveReservationSQL, couponID, orderID).Scan(&existing)
	switch {
	case err == nil:
		return existing, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return "", classify(fmt.Errorf("find existing reservation: %w", err))
	}

	if totalLimit > 0 {
		var used int
		if err := tx.QueryRow(ctx, countLiveSQL, couponID).Scan(&used); err != nil {
			return "", classify(fmt.Errorf("count live redemptions: %w", err))
		}
		if used >= totalLimit {
			return "", redemption.ErrUsageLimitExceeded
		}
	}

	if customerID != nil && perCustomerLimit > 0 {
		var used int
		if err := tx.QueryRow(ctx, countLiveForCustomerSQL, couponID, *customerID).Scan(&used); err != nil {
			return "", classify(fmt.Errorf("count live customer redemptions: %w", err))
		}
		if used >= perCustomerLimit {
			return "", redemption.ErrCustomerLimitExceeded
		}
	}

	id := uuid.New().String()
	if _, err := tx.Exec(ctx, insertReservationSQL, id, couponID, orderID, customerID); err != nil {
		// The partial unique index can still fire if a released row was
		// resurrected between our check and the insert under a weaker
		// isolation level; treat it as a retryable conflict.
		if isUniqueViolation(err) {
			return "", redemption.ErrConflict
		}
		return "", classify(fmt.Errorf("insert reservation: %w", err))
	}

	if err := tx.Commit(ctx); err != nil {
		return "", classify(fmt.Errorf("commit reserve tx: %w", err))
	}
	return id, nil
}

const commitReservationSQL = `UPDATE coupon_redemptions
SET status = 'committed', discount_applied = $2, redeemed_at = now()
WHERE id = $1 AND status = 'reserved'`

// Commit finalizes a reservation. Re-committing a committed entry is a
// no-op success; committing a released or unknown entry fails.
func (s *RedemptionStore) Commit(ctx context.Context, reservationID string, discountApplied decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx, commitReservationSQL, reservationID, discountApplied)
	if err != nil {
		return classify(fmt.Errorf("commit reservation %s: %w", reservationID, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	switch status, err := s.status(ctx, reservationID); {
	case err != nil:
		return err
	case status == redemption.StatusCommitted:
		return nil // idempotent
	case status == redemption.StatusReleased:
		return redemption.ErrAlreadyReleased
	default:
		return redemption.ErrNotFound
	}
}

const releaseReservationSQL = `UPDATE coupon_redemptions
SET status = 'released', released_at = now()
WHERE id = $1 AND status = 'reserved'`

// Release frees a reserved slot. Released and unknown entries fail with
// their respective sentinels; committed entries cannot be released.
func (s *RedemptionStore) Release(ctx context.Context, reservationID string) error {
	tag, err := s.pool.Exec(ctx, releaseReservationSQL, reservationID)
	if err != nil {
		return classify(fmt.Errorf("release reservation %s: %w", reservationID, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	switch status, err := s.status(ctx, reservationID); {
	case err != nil:
		return err
	case status == redemption.StatusCommitted:
		return redemption.ErrAlreadyCommitted
	case status == redemption.StatusReleased:
		return redemption.ErrAlreadyReleased
	default:
		return redemption.ErrNotFound
	}
}

const releaseExpiredSQL = `UPDATE coupon_redemptions
SET status = 'released', released_at = now()
WHERE status = 'reserved' AND reserved_at < $1`

// ReleaseExpired reclaims reservations reserved before the cutoff and
// returns how many rows changed.
func (s *RedemptionStore) ReleaseExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, releaseExpiredSQL, olderThan)
	if err != nil {
		return 0, classify(fmt.Errorf("release expired reservations: %w", err))
	}
	return tag.RowsAffected(), nil
}

const findRedemptionSQL = `SELECT id, coupon_id, order_id, customer_id,
	COALESCE(discount_applied, 0), status, reserved_at, redeemed_at, released_at
FROM coupon_redemptions WHERE id = $1`

// Find returns one ledger entry by id, or redemption.ErrNotFound.
func (s *RedemptionStore) Find(ctx context.Context, reservationID string) (*redemption.Redemption, error) {
	rows, err := s.pool.Query(ctx, findRedemptionSQL, reservationID)
	if err != nil {
		return nil, classify(fmt.Errorf("find redemption %s: %w", reservationID, err))
	}

	entry, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (redemption.Redemption, error) {
		var (
			e      redemption.Redemption
			status string
		)
		err := row.Scan(&e.ID, &e.CouponID, &e.OrderID, &e.CustomerID,
			&e.DiscountApplied, &status, &e.ReservedAt, &e.RedeemedAt, &e.ReleasedAt)
		e.Status = redemption.Status(status)
		return e, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, redemption.ErrNotFound
		}
		return nil, classify(err)
	}
	return &entry, nil
}

func (s *RedemptionStore) status(ctx context.Context, reservationID string) (redemption.Status, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		"SELECT status FROM coupon_redemptions WHERE id = $1", reservationID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", classify(fmt.Errorf("redemption status %s: %w", reservationID, err))
	}
	return redemption.Status(status), nil
}

// classify maps transient postgres failures to redemption.ErrConflict so the
// ledger can retry them.
func classify(err error) error {
	if isTransient(err) {
		return errors.Wrap(redemption.ErrConflict, err.Error())
	}
	return err
}
