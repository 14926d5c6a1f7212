// Package redemption tracks coupon usage through the reserve / commit /
// release lifecycle. The ledger is the only place that mutates usage
// counters; every mutation goes through a Store whose Reserve is atomic
// with respect to concurrent callers.
package redemption

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a ledger entry.
type Status string

const (
	// StatusReserved holds a usage slot before the order is final. Reserved
	// entries count toward limits until committed or released.
	StatusReserved Status = "reserved"
	// StatusCommitted is a finalized redemption.
	StatusCommitted Status = "committed"
	// StatusReleased frees the slot; released entries never count.
	StatusReleased Status = "released"
)

var (
	// ErrUsageLimitExceeded is returned when a reservation would exceed the
	// coupon's total usage limit.
	ErrUsageLimitExceeded = errors.New("coupon usage limit exceeded")
	// ErrCustomerLimitExceeded is returned when a reservation would exceed
	// the per-customer usage limit.
	ErrCustomerLimitExceeded = errors.New("customer usage limit exceeded")
	// ErrNotFound is returned for operations on a reservation that does not
	// exist.
	ErrNotFound = errors.New("reservation not found")
	// ErrAlreadyReleased is returned when committing or releasing a
	// reservation that was already released.
	ErrAlreadyReleased = errors.New("reservation already released")
	// ErrAlreadyCommitted is returned when releasing a committed redemption.
	ErrAlreadyCommitted = errors.New("redemption already committed")
	// ErrConflict marks a transient storage conflict (serialization failure,
	// lock timeout). The ledger retries these before giving up.
	ErrConflict = errors.New("transient reservation conflict")
	// ErrUnavailable is surfaced to callers after retries are exhausted or
	// on any other infrastructure failure.
	ErrUnavailable = errors.New("redemption engine unavailable")
)

// Redemption is one ledger entry: a single application of a coupon to a
// single order.
type Redemption struct {
	ID              string
	CouponID        int64
	OrderID         string
	CustomerID      *int64
	DiscountApplied decimal.Decimal
	Status          Status
	ReservedAt      time.Time
	RedeemedAt      *time.Time
	ReleasedAt      *time.Time
}

// Store is the persistence contract for the ledger.
//
// Reserve must check both usage limits and insert the reserved row as one
// atomic operation. A plain count-then-insert sequence is not an acceptable
// implementation: two racing callers would both pass the count and
// over-allocate the last slot. Reserve is also idempotent per
// (couponID, orderID): if a non-released entry already exists for the pair
// it returns that entry's id instead of inserting.
type Store interface {
	Reserve(ctx context.Context, couponID int64, orderID string, customerID *int64) (string, error)
	Commit(ctx context.Context, reservationID string, discountApplied decimal.Decimal) error
	Release(ctx context.Context, reservationID string) error
	ReleaseExpired(ctx context.Context, olderThan time.Time) (int64, error)
	Find(ctx context.Context, reservationID string) (*Redemption, error)
}
