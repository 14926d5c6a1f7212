package redemption

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// memStore is an in-memory Store with the same atomicity contract as the
// PostgreSQL implementation: limit checks and the insert happen under one
// lock.
type memStore struct {
	mu sync.Mutex

	totalLimit    map[int64]int
	customerLimit map[int64]int
	entries       map[string]*Redemption

	now time.Time
}

func newMemStore() *memStore {
	return &memStore{
		totalLimit:    make(map[int64]int),
		customerLimit: make(map[int64]int),
		entries:       make(map[string]*Redemption),
		now:           time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
}

func (s *memStore) addCoupon(id int64, total, perCustomer int) {
	s.totalLimit[id] = total
	s.customerLimit[id] = perCustomer
}

func (s *memStore) Reserve(_ context.Context, couponID int64, orderID string, customerID *int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	total, ok := s.totalLimit[couponID]
	if !ok {
		return "", ErrNotFound
	}

	var live, customerLive int
	for _, e := range s.entries {
		if e.CouponID != couponID || e.Status == StatusReleased {
			continue
		}
		if e.OrderID == orderID {
			return e.ID, nil
		}
		live++
		if customerID != nil && e.CustomerID != nil && *e.CustomerID == *customerID {
			customerLive++
		}
	}

	if total > 0 && live >= total {
		return "", ErrUsageLimitExceeded
	}
	if limit := s.customerLimit[couponID]; customerID != nil && limit > 0 && customerLive >= limit {
		return "", ErrCustomerLimitExceeded
	}

	id := uuid.NewString()
	s.entries[id] = &Redemption{
		ID:         id,
		CouponID:   couponID,
		OrderID:    orderID,
		CustomerID: customerID,
		Status:     StatusReserved,
		ReservedAt: s.now,
	}
	return id, nil
}

func (s *memStore) Commit(_ context.Context, reservationID string, discountApplied decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[reservationID]
	switch {
	case !ok:
		return ErrNotFound
	case e.Status == StatusReleased:
		return ErrAlreadyReleased
	case e.Status == StatusCommitted:
		return nil
	}
	e.Status = StatusCommitted
	e.DiscountApplied = discountApplied
	return nil
}

func (s *memStore) Release(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[reservationID]
	switch {
	case !ok:
		return ErrNotFound
	case e.Status == StatusCommitted:
		return ErrAlreadyCommitted
	case e.Status == StatusReleased:
		return ErrAlreadyReleased
	}
	e.Status = StatusReleased
	return nil
}

func (s *memStore) ReleaseExpired(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.entries {
		if e.Status == StatusReserved && e.ReservedAt.Before(olderThan) {
			e.Status = StatusReleased
			n++
		}
	}
	return n, nil
}

func (s *memStore) Find(_ context.Context, reservationID string) (*Redemption, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[reservationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// flakyStore fails Reserve a configured number of times before delegating.
type flakyStore struct {
	Store
	failures int
	err      error
	calls    int
}

func (s *flakyStore) Reserve(ctx context.Context, couponID int64, orderID string, customerID *int64) (string, error) {
	s.calls++
	if s.calls <= s.failures {
		return "", s.err
	}
	return s.Store.Reserve(ctx, couponID, orderID, customerID)
}

// --- Tests ---

func TestLedger_ReserveCommitRelease(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 10, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, ledger.Commit(ctx, id, decimal.RequireFromString("12.50")))

	got, err := ledger.Find(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
	assert.True(t, decimal.RequireFromString("12.50").Equal(got.DiscountApplied))
}

func TestLedger_ReserveIdempotentPerOrder(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 1, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	first, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)

	// Retrying the same order returns the original slot instead of failing
	// on the exhausted limit.
	second, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLedger_ReserveUnknownCoupon(t *testing.T) {
	ledger := NewLedger(newMemStore(), 0)

	_, err := ledger.Reserve(context.Background(), 99, "order-1", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestLedger_ReserveTotalLimit(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 2, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	_, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	_, err = ledger.Reserve(ctx, 1, "order-2", nil)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, 1, "order-3", nil)
	require.ErrorIs(t, err, ErrUsageLimitExceeded)
}

func TestLedger_ReservePerCustomerLimit(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 1)
	ledger := NewLedger(store, 0)
	ctx := context.Background()
	alice := int64(42)

	_, err := ledger.Reserve(ctx, 1, "order-1", &alice)
	require.NoError(t, err)

	_, err = ledger.Reserve(ctx, 1, "order-2", &alice)
	require.ErrorIs(t, err, ErrCustomerLimitExceeded)

	// A different customer still fits.
	bob := int64(7)
	_, err = ledger.Reserve(ctx, 1, "order-3", &bob)
	require.NoError(t, err)
}

func TestLedger_ReleaseFreesSlot(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 1, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, id))

	_, err = ledger.Reserve(ctx, 1, "order-2", nil)
	require.NoError(t, err)
}

func TestLedger_CommitIsIdempotent(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)

	amount := decimal.NewFromInt(5)
	require.NoError(t, ledger.Commit(ctx, id, amount))
	require.NoError(t, ledger.Commit(ctx, id, amount))
}

func TestLedger_CommitReleasedReservation(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, id))

	err = ledger.Commit(ctx, id, decimal.NewFromInt(5))
	require.ErrorIs(t, err, ErrAlreadyReleased)
}

func TestLedger_ReleaseCommittedRedemption(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	ledger := NewLedger(store, 0)
	ctx := context.Background()

	id, err := ledger.Reserve(ctx, 1, "order-1", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, id, decimal.NewFromInt(5)))

	err = ledger.Release(ctx, id)
	require.ErrorIs(t, err, ErrAlreadyCommitted)
}

func TestLedger_ReserveRetriesConflicts(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	flaky := &flakyStore{Store: store, failures: 2, err: ErrConflict}
	ledger := NewLedger(flaky, 0)

	id, err := ledger.Reserve(context.Background(), 1, "order-1", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, flaky.calls)
}

func TestLedger_ReserveConflictsExhausted(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	flaky := &flakyStore{Store: store, failures: 100, err: ErrConflict}
	ledger := NewLedger(flaky, 0)

	_, err := ledger.Reserve(context.Background(), 1, "order-1", nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, reserveRetries+1, flaky.calls)
}

func TestLedger_ReserveInfrastructureFailure(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	flaky := &flakyStore{Store: store, failures: 100, err: assert.AnError}
	ledger := NewLedger(flaky, 0)

	_, err := ledger.Reserve(context.Background(), 1, "order-1", nil)
	require.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, flaky.calls)
}

func TestLedger_ReleaseExpired(t *testing.T) {
	store := newMemStore()
	store.addCoupon(1, 0, 0)
	ledger := NewLedger(store, 30*time.Minute)
	ctx := context.Background()

	stale, err := ledger.Reserve(ctx, 1, "order-stale", nil)
	require.NoError(t, err)
	committed, err := ledger.Reserve(ctx, 1, "order-committed", nil)
	require.NoError(t, err)
	require.NoError(t, ledger.Commit(ctx, committed, decimal.NewFromInt(5)))

	// Reservations are an hour old by the time the sweep runs.
	ledger.now = func() time.Time { return store.now.Add(time.Hour) }

	n, err := ledger.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := ledger.Find(ctx, stale)
	require.NoError(t, err)
	assert.Equal(t, StatusReleased, got.Status)

	got, err = ledger.Find(ctx, committed)
	require.NoError(t, err)
	assert.Equal(t, StatusCommitted, got.Status)
}

// Concurrent reservations against a nearly-exhausted coupon must allocate
// exactly the remaining slots, never more.
func TestLedger_ConcurrentReserveNeverOverAllocates(t *testing.T) {
	const (
		limit   = 5
		callers = 50
	)

	store := newMemStore()
	store.addCoupon(1, limit, 0)
	ledger := NewLedger(store, 0)

	var (
		mu        sync.Mutex
		succeeded int
		limited   int
	)

	g, ctx := errgroup.WithContext(context.Background())
	for i := range callers {
		g.Go(func() error {
			_, err := ledger.Reserve(ctx, 1, "order-"+strconv.Itoa(i), nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrUsageLimitExceeded):
				limited++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, limit, succeeded)
	assert.Equal(t, callers-limit, limited)
}
