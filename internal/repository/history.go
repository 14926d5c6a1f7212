package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
)

var _ coupon.CustomerHistory = (*CustomerHistory)(nil)

// CustomerHistory answers first-purchase checks from the order projection
// the checkout workflow maintains. Cancelled and returned orders do not
// count as prior purchases.
type CustomerHistory struct {
	pool *pgxpool.Pool
}

// NewCustomerHistory returns a CustomerHistory that uses the given pool.
func NewCustomerHistory(pool *pgxpool.Pool) *CustomerHistory {
	return &CustomerHistory{pool: pool}
}

const hasPriorOrdersSQL = `SELECT EXISTS (
	SELECT 1 FROM orders
	WHERE customer_id = $1 AND status NOT IN ('cancelled', 'returned')
)`

// HasPriorOrders reports whether the customer has any non-cancelled order.
func (h *CustomerHistory) HasPriorOrders(ctx context.Context, customerID int64) (bool, error) {
	var prior bool
	if err := h.pool.QueryRow(ctx, hasPriorOrdersSQL, customerID).Scan(&prior); err != nil {
		return false, fmt.Errorf("checking purchase history for customer %d: %w", customerID, err)
	}
	return prior, nil
}
