package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
)

// couponColumns is the shared projection for coupon reads. Redemption
// counters are derived from the ledger, never stored on the coupon row.
const couponColumns = `c.id, c.code, c.name, c.description, c.discount_type, c.discount_value,
	c.max_discount_cap, c.min_order_value, c.total_usage_limit, c.per_customer_usage_limit,
	c.valid_from, c.valid_until, c.active, c.first_purchase_only,
	c.allowed_categories, c.allowed_products, c.allowed_customers,
	c.created_at, c.updated_at,
	COALESCE(u.redemptions, 0), COALESCE(u.total_discount, 0)`

const couponFromClause = `FROM coupons c
	LEFT JOIN (
		SELECT coupon_id, count(*) AS redemptions, sum(discount_applied) AS total_discount
		FROM coupon_redemptions
		WHERE status = 'committed'
		GROUP BY coupon_id
	) u ON u.coupon_id = c.id`

var _ coupon.Repository = (*CouponRepository)(nil)

// CouponRepository implements coupon.Repository backed by PostgreSQL.
type CouponRepository struct {
	pool *pgxpool.Pool
}

// NewCouponRepository returns a CouponRepository that uses the given pool.
func NewCouponRepository(pool *pgxpool.Pool) *CouponRepository {
	return &CouponRepository{pool: pool}
}

// FindByCode looks up a coupon by code, case-insensitively.
// Returns coupon.ErrNotFound when no such coupon exists.
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE lower(c.code) = lower($1)", couponColumns, couponFromClause)
	return r.findOne(ctx, query, code)
}

// FindByID looks up a coupon by its id.
// Returns coupon.ErrNotFound when no such coupon exists.
func (r *CouponRepository) FindByID(ctx context.Context, id int64) (*coupon.Coupon, error) {
	query := fmt.Sprintf("SELECT %s %s WHERE c.id = $1", couponColumns, couponFromClause)
	return r.findOne(ctx, query, id)
}

func (r *CouponRepository) findOne(ctx context.Context, query string, arg any) (*coupon.Coupon, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("finding coupon: %w", err)
	}

	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, fmt.Errorf("finding coupon: %w", err)
	}
	return &c, nil
}

const insertCouponSQL = `INSERT INTO coupons (
	code, name, description, discount_type, discount_value, max_discount_cap,
	min_order_value, total_usage_limit, per_customer_usage_limit,
	valid_from, valid_until, active, first_purchase_only,
	allowed_categories, allowed_products, allowed_customers
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING id`

// Create inserts a new coupon and returns its id. A case-insensitive code
// collision maps to coupon.ErrDuplicateCode.
func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) (int64, error) {
	var id int64
	err := r.pool.QueryRow(ctx, insertCouponSQL,
		c.Code, c.Name, c.Description, string(c.DiscountType), c.DiscountValue, c.MaxDiscountCap,
		c.MinOrderValue, c.TotalUsageLimit, c.PerCustomerUsageLimit,
		c.ValidFrom, c.ValidUntil, c.Active, c.FirstPurchaseOnly,
		idSlice(c.AllowedCategories), idSlice(c.AllowedProducts), idSlice(c.AllowedCustomers),
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, coupon.ErrDuplicateCode
		}
		return 0, fmt.Errorf("creating coupon %q: %w", c.Code, err)
	}
	return id, nil
}

// Update applies the non-nil fields of upd to the coupon row.
func (r *CouponRepository) Update(ctx context.Context, id int64, upd coupon.Update) error {
	set, args := buildCouponUpdate(upd)
	if len(set) == 0 {
		return nil
	}

	set = append(set, "updated_at = now()")
	args = append(args, id)
	query := fmt.Sprintf("UPDATE coupons SET %s WHERE id = $%d", strings.Join(set, ", "), len(args))

	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return coupon.ErrDuplicateCode
		}
		return fmt.Errorf("updating coupon %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

const deleteCouponSQL = `DELETE FROM coupons
WHERE id = $1
  AND NOT EXISTS (
	SELECT 1 FROM coupon_redemptions r
	WHERE r.coupon_id = $1 AND r.status <> 'released'
  )`

// Delete removes a coupon unless it has reserved or committed redemptions,
// in which case it returns coupon.ErrCouponInUse.
func (r *CouponRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, deleteCouponSQL, id)
	if err != nil {
		return fmt.Errorf("deleting coupon %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Nothing deleted: the coupon is either missing or protected.
	var exists bool
	if err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)", id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("deleting coupon %d: %w", id, err)
	}
	if exists {
		return coupon.ErrCouponInUse
	}
	return coupon.ErrNotFound
}

// List returns coupons matching the filter, newest first.
func (r *CouponRepository) List(ctx context.Context, filter coupon.ListFilter) ([]coupon.Coupon, error) {
	where := []string{"TRUE"}
	var args []any

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Active != nil {
		where = append(where, "c.active = "+arg(*filter.Active))
	}
	if filter.DiscountType != "" {
		where = append(where, "c.discount_type = "+arg(string(filter.DiscountType)))
	}
	if filter.ValidOnly {
		where = append(where,
			"(c.valid_from IS NULL OR c.valid_from <= now())",
			"(c.valid_until IS NULL OR c.valid_until >= now())",
		)
	}
	if filter.Search != "" {
		p := arg("%" + filter.Search + "%")
		where = append(where, fmt.Sprintf("(c.code ILIKE %s OR c.name ILIKE %s OR c.description ILIKE %s)", p, p, p))
	}

	query := fmt.Sprintf("SELECT %s %s WHERE %s ORDER BY c.created_at DESC LIMIT %s OFFSET %s",
		couponColumns, couponFromClause, strings.Join(where, " AND "),
		arg(filter.Limit), arg(filter.Offset),
	)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}

	coupons, err := pgx.CollectRows(rows, scanCoupon)
	if err != nil {
		return nil, fmt.Errorf("listing coupons: %w", err)
	}
	return coupons, nil
}

const countCommittedSQL = `SELECT count(*) FROM coupon_redemptions
WHERE coupon_id = $1 AND status = 'committed'`

const countCommittedForCustomerSQL = `SELECT count(*) FROM coupon_redemptions
WHERE coupon_id = $1 AND customer_id = $2 AND status = 'committed'`

// CountCommitted returns the committed redemption count for a coupon.
func (r *CouponRepository) CountCommitted(ctx context.Context, couponID int64) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countCommittedSQL, couponID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting redemptions for coupon %d: %w", couponID, err)
	}
	return n, nil
}

// CountCommittedForCustomer returns the committed redemption count for a
// (coupon, customer) pair.
func (r *CouponRepository) CountCommittedForCustomer(ctx context.Context, couponID, customerID int64) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, countCommittedForCustomerSQL, couponID, customerID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting customer redemptions for coupon %d: %w", couponID, err)
	}
	return n, nil
}

const statsTotalsSQL = `SELECT
	(SELECT count(*) FROM coupons WHERE active),
	count(r.id),
	COALESCE(sum(r.discount_applied), 0),
	COALESCE(avg(r.discount_applied), 0)
FROM coupon_redemptions r
WHERE r.status = 'committed' AND r.redeemed_at BETWEEN $1 AND $2`

const statsTopCouponsSQL = `SELECT c.code, c.name, c.discount_type,
	count(r.id), COALESCE(sum(r.discount_applied), 0)
FROM coupons c
JOIN coupon_redemptions r ON r.coupon_id = c.id
WHERE r.status = 'committed' AND r.redeemed_at BETWEEN $1 AND $2
GROUP BY c.id, c.code, c.name, c.discount_type
ORDER BY count(r.id) DESC
LIMIT 10`

const statsByTypeSQL = `SELECT c.discount_type,
	count(DISTINCT c.id), count(r.id), COALESCE(sum(r.discount_applied), 0)
FROM coupons c
LEFT JOIN coupon_redemptions r ON r.coupon_id = c.id
	AND r.status = 'committed' AND r.redeemed_at BETWEEN $1 AND $2
WHERE c.active
GROUP BY c.discount_type
ORDER BY count(r.id) DESC`

// Stats aggregates committed redemptions between from and to.
func (r *CouponRepository) Stats(ctx context.Context, from, to time.Time) (*coupon.StatsReport, error) {
	report := &coupon.StatsReport{From: from, To: to}

	err := r.pool.QueryRow(ctx, statsTotalsSQL, from, to).Scan(
		&report.ActiveCoupons, &report.TotalRedemptions,
		&report.TotalDiscount, &report.AverageDiscount,
	)
	if err != nil {
		return nil, fmt.Errorf("coupon stats totals: %w", err)
	}

	rows, err := r.pool.Query(ctx, statsTopCouponsSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("coupon stats top coupons: %w", err)
	}
	report.TopCoupons, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.CouponUsage, error) {
		var (
			u  coupon.CouponUsage
			dt string
		)
		err := row.Scan(&u.Code, &u.Name, &dt, &u.Redemptions, &u.TotalDiscount)
		u.DiscountType = coupon.DiscountType(dt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("coupon stats top coupons: %w", err)
	}

	rows, err = r.pool.Query(ctx, statsByTypeSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("coupon stats by type: %w", err)
	}
	report.ByType, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.TypeUsage, error) {
		var (
			u  coupon.TypeUsage
			dt string
		)
		err := row.Scan(&dt, &u.Coupons, &u.Redemptions, &u.TotalDiscount)
		u.DiscountType = coupon.DiscountType(dt)
		return u, err
	})
	if err != nil {
		return nil, fmt.Errorf("coupon stats by type: %w", err)
	}

	return report, nil
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c                               coupon.Coupon
		discountType                    string
		totalDiscount                   decimal.Decimal
		categories, products, customers []int64
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Name, &c.Description, &discountType, &c.DiscountValue,
		&c.MaxDiscountCap, &c.MinOrderValue, &c.TotalUsageLimit, &c.PerCustomerUsageLimit,
		&c.ValidFrom, &c.ValidUntil, &c.Active, &c.FirstPurchaseOnly,
		&categories, &products, &customers,
		&c.CreatedAt, &c.UpdatedAt,
		&c.TotalRedemptions, &totalDiscount,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.AllowedCategories = coupon.IDSet(categories)
	c.AllowedProducts = coupon.IDSet(products)
	c.AllowedCustomers = coupon.IDSet(customers)
	c.TotalDiscountGiven = totalDiscount
	return c, err
}

// idSlice converts an IDSet to the []int64 pgx maps onto BIGINT[], keeping
// NULL-free empty arrays for absent restrictions.
func idSlice(s coupon.IDSet) []int64 {
	if s == nil {
		return []int64{}
	}
	return []int64(s)
}

// buildCouponUpdate renders the non-nil fields of upd into SET clauses and
// positional args.
func buildCouponUpdate(upd coupon.Update) (set []string, args []any) {
	add := func(column string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if upd.Code != nil {
		add("code", *upd.Code)
	}
	if upd.Name != nil {
		add("name", *upd.Name)
	}
	if upd.Description != nil {
		add("description", *upd.Description)
	}
	if upd.DiscountType != nil {
		add("discount_type", string(*upd.DiscountType))
	}
	if upd.DiscountValue != nil {
		add("discount_value", *upd.DiscountValue)
	}
	if upd.MaxDiscountCap != nil {
		add("max_discount_cap", *upd.MaxDiscountCap)
	}
	if upd.MinOrderValue != nil {
		add("min_order_value", *upd.MinOrderValue)
	}
	if upd.TotalUsageLimit != nil {
		add("total_usage_limit", *upd.TotalUsageLimit)
	}
	if upd.PerCustomerUsageLimit != nil {
		add("per_customer_usage_limit", *upd.PerCustomerUsageLimit)
	}
	if upd.ValidFrom != nil {
		add("valid_from", *upd.ValidFrom)
	}
	if upd.ValidUntil != nil {
		add("valid_until", *upd.ValidUntil)
	}
	if upd.Active != nil {
		add("active", *upd.Active)
	}
	if upd.FirstPurchaseOnly != nil {
		add("first_purchase_only", *upd.FirstPurchaseOnly)
	}
	if upd.AllowedCategories != nil {
		add("allowed_categories", idSlice(*upd.AllowedCategories))
	}
	if upd.AllowedProducts != nil {
		add("allowed_products", idSlice(*upd.AllowedProducts))
	}
	if upd.AllowedCustomers != nil {
		add("allowed_customers", idSlice(*upd.AllowedCustomers))
	}
	return set, args
}
