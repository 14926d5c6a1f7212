package coupon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// ConfigError reports an invalid coupon definition. Field names the offending
// input so administrative clients can render field-level errors.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid coupon configuration: %s: %s", e.Field, e.Message)
}

// Known stats reporting periods, mirroring the back-office report selector.
var statsPeriods = map[string]time.Duration{
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"6m":  182 * 24 * time.Hour,
	"12m": 365 * 24 * time.Hour,
}

// Service implements the administrative coupon operations: create, update,
// delete, list, stats, and code generation.
type Service struct {
	coupons Repository
	gen     *CodeGenerator
	now     func() time.Time
}

// NewService creates the administrative coupon service.
func NewService(coupons Repository, gen *CodeGenerator) *Service {
	return &Service{coupons: coupons, gen: gen, now: time.Now}
}

// Create validates and stores a new coupon, returning its id.
// The code is trimmed and upper-cased before storage.
func (s *Service) Create(ctx context.Context, c Coupon) (int64, error) {
	c.Code = normalizeCode(c.Code)

	if err := validateDefinition(&c); err != nil {
		return 0, err
	}

	id, err := s.coupons.Create(ctx, &c)
	if err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return 0, ErrDuplicateCode
		}
		return 0, errors.Wrap(err, "create coupon")
	}
	return id, nil
}

// Update applies a partial mutation to an existing coupon. Identity and
// historical redemption counts are immutable; the update re-validates the
// resulting definition before persisting.
func (s *Service) Update(ctx context.Context, id int64, upd Update) error {
	current, err := s.coupons.FindByID(ctx, id)
	if err != nil {
		return err
	}

	merged := *current
	applyUpdate(&merged, upd)
	if upd.Code != nil {
		merged.Code = normalizeCode(*upd.Code)
		code := merged.Code
		upd.Code = &code
	}

	if err := validateDefinition(&merged); err != nil {
		return err
	}

	if err := s.coupons.Update(ctx, id, upd); err != nil {
		if errors.Is(err, ErrDuplicateCode) {
			return ErrDuplicateCode
		}
		return errors.Wrap(err, "update coupon")
	}
	return nil
}

// Delete removes a coupon. Coupons with reserved or committed redemptions
// are protected; the repository reports ErrCouponInUse for those.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.coupons.Delete(ctx, id)
}

// Get fetches one coupon by id.
func (s *Service) Get(ctx context.Context, id int64) (*Coupon, error) {
	return s.coupons.FindByID(ctx, id)
}

// List returns coupons matching the filter, newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Coupon, error) {
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	if filter.DiscountType != "" && !filter.DiscountType.Valid() {
		return nil, &ConfigError{Field: "discountType", Message: "unknown discount type"}
	}
	return s.coupons.List(ctx, filter)
}

// GenerateCode produces a fresh unique code with the given prefix and
// suffix length.
func (s *Service) GenerateCode(ctx context.Context, prefix string, length int) (string, error) {
	return s.gen.Generate(ctx, prefix, length)
}

// Stats aggregates coupon usage over a named period (7d, 30d, 90d, 6m, 12m).
// Unknown periods fall back to 30d, matching the original report behaviour.
func (s *Service) Stats(ctx context.Context, period string) (*StatsReport, error) {
	span, ok := statsPeriods[period]
	if !ok {
		span = statsPeriods["30d"]
	}
	to := s.now()
	report, err := s.coupons.Stats(ctx, to.Add(-span), to)
	if err != nil {
		return nil, errors.Wrap(err, "coupon stats")
	}
	return report, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// validateDefinition enforces the coupon configuration rules: code shape,
// discount value ranges per type, non-negative limits, and window ordering.
func validateDefinition(c *Coupon) error {
	if n := len(c.Code); n < MinCodeLength || n > MaxCodeLength {
		return &ConfigError{Field: "code", Message: fmt.Sprintf("length must be between %d and %d characters", MinCodeLength, MaxCodeLength)}
	}

	switch c.DiscountType {
	case DiscountPercentage:
		if !c.DiscountValue.IsPositive() || c.DiscountValue.GreaterThan(hundred) {
			return &ConfigError{Field: "discountValue", Message: "percentage must be greater than 0 and at most 100"}
		}
	case DiscountFixedAmount:
		if !c.DiscountValue.IsPositive() {
			return &ConfigError{Field: "discountValue", Message: "fixed amount must be greater than 0"}
		}
	case DiscountFreeShipping:
		// DiscountValue is unused for free shipping.
	default:
		return &ConfigError{Field: "discountType", Message: "unknown discount type"}
	}

	if c.MaxDiscountCap.IsNegative() {
		return &ConfigError{Field: "maxDiscountCap", Message: "must not be negative"}
	}
	if c.MinOrderValue.IsNegative() {
		return &ConfigError{Field: "minOrderValue", Message: "must not be negative"}
	}
	if c.TotalUsageLimit < 0 {
		return &ConfigError{Field: "totalUsageLimit", Message: "must not be negative"}
	}
	if c.PerCustomerUsageLimit < 0 {
		return &ConfigError{Field: "perCustomerUsageLimit", Message: "must not be negative"}
	}

	if c.ValidFrom != nil && c.ValidUntil != nil && !c.ValidUntil.After(*c.ValidFrom) {
		return &ConfigError{Field: "validUntil", Message: "must be after validFrom"}
	}

	return nil
}

func applyUpdate(c *Coupon, upd Update) {
	setIf(&c.Code, upd.Code)
	setIf(&c.Name, upd.Name)
	setIf(&c.Description, upd.Description)
	setIf(&c.DiscountType, upd.DiscountType)
	setIf(&c.DiscountValue, upd.DiscountValue)
	setIf(&c.MaxDiscountCap, upd.MaxDiscountCap)
	setIf(&c.MinOrderValue, upd.MinOrderValue)
	setIf(&c.TotalUsageLimit, upd.TotalUsageLimit)
	setIf(&c.PerCustomerUsageLimit, upd.PerCustomerUsageLimit)
	setIf(&c.ValidFrom, upd.ValidFrom)
	setIf(&c.ValidUntil, upd.ValidUntil)
	setIf(&c.Active, upd.Active)
	setIf(&c.FirstPurchaseOnly, upd.FirstPurchaseOnly)
	setIf(&c.AllowedCategories, upd.AllowedCategories)
	setIf(&c.AllowedProducts, upd.AllowedProducts)
	setIf(&c.AllowedCustomers, upd.AllowedCustomers)
}

func setIf[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}
