// Command coupon-import bulk loads coupon definitions from a gzipped NDJSON
// file. Existing codes are pre-screened with a bloom filter so unchanged
// catalogs re-import cheaply; inserts are rate limited to keep the shared
// database responsive.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5/pgxpool"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/storeops/coupon-engine/internal/domain/coupon"
	"github.com/storeops/coupon-engine/internal/repository"
)

const (
	bloomCapacity = 10_000_000
	bloomFPR      = 0.001
	numWorkers    = 4
	progressEvery = 10_000
)

func main() {
	var (
		file        string
		databaseURL string
		insertRate  int
	)

	flag.StringVar(&file, "file", "coupons.ndjson.gz", "gzipped NDJSON file of coupon definitions")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&insertRate, "rate", 500, "max inserts per second")
	flag.Parse()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		slog.Error("database URL is required: set --database-url or DATABASE_URL")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, file, databaseURL, insertRate); err != nil {
		slog.Error("coupon import failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	slog.Info("coupon import completed successfully")
}

func run(ctx context.Context, file, databaseURL string, insertRate int) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	filter, err := loadExistingCodes(ctx, pool)
	if err != nil {
		return errors.Wrap(err, "load existing codes")
	}

	repo := repository.NewCouponRepository(pool)
	svc := coupon.NewService(repo, coupon.NewCodeGenerator(repo))

	records := make(chan coupon.Coupon, numWorkers*4)
	limiter := rate.NewLimiter(rate.Limit(insertRate), insertRate)

	var inserted, duplicates atomic.Int64
	var skipped int64

	g, ctx := errgroup.WithContext(ctx)
	for range numWorkers {
		g.Go(func() error {
			for c := range records {
				if err := limiter.Wait(ctx); err != nil {
					return err
				}
				if _, err := svc.Create(ctx, c); err != nil {
					if errors.Is(err, coupon.ErrDuplicateCode) {
						duplicates.Add(1)
						continue
					}
					return errors.Wrapf(err, "create coupon %s", c.Code)
				}
				inserted.Add(1)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer close(records)
		var line uint64
		return streamGzFile(ctx, file, func(raw []byte) error {
			line++
			if line%progressEvery == 0 {
				slog.Info("import progress", slog.Uint64("lines", line))
			}
			c, err := parseCoupon(raw)
			if err != nil {
				return errors.Wrapf(err, "line %d", line)
			}
			// Codes are stored upper-cased; test the normalized form.
			if filter.TestString(strings.ToUpper(strings.TrimSpace(c.Code))) {
				skipped++
				return nil
			}
			select {
			case records <- c:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	})

	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("import summary",
		slog.Int64("inserted", inserted.Load()),
		slog.Int64("pre_screened", skipped),
		slog.Int64("duplicates", duplicates.Load()),
	)
	return nil
}

// loadExistingCodes fills a bloom filter with every code already stored. A
// false positive only costs one redundant duplicate error on insert.
func loadExistingCodes(ctx context.Context, pool *pgxpool.Pool) (*bloom.BloomFilter, error) {
	filter := bloom.NewWithEstimates(bloomCapacity, bloomFPR)

	rows, err := pool.Query(ctx, `SELECT code FROM coupons`)
	if err != nil {
		return nil, errors.Wrap(err, "query codes")
	}
	defer rows.Close()

	var count int
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, errors.Wrap(err, "scan code")
		}
		filter.AddString(code)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate codes")
	}

	slog.Info("loaded existing codes", slog.Int("count", count))
	return filter, nil
}

// streamGzFile opens a gzip-compressed file and calls fn for each line.
func streamGzFile(ctx context.Context, path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "create gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(scanner.Bytes()) == 0 {
			continue
		}
		if err := fn(scanner.Bytes()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}

	return nil
}

// parseCoupon decodes one NDJSON record into a coupon definition.
func parseCoupon(raw []byte) (coupon.Coupon, error) {
	c := coupon.Coupon{
		Active:                true,
		PerCustomerUsageLimit: 1,
	}
	d := jx.DecodeBytes(raw)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "code":
			v, err := d.Str()
			c.Code = v
			return err
		case "name":
			v, err := d.Str()
			c.Name = v
			return err
		case "description":
			v, err := d.Str()
			c.Description = v
			return err
		case "discountType":
			v, err := d.Str()
			c.DiscountType = coupon.DiscountType(v)
			return err
		case "discountValue":
			v, err := decodeDecimal(d)
			c.DiscountValue = v
			return err
		case "maxDiscountCap":
			v, err := decodeDecimal(d)
			c.MaxDiscountCap = v
			return err
		case "minOrderValue":
			v, err := decodeDecimal(d)
			c.MinOrderValue = v
			return err
		case "totalUsageLimit":
			v, err := d.Int()
			c.TotalUsageLimit = v
			return err
		case "perCustomerUsageLimit":
			v, err := d.Int()
			c.PerCustomerUsageLimit = v
			return err
		case "validFrom":
			t, err := decodeTime(d)
			c.ValidFrom = t
			return err
		case "validUntil":
			t, err := decodeTime(d)
			c.ValidUntil = t
			return err
		case "active":
			v, err := d.Bool()
			c.Active = v
			return err
		case "firstPurchaseOnly":
			v, err := d.Bool()
			c.FirstPurchaseOnly = v
			return err
		case "allowedCategories":
			v, err := decodeIDs(d)
			c.AllowedCategories = v
			return err
		case "allowedProducts":
			v, err := decodeIDs(d)
			c.AllowedProducts = v
			return err
		case "allowedCustomers":
			v, err := decodeIDs(d)
			c.AllowedCustomers = v
			return err
		default:
			return d.Skip()
		}
	})
	return c, err
}

func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	n, err := d.Num()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(n.String())
}

func decodeTime(d *jx.Decoder) (*time.Time, error) {
	if d.Next() == jx.Null {
		return nil, d.Null()
	}
	s, err := d.Str()
	if err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func decodeIDs(d *jx.Decoder) (coupon.IDSet, error) {
	var ids coupon.IDSet
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Int64()
		ids = append(ids, v)
		return err
	})
	return ids, err
}
