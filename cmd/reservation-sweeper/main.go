// Command reservation-sweeper releases redemption reservations older than a
// cutoff. Meant for cron-style scheduling where the in-process sweeper is
// disabled.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"

	"github.com/storeops/coupon-engine/internal/repository"
)

func main() {
	var (
		databaseURL string
		olderThan   time.Duration
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.DurationVar(&olderThan, "older-than", 30*time.Minute, "release reservations older than this duration")
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

	if err := run(ctx, databaseURL, olderThan); err != nil {
		slog.Error("reservation sweep failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, databaseURL string, olderThan time.Duration) error {
	pool, err := repository.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	cutoff := time.Now().Add(-olderThan)
	released, err := repository.NewRedemptionStore(pool).ReleaseExpired(ctx, cutoff)
	if err != nil {
		return errors.Wrap(err, "release expired reservations")
	}

	slog.Info("sweep complete",
		slog.Int64("released", released),
		slog.Time("cutoff", cutoff),
	)
	return nil
}
