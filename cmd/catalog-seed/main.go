// Command catalog-seed loads products and coupons from JSON-lines files
// (optionally gzip-compressed) into the catalog tables the API reads.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/go-faster/errors"
	"go.uber.org/zap"

	"github.com/xenking/cartpay/internal/storage/postgres"
)

func main() {
	var (
		databaseURL  string
		productsFile string
		couponsFile  string
		batchSize    int
		expected     uint
	)
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or CARTPAY_DATABASE_URL / DATABASE_URL env)")
	flag.StringVar(&productsFile, "products", "", "products JSON-lines file, .gz for gzip")
	flag.StringVar(&couponsFile, "coupons", "", "coupons JSON-lines file, .gz for gzip")
	flag.IntVar(&batchSize, "batch-size", 500, "rows per upsert batch")
	flag.UintVar(&expected, "expected-coupons", 1_000_000, "coupon count estimate for duplicate detection")
	flag.Parse()

	lg, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	for _, key := range []string{"CARTPAY_DATABASE_URL", "DATABASE_URL"} {
		if databaseURL == "" {
			databaseURL = os.Getenv(key)
		}
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}
	if productsFile == "" && couponsFile == "" {
		lg.Fatal("Nothing to load: set --products and/or --coupons")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	s := seeder{
		lg:        lg,
		batchSize: batchSize,
		expected:  expected,
	}
	if err := s.run(ctx, databaseURL, productsFile, couponsFile); err != nil {
		lg.Fatal("Catalog seed failed", zap.Error(err))
	}
	lg.Info("Catalog seed completed")
}

func (s *seeder) run(ctx context.Context, databaseURL, productsFile, couponsFile string) error {
	pool, err := postgres.NewPool(ctx, databaseURL, 4)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	s.products = postgres.NewProductRepository(pool)
	s.coupons = postgres.NewCouponRepository(pool)
	return s.load(ctx, productsFile, couponsFile)
}
