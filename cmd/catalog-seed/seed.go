package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/product"
)

const (
	bloomFPR      = 0.001
	maxLineSize   = 1 << 20
	maxDuplicates = 10
)

// ProductWriter persists product rows.
type ProductWriter interface {
	UpsertBatch(ctx context.Context, products []product.Product) error
}

// CouponWriter persists coupon rows.
type CouponWriter interface {
	UpsertBatch(ctx context.Context, coupons []coupon.Coupon) error
}

type seeder struct {
	lg        *zap.Logger
	batchSize int
	expected  uint
	products  ProductWriter
	coupons   CouponWriter
}

// DuplicateCodesError lists coupon codes that occur more than once.
type DuplicateCodesError struct {
	Codes []string
}

func (e *DuplicateCodesError) Error() string {
	return "duplicate coupon codes: " + strings.Join(e.Codes, ", ")
}

// productRecord is one products.jsonl line. Missing is_enabled means enabled.
type productRecord struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Category  string          `json:"category"`
	Unit      string          `json:"unit"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url"`
	IsEnabled *bool           `json:"is_enabled"`
}

func (r productRecord) product() (product.Product, error) {
	p := product.Product{
		ID:        strings.TrimSpace(r.ID),
		Title:     r.Title,
		Category:  r.Category,
		Unit:      r.Unit,
		Price:     r.Price,
		ImageURL:  r.ImageURL,
		IsEnabled: r.IsEnabled == nil || *r.IsEnabled,
	}
	if p.ID == "" || p.Price.IsNegative() {
		return p, errors.New("product needs an id and a non-negative price")
	}
	return p, nil
}

type couponRecord struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	Title     string `json:"title"`
	Percent   int    `json:"percent"`
	DueDate   int64  `json:"due_date"`
	IsEnabled *bool  `json:"is_enabled"`
}

func (r couponRecord) coupon() (coupon.Coupon, error) {
	c := coupon.Coupon{
		ID:        strings.TrimSpace(r.ID),
		Code:      strings.TrimSpace(r.Code),
		Title:     r.Title,
		Percent:   r.Percent,
		DueDate:   r.DueDate,
		IsEnabled: r.IsEnabled == nil || *r.IsEnabled,
	}
	switch {
	case c.Code == "":
		return c, errors.New("code is required")
	case c.Percent < 0 || c.Percent > 100:
		return c, errors.Errorf("percent %d outside 0..100", c.Percent)
	case c.DueDate <= 0:
		return c, errors.New("due_date is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return c, nil
}

// load seeds both files concurrently.
func (s *seeder) load(ctx context.Context, productsFile, couponsFile string) error {
	g, ctx := errgroup.WithContext(ctx)
	if productsFile != "" {
		g.Go(func() error {
			return errors.Wrap(s.loadProducts(ctx, productsFile), "load products")
		})
	}
	if couponsFile != "" {
		g.Go(func() error {
			return errors.Wrap(s.loadCoupons(ctx, couponsFile), "load coupons")
		})
	}
	return g.Wait()
}

func (s *seeder) loadProducts(ctx context.Context, path string) error {
	batch := make([]product.Product, 0, s.batchSize)
	var total int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.products.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err := streamLines(ctx, path, func(n int, line []byte) error {
		var rec productRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		p, err := rec.product()
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		batch = append(batch, p)
		if len(batch) == s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	s.lg.Info("Products loaded", zap.String("path", path), zap.Int("count", total))
	return nil
}

// loadCoupons refuses files with duplicate codes before writing anything.
func (s *seeder) loadCoupons(ctx context.Context, path string) error {
	dups, err := duplicateCodes(ctx, path, s.expected)
	if err != nil {
		return err
	}
	if len(dups) > 0 {
		return &DuplicateCodesError{Codes: dups}
	}

	batch := make([]coupon.Coupon, 0, s.batchSize)
	var total int
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.coupons.UpsertBatch(ctx, batch); err != nil {
			return err
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	err = streamLines(ctx, path, func(n int, line []byte) error {
		var rec couponRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		c, err := rec.coupon()
		if err != nil {
			return errors.Wrapf(err, "line %d", n)
		}
		batch = append(batch, c)
		if len(batch) == s.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := flush(); err != nil {
		return err
	}
	s.lg.Info("Coupons loaded", zap.String("path", path), zap.Int("count", total))
	return nil
}

// duplicateCodes returns up to maxDuplicates codes seen more than once,
// sorted. A bloom filter pass collects candidates; a second pass confirms
// them exactly so only candidates are held in memory.
func duplicateCodes(ctx context.Context, path string, expected uint) ([]string, error) {
	filter := bloom.NewWithEstimates(max(expected, 1), bloomFPR)
	candidates := make(map[string]int)

	err := streamLines(ctx, path, func(_ int, line []byte) error {
		code := codeOf(line)
		if code != "" && filter.TestAndAddString(code) {
			candidates[code] = 0
		}
		return nil
	})
	if err != nil || len(candidates) == 0 {
		return nil, err
	}

	err = streamLines(ctx, path, func(_ int, line []byte) error {
		if code := codeOf(line); code != "" {
			if _, ok := candidates[code]; ok {
				candidates[code]++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var dups []string
	for code, n := range candidates {
		if n > 1 {
			dups = append(dups, code)
		}
	}
	slices.Sort(dups)
	if len(dups) > maxDuplicates {
		dups = dups[:maxDuplicates]
	}
	return dups, nil
}

func codeOf(line []byte) string {
	var rec struct {
		Code string `json:"code"`
	}
	if json.Unmarshal(line, &rec) != nil {
		return ""
	}
	return strings.TrimSpace(rec.Code)
}

// streamLines calls fn with every non-blank line of path, numbered from 1.
// Files ending in .gz are decompressed with pgzip.
func streamLines(ctx context.Context, path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return errors.Wrapf(err, "create gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	var n int
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := fn(n, line); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}
