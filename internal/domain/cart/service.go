package cart

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/cartpay/internal/domain/coupon"
	"github.com/xenking/cartpay/internal/domain/product"
)

// Config tunes the optimistic update loop and catalog calls.
type Config struct {
	// MaxAttempts bounds how many times a mutation is retried after losing a
	// version race. Defaults to 5.
	MaxAttempts int
	// RetryBackoff is the base delay between attempts; each attempt waits a
	// jittered multiple of it. Defaults to 10ms.
	RetryBackoff time.Duration
	// CatalogTimeout bounds every catalog read. Defaults to 3s.
	CatalogTimeout time.Duration
	// Meter records version conflicts. Optional.
	Meter metric.Meter
}

// Service implements the cart operations. Every mutation is a
// read-modify-write of the owner's Record guarded by its version.
type Service struct {
	store    Store
	products product.Repository
	coupons  coupon.Repository
	now      func() time.Time

	maxAttempts    int
	backoff        time.Duration
	catalogTimeout time.Duration
	conflicts      metric.Int64Counter
}

// NewService creates a cart Service.
func NewService(store Store, products product.Repository, coupons coupon.Repository, cfg Config) (*Service, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	if cfg.CatalogTimeout <= 0 {
		cfg.CatalogTimeout = 3 * time.Second
	}
	if cfg.Meter == nil {
		cfg.Meter = noop.NewMeterProvider().Meter("cart")
	}
	conflicts, err := cfg.Meter.Int64Counter("cart.version_conflicts",
		metric.WithDescription("Cart writes that lost an optimistic version race"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create conflicts counter")
	}
	return &Service{
		store:          store,
		products:       products,
		coupons:        coupons,
		now:            time.Now,
		maxAttempts:    cfg.MaxAttempts,
		backoff:        cfg.RetryBackoff,
		catalogTimeout: cfg.CatalogTimeout,
		conflicts:      conflicts,
	}, nil
}

// Get returns the owner's cart priced at current catalog prices. A missing
// cart yields an empty view. Lines whose product left the catalog are
// skipped.
func (s *Service) Get(ctx context.Context, owner string) (*View, error) {
	rec, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.price(ctx, rec, false)
}

// Snapshot is Get for checkout: a missing or disabled product fails the call
// instead of being skipped.
func (s *Service) Snapshot(ctx context.Context, owner string) (*View, error) {
	rec, err := s.load(ctx, owner)
	if err != nil {
		return nil, err
	}
	return s.price(ctx, rec, true)
}

// AddItem adds qty units of a product, accumulating onto an existing line,
// and drops any applied coupon. It returns the updated line.
func (s *Service) AddItem(ctx context.Context, owner, productID string, qty int) (*Line, error) {
	if qty <= 0 {
		return nil, &InvalidQuantityError{ProductID: productID, Qty: qty}
	}
	p, err := s.sellable(ctx, productID)
	if err != nil {
		return nil, err
	}

	var newQty int
	_, err = s.mutate(ctx, owner, func(rec *Record) error {
		if i := rec.indexOf(productID); i >= 0 {
			rec.Items[i].Qty += qty
			newQty = rec.Items[i].Qty
		} else {
			rec.Items = append(rec.Items, Item{ProductID: productID, Qty: qty})
			newQty = qty
		}
		rec.Coupon = nil
		return nil
	})
	if err != nil {
		return nil, err
	}

	total := p.Price.Mul(decimal.NewFromInt(int64(newQty)))
	return &Line{
		ProductID:  productID,
		Qty:        newQty,
		Product:    *p,
		Total:      total,
		FinalTotal: total,
	}, nil
}

// SetItemQty replaces the quantity of a product already in the cart and
// drops any applied coupon.
func (s *Service) SetItemQty(ctx context.Context, owner, productID string, qty int) error {
	if qty <= 0 {
		return &InvalidQuantityError{ProductID: productID, Qty: qty}
	}
	if _, err := s.sellable(ctx, productID); err != nil {
		return err
	}

	_, err := s.mutate(ctx, owner, func(rec *Record) error {
		if rec.IsEmpty() {
			return ErrCartNotFound
		}
		i := rec.indexOf(productID)
		if i < 0 {
			return &ItemNotInCartError{ProductID: productID}
		}
		rec.Items[i].Qty = qty
		rec.Coupon = nil
		return nil
	})
	return err
}

// RemoveItem deletes a product line and drops any applied coupon.
func (s *Service) RemoveItem(ctx context.Context, owner, productID string) error {
	_, err := s.mutate(ctx, owner, func(rec *Record) error {
		if rec.IsEmpty() {
			return ErrCartNotFound
		}
		i := rec.indexOf(productID)
		if i < 0 {
			return &ItemNotInCartError{ProductID: productID}
		}
		rec.Items = append(rec.Items[:i], rec.Items[i+1:]...)
		rec.Coupon = nil
		return nil
	})
	return err
}

// Clear empties the owner's cart. Clearing a missing or empty cart fails
// with ErrCartNotFound.
func (s *Service) Clear(ctx context.Context, owner string) error {
	return s.retry(ctx, owner, func() error {
		rec, err := s.store.Load(ctx, owner)
		if err != nil {
			return err
		}
		if rec.IsEmpty() {
			return ErrCartNotFound
		}
		return s.store.Empty(ctx, owner, rec.Version)
	})
}

// ApplyCoupon validates code and stores a snapshot of the coupon on the cart.
// An empty, unknown, disabled or expired code removes any snapshot instead;
// that is reported through Outcome, not as an error.
func (s *Service) ApplyCoupon(ctx context.Context, owner, code string) (*View, Outcome, error) {
	code = strings.TrimSpace(code)

	var c *coupon.Coupon
	if code != "" {
		found, err := s.findCoupon(ctx, code)
		if err != nil {
			return nil, Outcome{}, err
		}
		c = found
	}
	status := coupon.Validate(c, s.now())

	rec, err := s.mutate(ctx, owner, func(rec *Record) error {
		if rec.IsEmpty() {
			return ErrCartNotFound
		}
		if status == coupon.StatusValid {
			snap := c.Snapshot()
			rec.Coupon = &snap
		} else {
			rec.Coupon = nil
		}
		return nil
	})
	if err != nil {
		return nil, Outcome{}, err
	}

	view, err := s.price(ctx, rec, false)
	if err != nil {
		return nil, Outcome{}, err
	}
	return view, Outcome{Applied: status == coupon.StatusValid, Status: status}, nil
}

// RetryOnConflict runs fn until it returns something other than
// ErrVersionConflict, at most the configured number of attempts.
func (s *Service) RetryOnConflict(ctx context.Context, owner string, fn func() error) error {
	return s.retry(ctx, owner, fn)
}

func (s *Service) load(ctx context.Context, owner string) (*Record, error) {
	rec, err := s.store.Load(ctx, owner)
	if errors.Is(err, ErrCartNotFound) {
		return &Record{Owner: owner}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "load cart")
	}
	return rec, nil
}

func (s *Service) mutate(ctx context.Context, owner string, fn func(rec *Record) error) (*Record, error) {
	var saved *Record
	err := s.retry(ctx, owner, func() error {
		rec, err := s.load(ctx, owner)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		if err := s.store.Save(ctx, rec); err != nil {
			return err
		}
		saved = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return saved, nil
}

func (s *Service) retry(ctx context.Context, owner string, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		s.conflicts.Add(ctx, 1, metric.WithAttributes(attribute.Int("attempt", attempt)))
		if attempt >= s.maxAttempts {
			zctx.From(ctx).Warn("Cart update gave up after version conflicts",
				zap.String("owner", owner),
				zap.Int("attempts", attempt),
			)
			return ErrConcurrentUpdate
		}

		wait := s.backoff*time.Duration(attempt) + rand.N(s.backoff)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// sellable fetches a product and checks that it can be put in a cart.
func (s *Service) sellable(ctx context.Context, productID string) (*product.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	p, err := s.products.GetByID(ctx, productID)
	if errors.Is(err, product.ErrNotFound) {
		return nil, &ProductNotFoundError{ProductID: productID}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get product %s", productID)
	}
	if !p.IsEnabled {
		return nil, &ProductDisabledError{ProductID: productID}
	}
	return p, nil
}

func (s *Service) findCoupon(ctx context.Context, code string) (*coupon.Coupon, error) {
	ctx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()

	c, err := s.coupons.FindByCode(ctx, code)
	if errors.Is(err, coupon.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "find coupon %q", code)
	}
	return c, nil
}

// price resolves every item against the catalog and computes totals. In
// strict mode a missing or disabled product is an error.
func (s *Service) price(ctx context.Context, rec *Record, strict bool) (*View, error) {
	view := &View{
		Owner:      rec.Owner,
		Coupon:     rec.Coupon,
		Version:    rec.Version,
		Lines:      make([]Line, 0, len(rec.Items)),
		Total:      decimal.Zero,
		FinalTotal: decimal.Zero,
	}
	if len(rec.Items) == 0 {
		return view, nil
	}

	ids := make([]string, len(rec.Items))
	for i, it := range rec.Items {
		ids[i] = it.ProductID
	}

	catalogCtx, cancel := context.WithTimeout(ctx, s.catalogTimeout)
	defer cancel()
	fetched, err := s.products.GetByIDs(catalogCtx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get cart products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	for _, it := range rec.Items {
		p, ok := byID[it.ProductID]
		if !ok {
			if strict {
				return nil, &ProductNotFoundError{ProductID: it.ProductID}
			}
			zctx.From(ctx).Info("Skipping cart item missing from catalog",
				zap.String("owner", rec.Owner),
				zap.String("product_id", it.ProductID),
			)
			continue
		}
		if strict && !p.IsEnabled {
			return nil, &ProductDisabledError{ProductID: it.ProductID}
		}

		total := p.Price.Mul(decimal.NewFromInt(int64(it.Qty)))
		final := total
		if rec.Coupon != nil {
			final = coupon.Apply(total, rec.Coupon.Percent)
		}
		view.Lines = append(view.Lines, Line{
			ProductID:  it.ProductID,
			Qty:        it.Qty,
			Product:    p,
			Coupon:     rec.Coupon,
			Total:      total,
			FinalTotal: final,
		})
		view.Total = view.Total.Add(total)
	}

	view.FinalTotal = view.Total
	if rec.Coupon != nil {
		view.FinalTotal = coupon.Apply(view.Total, rec.Coupon.Percent)
	}
	return view, nil
}
