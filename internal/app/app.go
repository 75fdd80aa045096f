package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/cartpay/internal/domain/cart"
	"github.com/xenking/cartpay/internal/domain/order"
	"github.com/xenking/cartpay/internal/domain/payment"
	"github.com/xenking/cartpay/internal/events"
	"github.com/xenking/cartpay/internal/handler"
	"github.com/xenking/cartpay/internal/newebpay"
	"github.com/xenking/cartpay/internal/storage/postgres"
	"github.com/xenking/cartpay/internal/storage/redis"
	"github.com/xenking/cartpay/pkg/health"
	"github.com/xenking/cartpay/pkg/httpmiddleware"
)

// Telemetry supplies the tracer and meter providers. *app.Telemetry from
// go-faster/sdk implements it.
type Telemetry interface {
	TracerProvider() trace.TracerProvider
	MeterProvider() metric.MeterProvider
}

// Run creates all dependencies, starts the HTTP server and the outbox
// publisher, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// Money is rendered as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Redis-backed payment session registry.
	redisOpts, err := goredis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return errors.Wrap(err, "parse redis url")
	}
	rdb := goredis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	sessions := redis.NewSessionRegistry(rdb, cfg.Redis.SessionTTL)

	// Health check service.
	healthSvc := health.New(health.Options{Logger: lg.Named("health")})
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck("postgres", pool))
	healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck("redis", sessions))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	defer healthSvc.Stop()

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	couponRepo := postgres.NewCouponRepository(pool)
	cartStore := postgres.NewCartStore(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	// Domain services.
	cartService, err := cart.NewService(cartStore, productRepo, couponRepo, cart.Config{
		MaxAttempts:    cfg.Cart.MaxAttempts,
		RetryBackoff:   cfg.Cart.RetryBackoff,
		CatalogTimeout: cfg.Cart.CatalogTimeout,
		Meter:          m.MeterProvider().Meter("cartpay/cart"),
	})
	if err != nil {
		return errors.Wrap(err, "create cart service")
	}
	orderService := order.NewService(cartService, orderRepo)

	codec, err := newebpay.NewCodec(cfg.NewebPay.HashKey, cfg.NewebPay.HashIV)
	if err != nil {
		return errors.Wrap(err, "create envelope codec")
	}
	paymentService, err := payment.NewService(orderService, sessions, codec, payment.Config{
		MerchantID: cfg.NewebPay.MerchantID,
		Version:    cfg.NewebPay.Version,
		GatewayURL: cfg.NewebPay.GatewayURL,
		NotifyURL:  cfg.NewebPay.NotifyURL,
		ReturnURL:  cfg.NewebPay.ReturnURL,
		HTTPClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport,
				otelhttp.WithTracerProvider(m.TracerProvider()),
				otelhttp.WithMeterProvider(m.MeterProvider()),
			),
		},
		GatewayTimeout: cfg.NewebPay.Timeout,
		TracerProvider: m.TracerProvider(),
		MeterProvider:  m.MeterProvider(),
	})
	if err != nil {
		return errors.Wrap(err, "create payment service")
	}

	// Router: health endpoints + API on one server.
	router := chi.NewRouter()
	router.Get("/livez", healthSvc.LiveEndpoint)
	router.Get("/readyz", healthSvc.ReadyEndpoint)
	handler.New(handler.Config{
		RequestTimeout: cfg.RequestTimeout,
		ReturnRedirect: cfg.ReturnRedirect,
	}, cartService, orderService, paymentService).Routes(router)

	callbacks := httpmiddleware.PathIs(handler.PathReturn, handler.PathNotify)
	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(router,
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Recovery(),
			httpmiddleware.Instrument("cartpay-api", m.TracerProvider(), m.MeterProvider()),
			httpmiddleware.LogRequests(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", httpmiddleware.HeaderRequestID},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
				Skip:             callbacks,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				Skip:   callbacks,
			}),
		),
	}

	g, gctx := errgroup.WithContext(ctx)

	if len(cfg.Kafka.Brokers) > 0 {
		writer := events.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() { _ = writer.Close() }()

		poller := events.NewPoller(outboxRepo, writer, lg.Named("outbox"), events.Config{
			Interval:  cfg.Kafka.PollInterval,
			BatchSize: cfg.Kafka.BatchSize,
		})
		g.Go(func() error {
			lg.Info("Publishing order events",
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("topic", cfg.Kafka.Topic),
			)
			return poller.Run(gctx)
		})
	} else {
		lg.Info("Kafka brokers not configured, order events stay in the outbox")
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
