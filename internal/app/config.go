package app

import (
	"io/fs"
	"net/url"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
	"github.com/joho/godotenv"
)

// Config holds the complete application configuration, loadable from
// environment variables (CARTPAY_ prefix), flags, a .env file or YAML config
// files.
type Config struct {
	Addr             string        `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL      string        `usage:"PostgreSQL connection URL (CARTPAY_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	DatabaseMaxConns int32         `default:"10" usage:"Maximum PostgreSQL pool size" flag:"database-max-conns"`
	RequestTimeout   time.Duration `default:"15s" usage:"Per-request deadline for API calls" flag:"request-timeout"`
	ReturnRedirect   string        `default:"" usage:"Page the browser is sent to after the gateway return callback" flag:"return-redirect"`
	Cart             CartConfig
	NewebPay         NewebPayConfig
	Redis            RedisConfig
	Kafka            KafkaConfig
	RateLimit        RateLimitConfig
	CORS             CORSConfig
	Graceful         GracefulConfig
}

// CartConfig tunes optimistic cart updates.
type CartConfig struct {
	MaxAttempts    int           `default:"5" usage:"Attempts per cart mutation before reporting a conflict"`
	RetryBackoff   time.Duration `default:"10ms" usage:"Base delay between cart mutation attempts"`
	CatalogTimeout time.Duration `default:"3s" usage:"Deadline for each catalog read"`
}

// NewebPayConfig holds the gateway merchant credentials and endpoints.
type NewebPayConfig struct {
	MerchantID string        `usage:"Gateway merchant id"`
	HashKey    string        `usage:"32-byte AES key shared with the gateway"`
	HashIV     string        `usage:"16-byte AES IV shared with the gateway"`
	Version    string        `default:"2.0" usage:"Gateway protocol version"`
	GatewayURL string        `default:"https://ccore.newebpay.com/MPG/mpg_gateway" usage:"Gateway MPG endpoint"`
	NotifyURL  string        `usage:"Public URL of the notify callback"`
	ReturnURL  string        `usage:"Public URL of the return callback"`
	Timeout    time.Duration `default:"10s" usage:"Deadline for gateway requests"`
}

// RedisConfig locates the payment session registry.
type RedisConfig struct {
	URL        string        `default:"redis://localhost:6379/0" usage:"Redis URL for payment sessions"`
	SessionTTL time.Duration `default:"30m" usage:"How long an issued envelope awaits its callback"`
}

// KafkaConfig controls the order event publisher. It is disabled when no
// brokers are configured.
type KafkaConfig struct {
	Brokers      []string      `usage:"Kafka bootstrap brokers"`
	Topic        string        `default:"order-events" usage:"Topic for order events"`
	PollInterval time.Duration `default:"2s" usage:"Outbox poll interval"`
	BatchSize    int           `default:"100" usage:"Outbox rows published per batch"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig reads .env (when present) into the environment, loads the
// configuration and validates it.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}

	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "CARTPAY",
		Files:     []string{"config.yaml", "/etc/cartpay/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults(os.Getenv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyPlatformDefaults fills unset values from conventional unprefixed
// variables: DATABASE_URL, PORT and REDIS_URL from hosting platforms, and the
// MerchantID/HASHKEY/HASHIV/PayGateWay names used by gateway sample .env
// files.
func (c *Config) applyPlatformDefaults(getenv func(string) string) {
	fill := func(dst *string, key string) {
		if *dst == "" {
			*dst = getenv(key)
		}
	}
	fill(&c.DatabaseURL, "DATABASE_URL")
	fill(&c.NewebPay.MerchantID, "MerchantID")
	fill(&c.NewebPay.HashKey, "HASHKEY")
	fill(&c.NewebPay.HashIV, "HASHIV")
	fill(&c.NewebPay.NotifyURL, "NotifyURL")
	fill(&c.NewebPay.ReturnURL, "ReturnURL")

	if v := getenv("PayGateWay"); v != "" && getenv("CARTPAY_NEWEBPAY_GATEWAY_URL") == "" {
		c.NewebPay.GatewayURL = v
	}
	if v := getenv("REDIS_URL"); v != "" && getenv("CARTPAY_REDIS_URL") == "" {
		c.Redis.URL = v
	}
	if port := getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}

// Validate reports the first missing or malformed required setting.
func (c *Config) Validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set CARTPAY_DATABASE_URL or DATABASE_URL")
	case c.NewebPay.MerchantID == "":
		return errors.New("merchant id is required: set CARTPAY_NEWEBPAY_MERCHANT_ID")
	case len(c.NewebPay.HashKey) != 32:
		return errors.Errorf("hash key must be 32 bytes, got %d", len(c.NewebPay.HashKey))
	case len(c.NewebPay.HashIV) != 16:
		return errors.Errorf("hash IV must be 16 bytes, got %d", len(c.NewebPay.HashIV))
	case c.Redis.URL == "":
		return errors.New("redis URL is required: set CARTPAY_REDIS_URL")
	case c.Cart.MaxAttempts < 1:
		return errors.New("cart max attempts must be positive")
	case c.RateLimit.Max < 1 || c.RateLimit.Window <= 0:
		return errors.New("rate limit max and window must be positive")
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return errors.New("kafka topic is required when brokers are set")
	}
	for _, u := range []struct{ name, raw string }{
		{"gateway URL", c.NewebPay.GatewayURL},
		{"notify URL", c.NewebPay.NotifyURL},
		{"return URL", c.NewebPay.ReturnURL},
	} {
		if err := absoluteURL(u.raw); err != nil {
			return errors.Wrap(err, u.name)
		}
	}
	return nil
}

func absoluteURL(raw string) error {
	if raw == "" {
		return errors.New("is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("%q is not an absolute http(s) URL", raw)
	}
	return nil
}
