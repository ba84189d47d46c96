package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"

	"github.com/quadra/marketplace-api/internal/gateway/vnpay"
)

// Config holds the complete application configuration, loadable from
// environment variables (QUADRA_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (QUADRA_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	VNPay       vnpay.Config
	Settlement  SettlementConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// SettlementConfig controls checkout and deposit tunables.
type SettlementConfig struct {
	ShippingFee     string `default:"30000" usage:"Cross-province shipping fee (VND)" flag:"shipping-fee"`
	DepositMin      string `default:"50000" usage:"Minimum wallet deposit (VND)" flag:"deposit-min"`
	DepositMax      string `default:"100000000" usage:"Maximum wallet deposit (VND)" flag:"deposit-max"`
	OrderReturnURL  string `usage:"Gateway return URL for order payments" flag:"order-return-url"`
	WalletReturnURL string `usage:"Gateway return URL for wallet top-ups" flag:"wallet-return-url"`
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

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "QUADRA",
		Files:     []string{"config.yaml", "/etc/quadra/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set QUADRA_DATABASE_URL or DATABASE_URL")
	}
	if cfg.VNPay.TmnCode == "" || cfg.VNPay.HashSecret == "" {
		return nil, errors.New("gateway credentials are required: set QUADRA_VNPAY_TMN_CODE and QUADRA_VNPAY_HASH_SECRET")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's QUADRA_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
