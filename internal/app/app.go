// Package app is the single wiring point of the API server: config,
// database, repositories, domain services, HTTP routing and graceful
// shutdown.
package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/quadra/marketplace-api/internal/cache"
	"github.com/quadra/marketplace-api/internal/domain/discount"
	"github.com/quadra/marketplace-api/internal/domain/order"
	"github.com/quadra/marketplace-api/internal/gateway/vnpay"
	"github.com/quadra/marketplace-api/internal/handler"
	"github.com/quadra/marketplace-api/internal/repository"
	"github.com/quadra/marketplace-api/internal/settlement"
	"github.com/quadra/marketplace-api/pkg/health"
	"github.com/quadra/marketplace-api/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	settlementCfg, err := parseSettlementConfig(cfg.Settlement)
	if err != nil {
		return err
	}

	// PostgreSQL pool + migrations.
	pool, err := repository.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := repository.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.DatabasePingCheck(pool))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// Repositories.
	store := repository.NewStore(pool)
	discountRepo := repository.NewDiscountRepository(pool)
	addressRepo := repository.NewAddressRepository(pool)
	cartRepo := repository.NewCartRepository(pool)

	// Short-lived settlement state (pending deposit checkouts).
	stash := cache.NewMemory(time.Minute)
	defer stash.Close()

	// Domain services.
	gateway := vnpay.New(cfg.VNPay)
	discountSvc := discount.NewService(discountRepo, addressRepo)
	coordinator := settlement.NewCoordinator(
		store, gateway, stash, addressRepo, logNotifier{}, cartRepo, settlementCfg)

	// HTTP routes.
	api := handler.NewServer(discountSvc, coordinator, store)
	mux := chi.NewRouter()
	mux.Get("/livez", healthSvc.LiveEndpoint)
	mux.Get("/readyz", healthSvc.ReadyEndpoint)
	mux.Mount("/api", api.Router())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", "X-User-ID"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
				// VNPay retries undelivered callbacks; never throttle them.
				Skip: func(r *http.Request) bool {
					return strings.HasPrefix(r.URL.Path, "/api/payment/return-") ||
						r.URL.Path == "/api/payment/ipn"
				},
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "marketplace-api",
					otelhttp.WithTracerProvider(m.TracerProvider()),
					otelhttp.WithMeterProvider(m.MeterProvider()),
				)
			},
			httpmiddleware.LogRequests(),
		),
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		close(shutdownDone)
	}()

	lg.Info("Server listening", zap.String("addr", cfg.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	<-shutdownDone
	return nil
}

func parseSettlementConfig(cfg SettlementConfig) (settlement.Config, error) {
	fee, err := decimal.NewFromString(cfg.ShippingFee)
	if err != nil {
		return settlement.Config{}, errors.Wrap(err, "parse shipping fee")
	}
	depositMin, err := decimal.NewFromString(cfg.DepositMin)
	if err != nil {
		return settlement.Config{}, errors.Wrap(err, "parse deposit minimum")
	}
	depositMax, err := decimal.NewFromString(cfg.DepositMax)
	if err != nil {
		return settlement.Config{}, errors.Wrap(err, "parse deposit maximum")
	}
	return settlement.Config{
		ShippingFee:     fee,
		DepositMin:      depositMin,
		DepositMax:      depositMax,
		OrderReturnURL:  cfg.OrderReturnURL,
		WalletReturnURL: cfg.WalletReturnURL,
	}, nil
}

// logNotifier logs order events. Delivery channels (push, email) hang off
// this interface in the full platform.
type logNotifier struct{}

func (logNotifier) OrderPlaced(ctx context.Context, o *order.Order) {
	zctx.From(ctx).Info("Order placed",
		zap.Int64("order_id", o.ID),
		zap.Int64("customer_id", o.CustomerID),
		zap.String("total", o.TotalAmount.String()))
}

func (logNotifier) OrderCancelled(ctx context.Context, o *order.Order) {
	zctx.From(ctx).Info("Order cancelled",
		zap.Int64("order_id", o.ID),
		zap.Int64("customer_id", o.CustomerID))
}
