/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logger and SQLite store
  3. Build the dues core and the configured gateway adapters
  4. Configure HTTP router, metrics and the gauge refresher
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (default: config.yaml, optional)
  -port    HTTP server port, overrides config
  -db      SQLite database path, overrides config
           Use ":memory:" for in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the metrics refresher and close caches
  4. Close database connection

EXAMPLES:
  # Run with file database
  ./server -db="./data/dues.db"

  # Run with in-memory database and demo routes
  DUES_ENABLE_DEV_ROUTES=true ./server -db=":memory:"

ENVIRONMENT:
  See config.LoadFromEnv for the DUES_* variables.

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/auth"
	"github.com/warp/dues-engine/cache"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/dues"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/metrics"
	"github.com/warp/dues-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.LoadWithFallback(*configPath)
	if err != nil {
		return err
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Dues core
	handler := api.NewHandler(store, logger)
	handler.Registry.Policy = dues.OverwritePolicy(cfg.Billing.PeriodOverwrite)
	handler.Recorder.RequireConfiguredPeriod = cfg.Billing.RequireConfiguredPeriod
	handler.Reset = store.Reset

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		handler.Recorder.Observer = collector
	}

	// Gateways
	webhooks := &gateway.Webhooks{Logger: logger}
	if collector != nil {
		webhooks.Observer = collector
	}

	if cfg.Stripe.Enabled() {
		stripeGW := gateway.NewStripeCheckout(gateway.StripeConfig{
			SecretKey:     cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			Currency:      cfg.Stripe.Currency,
		})
		checkout := gateway.NewCheckout(stripeGW, store, handler.Calculator, handler.Recorder, logger)
		checkout.MaxAttempts = cfg.Polling.MaxAttempts
		checkout.PollInterval = cfg.Polling.Interval
		if collector != nil {
			checkout.Observer = collector
		}
		handler.Checkout = checkout
		webhooks.Checkout = checkout
		if cfg.Stripe.WebhookSecret != "" {
			webhooks.Stripe = stripeGW
		}
		logger.Info().Str("currency", stripeGW.Currency()).Msg("stripe checkout enabled")
	}

	if cfg.Razorpay.Enabled() {
		razorpayGW := gateway.NewRazorpay(gateway.RazorpayConfig{
			KeyID:         cfg.Razorpay.KeyID,
			KeySecret:     cfg.Razorpay.KeySecret,
			WebhookSecret: cfg.Razorpay.WebhookSecret,
			Currency:      cfg.Razorpay.Currency,
			BaseURL:       cfg.Razorpay.BaseURL,
		})
		orders := gateway.NewOrders(razorpayGW, store, handler.Calculator, handler.Recorder, logger)
		if collector != nil {
			orders.Observer = collector
		}
		handler.Orders = orders
		webhooks.Orders = orders
		if cfg.Razorpay.WebhookSecret != "" {
			webhooks.Razorpay = razorpayGW
		}
		logger.Info().Str("currency", razorpayGW.Currency()).Msg("razorpay orders enabled")
	}

	if webhooks.Stripe != nil || webhooks.Razorpay != nil {
		replays, err := newReplayGuard(ctx, cfg.Cache, logger)
		if err != nil {
			return err
		}
		defer replays.Close()
		webhooks.Replays = replays
		handler.Webhooks = webhooks
	}

	if cfg.Auth.JWTSecret == "" {
		logger.Warn().Msg("auth.jwt_secret not set, using a random secret; tokens will not survive a restart")
	}
	tokens := auth.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenLifetime)

	// Create router
	router := api.NewRouter(handler, api.Options{
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Tokens:         tokens,
		Metrics:        collector,
		MetricsPath:    cfg.Metrics.Path,
		DevRoutes:      cfg.Server.EnableDevRoutes,
		Health:         store.Ping,
	})

	if collector != nil {
		refresher := metrics.NewRefresher(store, collector, logger)
		refresher.Interval = cfg.Metrics.RefreshInterval
		refresher.Start()
		defer refresher.Stop()
	}

	// Create server
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().
			Str("addr", server.Addr).
			Str("db", cfg.Database.Path).
			Bool("dev_routes", cfg.Server.EnableDevRoutes).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// replayGuard is a gateway.ReplayGuard that owns resources.
type replayGuard interface {
	gateway.ReplayGuard
	Close() error
}

// newReplayGuard shares webhook claims through Redis when configured, so
// replicas suppress each other's replays.
func newReplayGuard(ctx context.Context, cfg config.CacheConfig, logger zerolog.Logger) (replayGuard, error) {
	if cfg.RedisAddr == "" {
		logger.Info().Dur("ttl", cfg.ReplayTTL).Msg("webhook replay cache in memory")
		return cache.NewMemoryStore(cfg.ReplayTTL), nil
	}
	rs, err := cache.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.ReplayTTL)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logger.Info().Str("addr", cfg.RedisAddr).Dur("ttl", cfg.ReplayTTL).Msg("webhook replay cache in redis")
	return rs, nil
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
