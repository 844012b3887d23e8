package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/finchlabs/easel/internal"
	"github.com/finchlabs/easel/internal/artifact"
	"github.com/finchlabs/easel/internal/billing"
	"github.com/finchlabs/easel/internal/cache"
	"github.com/finchlabs/easel/internal/domain"
	"github.com/finchlabs/easel/internal/genimage"
	"github.com/finchlabs/easel/internal/genimage/mock"
	"github.com/finchlabs/easel/internal/genimage/runware"
	"github.com/finchlabs/easel/internal/handler"
	"github.com/finchlabs/easel/internal/metrics"
	"github.com/finchlabs/easel/internal/middleware"
	"github.com/finchlabs/easel/internal/ratelimit"
	"github.com/finchlabs/easel/internal/service"
	"github.com/finchlabs/easel/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func run() error {
	ctx := context.Background()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	// Migrations run over database/sql; the store runs over pgxpool
	db, err := sql.Open("pgx", cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	if err := internal.RunMigrations(db); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseUrl)
	if err != nil {
		return fmt.Errorf("pool creation failed: %w", err)
	}
	defer pool.Close()
	logger.Info("Database ready")

	// Usage store, caches, limiters
	usageStore := store.NewPostgresStore(pool, logger)

	userCache := cache.New[*domain.UserUsage](cache.DefaultMaxSize)
	anonCache := cache.New[*domain.AnonymousUsage](cache.DefaultMaxSize)

	limiter := ratelimit.New(ratelimit.DefaultMaxEntries)
	limiters := handler.GenerationLimiters{
		Anonymous:   ratelimit.NewScoped(limiter, ratelimit.AnonymousGeneration),
		Free:        ratelimit.NewScoped(limiter, ratelimit.FreeGeneration),
		Paid:        ratelimit.NewScoped(limiter, ratelimit.PaidGeneration),
		Fingerprint: ratelimit.NewScoped(limiter, ratelimit.FingerprintChecks),
	}
	apiLimiter := ratelimit.NewScoped(ratelimit.New(ratelimit.DefaultMaxEntries), ratelimit.APIPerIP)

	// Services
	limits := domain.Limits{
		Anonymous: cfg.AnonymousLimit,
		FreeDaily: cfg.FreeDailyLimit,
	}
	usageService := service.NewUsageService(usageStore, userCache, anonCache, limits, logger)
	identityService := service.NewIdentityService(usageStore, userCache, logger)

	// Image provider
	var provider genimage.Provider
	switch cfg.ImageProvider {
	case "runware":
		provider, err = runware.New(runware.Config{
			APIKey:         cfg.RunwareAPIKey,
			Model:          cfg.RunwareModel,
			MaxRetries:     uint64(cfg.ImageMaxRetries),
			RetryBaseDelay: cfg.ImageRetryBaseDelay,
			RequestTimeout: cfg.ImageRequestTimeout,
		}, logger)
		if err != nil {
			return fmt.Errorf("image provider initialization failed: %w", err)
		}
	default:
		provider = mock.New(logger)
	}
	logger.Info("Image provider ready", "provider", cfg.ImageProvider)

	// Artifact storage
	var artifacts artifact.Store
	switch cfg.StorageProvider {
	case artifact.ProviderR2:
		artifacts, err = artifact.NewR2Store(artifact.R2Config{
			AccountID:       cfg.R2AccountID,
			AccessKeyID:     cfg.R2AccessKeyID,
			SecretAccessKey: cfg.R2SecretAccessKey,
			BucketName:      cfg.R2BucketName,
			PublicURL:       cfg.R2PublicURL,
		}, logger)
	default:
		artifacts, err = artifact.NewLocalStore(artifact.LocalConfig{
			BasePath: cfg.LocalStoragePath,
			BaseURL:  cfg.LocalStorageURL,
		}, logger)
	}
	if err != nil {
		return fmt.Errorf("artifact storage initialization failed: %w", err)
	}

	// Billing
	billingService := billing.NewStripeService(cfg.StripeSecretKey, cfg.StripeWebhookSecret, billing.PriceConfig{
		PaidMonthlyPriceID: cfg.StripePaidMonthlyPriceID,
		PaidYearlyPriceID:  cfg.StripePaidYearlyPriceID,
	})

	// Handlers
	generateHandler := handler.NewGenerateHandler(
		identityService, usageService, provider, artifacts, limiters, logger)
	billingHandler := handler.NewBillingHandler(
		billingService, usageStore, usageService,
		cfg.CheckoutSuccessURL, cfg.CheckoutCancelURL, logger)

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/generate", generateHandler.Generate)
	mux.HandleFunc("GET /api/usage", generateHandler.Usage)
	mux.HandleFunc("POST /api/checkout", billingHandler.Checkout)
	mux.HandleFunc("POST /api/stripe-webhook", billingHandler.Webhook)

	// Locally stored images are served straight off disk in development
	if cfg.StorageProvider == artifact.ProviderLocal {
		filesFS := http.FileServer(http.Dir(cfg.LocalStoragePath))
		mux.Handle("GET /files/", http.StripPrefix("/files/", filesFS))
	}

	// Middleware stack: metrics outermost, then logging, then the per-IP
	// limiter in front of everything
	rateLimitMw := middleware.NewRateLimit(apiLimiter, logger)
	loggingMw := middleware.NewRequestLogging(logger)
	root := metrics.Middleware(loggingMw.Handler(rateLimitMw.Handler(mux)))

	// ==========================================================================
	// Maintenance loop
	// ==========================================================================

	maintenanceCtx, stopMaintenance := context.WithCancel(ctx)
	defer stopMaintenance()
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-maintenanceCtx.Done():
				return
			case <-ticker.C:
				sweepCtx, cancel := context.WithTimeout(maintenanceCtx, time.Minute)
				if _, err := usageService.CleanupAnonymousUsage(sweepCtx); err != nil {
					logger.Error("anonymous usage cleanup failed", "error", err)
				}
				cancel()
				limiter.Sweep(24 * time.Hour)
			}
		}
	}()

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: root,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", "error", err)
		}
	}()

	<-sigChan
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
	}

	logger.Info("Graceful shutdown complete")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
