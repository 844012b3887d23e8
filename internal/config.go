package internal

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Application base URL
	BaseURL string

	// Quota limits
	AnonymousLimit int // Lifetime generations per anonymous fingerprint
	FreeDailyLimit int // Daily generations per free account

	// Cache TTLs
	UserCacheTTL time.Duration
	AnonCacheTTL time.Duration

	// Anonymous record retention before the maintenance sweep removes it
	AnonymousRetention time.Duration

	// Image Provider Configuration
	ImageProvider       string // "runware" or "mock"
	RunwareAPIKey       string
	RunwareModel        string
	ImageMaxRetries     int
	ImageRetryBaseDelay time.Duration
	ImageRequestTimeout time.Duration

	// Storage Configuration
	StorageProvider string // "local" or "r2"

	// Local Storage (development)
	LocalStoragePath string
	LocalStorageURL  string

	// R2 Storage (production)
	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2PublicURL       string

	// Stripe Billing Configuration
	// Optional in development; the checkout handler requires them to work.
	StripeSecretKey     string
	StripeWebhookSecret string

	StripePaidMonthlyPriceID string
	StripePaidYearlyPriceID  string

	// Checkout redirect targets
	CheckoutSuccessURL string
	CheckoutCancelURL  string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("ENV", "development"),
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "debug"),

		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),

		// Quota defaults mirror the product tiers
		AnonymousLimit: getEnvInt("ANONYMOUS_LIMIT", 5),
		FreeDailyLimit: getEnvInt("FREE_DAILY_LIMIT", 10),

		UserCacheTTL:       getEnvDuration("USER_CACHE_TTL", 2*time.Minute),
		AnonCacheTTL:       getEnvDuration("ANON_CACHE_TTL", 5*time.Minute),
		AnonymousRetention: getEnvDuration("ANONYMOUS_RETENTION", 30*24*time.Hour),

		// Image provider defaults
		ImageProvider:       getEnv("IMAGE_PROVIDER", "mock"),
		RunwareAPIKey:       getEnv("RUNWARE_API_KEY", ""),
		RunwareModel:        getEnv("RUNWARE_MODEL", "runware:107@1"),
		ImageMaxRetries:     getEnvInt("IMAGE_MAX_RETRIES", 3),
		ImageRetryBaseDelay: getEnvDuration("IMAGE_RETRY_BASE_DELAY", 1*time.Second),
		ImageRequestTimeout: getEnvDuration("IMAGE_REQUEST_TIMEOUT", 60*time.Second),

		// Storage defaults to local filesystem for development
		StorageProvider:  getEnv("STORAGE_PROVIDER", "local"),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),
		LocalStorageURL:  getEnv("LOCAL_STORAGE_URL", "http://localhost:8080/files"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2PublicURL:       getEnv("R2_PUBLIC_URL", ""),

		// Stripe billing
		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		StripePaidMonthlyPriceID: getEnv("STRIPE_PAID_MONTHLY_PRICE_ID", ""),
		StripePaidYearlyPriceID:  getEnv("STRIPE_PAID_YEARLY_PRICE_ID", ""),

		CheckoutSuccessURL: getEnv("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:  getEnv("CHECKOUT_CANCEL_URL", ""),
	}

	if cfg.CheckoutSuccessURL == "" {
		cfg.CheckoutSuccessURL = cfg.BaseURL + "/upgrade/success"
	}
	if cfg.CheckoutCancelURL == "" {
		cfg.CheckoutCancelURL = cfg.BaseURL + "/upgrade/cancelled"
	}

	// Required
	cfg.DatabaseUrl = os.Getenv("DATABASE_URL")
	if cfg.DatabaseUrl == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.AnonymousLimit < 0 || cfg.FreeDailyLimit < 0 {
		return nil, fmt.Errorf("quota limits must not be negative")
	}

	// Validate storage configuration
	if cfg.StorageProvider == "r2" {
		if cfg.R2AccountID == "" {
			return nil, fmt.Errorf("R2_ACCOUNT_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2AccessKeyID == "" {
			return nil, fmt.Errorf("R2_ACCESS_KEY_ID is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2SecretAccessKey == "" {
			return nil, fmt.Errorf("R2_SECRET_ACCESS_KEY is required when STORAGE_PROVIDER is 'r2'")
		}
		if cfg.R2BucketName == "" {
			return nil, fmt.Errorf("R2_BUCKET_NAME is required when STORAGE_PROVIDER is 'r2'")
		}
	} else if cfg.StorageProvider != "local" {
		return nil, fmt.Errorf("STORAGE_PROVIDER must be either 'local' or 'r2', got: %s", cfg.StorageProvider)
	}

	// Validate image provider configuration
	if cfg.ImageProvider == "runware" {
		if cfg.RunwareAPIKey == "" {
			return nil, fmt.Errorf("RUNWARE_API_KEY is required when IMAGE_PROVIDER is 'runware'")
		}
	} else if cfg.ImageProvider != "mock" {
		return nil, fmt.Errorf("IMAGE_PROVIDER must be either 'runware' or 'mock', got: %s", cfg.ImageProvider)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
