// Package config loads billingd settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Storage backends understood by billingd.
const (
	StorageMemory    = "memory"
	StoragePostgres  = "postgres"
	StorageRedis     = "redis"
	StorageFirestore = "firestore"
	StorageTiered    = "tiered"
)

// Gateways understood by billingd.
const (
	GatewayNone   = "none"
	GatewayGoPay  = "gopay"
	GatewayStripe = "stripe"
)

type Config struct {
	Env       string
	LogLevel  string
	LogFormat string
	Port      int

	Storage   string
	Postgres  PostgresConfig
	Redis     RedisConfig
	Firestore FirestoreConfig

	Gateway string
	GoPay   GoPayConfig
	Stripe  StripeConfig

	Billing BillingConfig
	Server  ServerConfig

	// AdminToken enables the /v1/admin routes. Empty disables them.
	AdminToken string

	// SweepSchedule is a cron expression. Empty disables the in-process sweep.
	SweepSchedule string

	MetricsNamespace string
}

type PostgresConfig struct {
	URL      string
	MaxConns int
}

type RedisConfig struct {
	URL       string
	KeyPrefix string
}

type FirestoreConfig struct {
	ProjectID string
}

type GoPayConfig struct {
	ClientID        string
	ClientSecret    string
	GoID            int64
	BaseURL         string
	NotificationURL string
	WebhookSecret   string
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

type BillingConfig struct {
	Currency          string
	Location          string
	TrialDays         int
	GracePeriod       time.Duration
	MaxFailedPayments int
	ReturnURL         string
	WebhookWorkers    int
	WebhookQueueSize  int
}

type ServerConfig struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Load reads .env (from the working directory or up to two parents) and then
// the process environment.
func Load() (*Config, error) {
	loadDotEnv()

	cfg := &Config{
		Env:       getEnv("ENV", "dev"),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", ""),
		Port:      getEnvInt("PORT", 8080),
		Storage:   strings.ToLower(getEnv("STORAGE", StorageMemory)),
		Postgres: PostgresConfig{
			URL:      getEnv("DATABASE_URL", ""),
			MaxConns: getEnvInt("DATABASE_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL:       getEnv("REDIS_URL", "redis://localhost:6379/0"),
			KeyPrefix: getEnv("REDIS_KEY_PREFIX", "gobilling:"),
		},
		Firestore: FirestoreConfig{
			ProjectID: getEnv("FIRESTORE_PROJECT_ID", ""),
		},
		Gateway: strings.ToLower(getEnv("GATEWAY", GatewayNone)),
		GoPay: GoPayConfig{
			ClientID:        getEnv("GOPAY_CLIENT_ID", ""),
			ClientSecret:    getEnv("GOPAY_CLIENT_SECRET", ""),
			GoID:            getEnvInt64("GOPAY_GOID", 0),
			BaseURL:         getEnv("GOPAY_BASE_URL", ""),
			NotificationURL: getEnv("GOPAY_NOTIFICATION_URL", ""),
			WebhookSecret:   getEnv("GOPAY_WEBHOOK_SECRET", ""),
		},
		Stripe: StripeConfig{
			SecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),
			SuccessURL:    getEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:     getEnv("STRIPE_CANCEL_URL", ""),
		},
		Billing: BillingConfig{
			Currency:          strings.ToUpper(getEnv("BILLING_CURRENCY", "CZK")),
			Location:          getEnv("BILLING_TIMEZONE", "UTC"),
			TrialDays:         getEnvInt("TRIAL_DAYS", 30),
			GracePeriod:       getEnvDuration("GRACE_PERIOD", 7*24*time.Hour),
			MaxFailedPayments: getEnvInt("MAX_FAILED_PAYMENTS", 3),
			ReturnURL:         getEnv("RETURN_URL", ""),
			WebhookWorkers:    getEnvInt("WEBHOOK_WORKERS", 4),
			WebhookQueueSize:  getEnvInt("WEBHOOK_QUEUE_SIZE", 1024),
		},
		Server: ServerConfig{
			ReadTimeout:     getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvDuration("HTTP_SHUTDOWN_TIMEOUT", 15*time.Second),
		},
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		SweepSchedule:    getEnv("SWEEP_SCHEDULE", "*/15 * * * *"),
		MetricsNamespace: getEnv("METRICS_NAMESPACE", "gobilling"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the selected backends have what they need.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid LOG_LEVEL %q", c.LogLevel)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}

	switch c.Storage {
	case StorageMemory:
		if c.Env == "prod" {
			return fmt.Errorf("STORAGE=memory is not allowed in prod")
		}
	case StoragePostgres, StorageTiered:
		if c.Postgres.URL == "" {
			return fmt.Errorf("DATABASE_URL is required for STORAGE=%s", c.Storage)
		}
	case StorageRedis:
	case StorageFirestore:
		if c.Firestore.ProjectID == "" {
			return fmt.Errorf("FIRESTORE_PROJECT_ID is required for STORAGE=firestore")
		}
	default:
		return fmt.Errorf("unknown STORAGE %q", c.Storage)
	}

	switch c.Gateway {
	case GatewayNone:
	case GatewayGoPay:
		if c.GoPay.ClientID == "" || c.GoPay.ClientSecret == "" || c.GoPay.GoID == 0 {
			return fmt.Errorf("GOPAY_CLIENT_ID, GOPAY_CLIENT_SECRET and GOPAY_GOID are required for GATEWAY=gopay")
		}
		if c.GoPay.WebhookSecret == "" {
			return fmt.Errorf("GOPAY_WEBHOOK_SECRET is required for GATEWAY=gopay")
		}
	case GatewayStripe:
		if c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required for GATEWAY=stripe")
		}
	default:
		return fmt.Errorf("unknown GATEWAY %q", c.Gateway)
	}

	if _, err := time.LoadLocation(c.Billing.Location); err != nil {
		return fmt.Errorf("invalid BILLING_TIMEZONE %q: %w", c.Billing.Location, err)
	}
	if c.Billing.MaxFailedPayments < 1 {
		return fmt.Errorf("MAX_FAILED_PAYMENTS must be at least 1")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// TimeLocation is the reporting time zone. Validate has already checked it.
func (c *Config) TimeLocation() *time.Location {
	loc, err := time.LoadLocation(c.Billing.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

func loadDotEnv() {
	if err := godotenv.Load(); err == nil {
		return
	}
	dir, _ := os.Getwd()
	for i := 0; i < 2; i++ {
		dir = filepath.Join(dir, "..")
		if err := godotenv.Load(filepath.Join(dir, ".env")); err == nil {
			return
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.ParseInt(value, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
