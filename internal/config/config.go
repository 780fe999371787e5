package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	SnowflakeNode int64
	AuthJWTSecret string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBRunMigrations   bool

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Staging   StagingConfig
	Storage   StorageConfig
	Providers ProvidersConfig
	Billing   BillingConfig
	Events    EventsConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	Enabled            bool
	StagingCreateRate  float64
	StagingCreateBurst int
}

// StagingConfig controls job pricing and upload limits.
type StagingConfig struct {
	CreditsPerStaging int64
	MaxImageBytes     int64
	// MaxInlineImageBytes caps the data-URL fallback used when object storage is unavailable.
	MaxInlineImageBytes int64
	PrimaryLockTTL      time.Duration
	DownloadTimeout     time.Duration
	// PollCacheTTL throttles provider status calls for a job still running.
	PollCacheTTL time.Duration
}

type StorageConfig struct {
	Backend       string
	Bucket        string
	Prefix        string
	PublicBaseURL string

	S3Endpoint     string
	S3Region       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool

	GCSCredentialsFile string
}

type ProvidersConfig struct {
	OpenAIAPIKey  string
	OpenAIBaseURL string
	OpenAIModel   string
	OpenAISize    string

	ReplicateAPIToken string
	ReplicateBaseURL  string
	ReplicateVersion  string

	RequestTimeout time.Duration
}

type BillingConfig struct {
	StripeWebhookSecret string
}

type EventsConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "stagecraft"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		SnowflakeNode:     getenvInt64("SNOWFLAKE_NODE", 1),
		AuthJWTSecret:     strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "stagecraft"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 10)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 50)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 300)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 60)),
		DBRunMigrations:   getenvBool("DATABASE_RUN_MIGRATIONS", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		RateLimit: RateLimitConfig{
			Enabled:            getenvBool("RATE_LIMIT_ENABLED", false),
			StagingCreateRate:  getenvFloat("RATE_LIMIT_STAGING_CREATE_RATE", 0.2),
			StagingCreateBurst: int(getenvInt64("RATE_LIMIT_STAGING_CREATE_BURST", 5)),
		},
		Staging: StagingConfig{
			CreditsPerStaging:   getenvInt64("CREDITS_PER_STAGING", 1),
			MaxImageBytes:       getenvInt64("STAGING_MAX_IMAGE_BYTES", 10<<20),
			MaxInlineImageBytes: getenvInt64("STAGING_MAX_INLINE_IMAGE_BYTES", 2<<20),
			PrimaryLockTTL:      time.Duration(getenvInt64("STAGING_PRIMARY_LOCK_TTL_MS", 5000)) * time.Millisecond,
			DownloadTimeout:     time.Duration(getenvInt64("STAGING_DOWNLOAD_TIMEOUT_SECONDS", 60)) * time.Second,
			PollCacheTTL:        time.Duration(getenvInt64("STAGING_POLL_CACHE_TTL_MS", 2000)) * time.Millisecond,
		},
		Storage: StorageConfig{
			Backend:            strings.ToLower(getenv("STORAGE_BACKEND", "inline")),
			Bucket:             strings.TrimSpace(getenv("STORAGE_BUCKET", "")),
			Prefix:             getenv("STORAGE_PREFIX", "staging"),
			PublicBaseURL:      strings.TrimSpace(getenv("STORAGE_PUBLIC_BASE_URL", "")),
			S3Endpoint:         strings.TrimSpace(getenv("S3_ENDPOINT", "")),
			S3Region:           getenv("S3_REGION", "us-east-1"),
			S3AccessKey:        strings.TrimSpace(getenv("S3_ACCESS_KEY", "")),
			S3SecretKey:        strings.TrimSpace(getenv("S3_SECRET_KEY", "")),
			S3UsePathStyle:     getenvBool("S3_USE_PATH_STYLE", false),
			GCSCredentialsFile: strings.TrimSpace(getenv("GCS_CREDENTIALS_FILE", "")),
		},
		Providers: ProvidersConfig{
			OpenAIAPIKey:      strings.TrimSpace(getenv("OPENAI_API_KEY", "")),
			OpenAIBaseURL:     getenv("OPENAI_BASE_URL", "https://api.openai.com"),
			OpenAIModel:       getenv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
			OpenAISize:        getenv("OPENAI_IMAGE_SIZE", "1536x1024"),
			ReplicateAPIToken: strings.TrimSpace(getenv("REPLICATE_API_TOKEN", "")),
			ReplicateBaseURL:  getenv("REPLICATE_BASE_URL", "https://api.replicate.com"),
			ReplicateVersion:  strings.TrimSpace(getenv("REPLICATE_MODEL_VERSION", "")),
			RequestTimeout:    time.Duration(getenvInt64("PROVIDER_REQUEST_TIMEOUT_SECONDS", 120)) * time.Second,
		},
		Billing: BillingConfig{
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
		},
		Events: EventsConfig{
			KafkaBrokers: splitList(getenv("KAFKA_BROKERS", "")),
			KafkaTopic:   getenv("KAFKA_TOPIC", "stagecraft.events"),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
