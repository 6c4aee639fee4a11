package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
	BackendMemory   = "memory"

	FallbackMemory = "memory"
	FallbackNone   = "none"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App       AppConfig
	Logger    LoggerConfig
	Storage   StorageConfig
	Postgres  PostgresConfig
	Mongo     MongoConfig
	Redis     RedisConfig
	Admin     AdminConfig
	RateLimit RateLimitConfig
	Mail      MailConfig
	Forward   ForwardConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name           string
	Env            string
	Host           string
	Port           string
	Version        string
	GinMode        string
	TracingEnabled bool
	// TrustedProxies may set X-Forwarded-For. Empty trusts no proxy, so the
	// client IP is always the socket peer.
	TrustedProxies []string
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// StorageConfig selects the subscription backends.
type StorageConfig struct {
	Backend     string
	Fallback    string
	StatsTTL    time.Duration
	RecentLimit int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection values. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AdminConfig guards the admin routes with basic auth when User is set.
type AdminConfig struct {
	User     string
	Password string
}

type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// MailConfig configures the contact form transport.
type MailConfig struct {
	SMTPHost  string
	SMTPPort  int
	SMTPUser  string
	SMTPPass  string
	From      string
	ContactTo string
}

// ForwardConfig holds credentials for external mailing-list providers.
// A provider with missing credentials is skipped.
type ForwardConfig struct {
	ConvertKitAPIKey  string
	ConvertKitFormID  string
	MailerLiteAPIKey  string
	MailerLiteGroupID string
	BrevoAPIKey       string
	BrevoListID       int
	MailchimpAPIKey   string
	MailchimpListID   string
	DaprPubSubName    string
	DaprTopic         string
	Preferred         string
	Timeout           time.Duration
}

// Load reads configuration from a .env file and the environment, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:           getEnv("APP_NAME", "advocacy-site"),
			Env:            getEnv("APP_ENV", "development"),
			Host:           getEnv("APP_HOST", "0.0.0.0"),
			Port:           getEnv("APP_PORT", "8080"),
			Version:        getEnv("APP_VERSION", "dev"),
			GinMode:        os.Getenv("GIN_MODE"),
			TracingEnabled: getEnvAsBool("TRACING_ENABLED", true),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES"),
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Storage: StorageConfig{
			Backend:     strings.ToLower(getEnv("STORE_BACKEND", defaultBackend())),
			Fallback:    strings.ToLower(getEnv("SUBSCRIPTION_FALLBACK", FallbackMemory)),
			StatsTTL:    time.Duration(getEnvAsInt("STATS_CACHE_TTL_SECONDS", 60)) * time.Second,
			RecentLimit: getEnvAsInt("RECENT_LIMIT", 5),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10)),
			MinConns:       int32(getEnvAsInt("POSTGRES_MIN_CONNS", 1)),
			RunMigrations:  getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
			ConnMaxIdleSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30)),
			ConnMaxLifeSec: int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300)),
		},
		Mongo: MongoConfig{
			URI:      os.Getenv("MONGO_URI"),
			Database: getEnv("MONGO_DATABASE", "advocacy_site"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Admin: AdminConfig{
			User:     os.Getenv("ADMIN_USER"),
			Password: os.Getenv("ADMIN_PASSWORD"),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 10),
			Burst:     getEnvAsInt("RATE_LIMIT_BURST", 5),
		},
		Mail: MailConfig{
			SMTPHost:  os.Getenv("SMTP_HOST"),
			SMTPPort:  getEnvAsInt("SMTP_PORT", 587),
			SMTPUser:  os.Getenv("SMTP_USER"),
			SMTPPass:  os.Getenv("SMTP_PASS"),
			From:      getEnv("EMAIL_FROM", "noreply@example.org"),
			ContactTo: getEnv("CONTACT_TO", "info@example.org"),
		},
		Forward: ForwardConfig{
			ConvertKitAPIKey:  os.Getenv("CONVERTKIT_API_KEY"),
			ConvertKitFormID:  os.Getenv("CONVERTKIT_FORM_ID"),
			MailerLiteAPIKey:  os.Getenv("MAILERLITE_API_KEY"),
			MailerLiteGroupID: os.Getenv("MAILERLITE_GROUP_ID"),
			BrevoAPIKey:       os.Getenv("BREVO_API_KEY"),
			BrevoListID:       getEnvAsInt("BREVO_LIST_ID", 0),
			MailchimpAPIKey:   os.Getenv("MAILCHIMP_API_KEY"),
			MailchimpListID:   os.Getenv("MAILCHIMP_LIST_ID"),
			DaprPubSubName:    os.Getenv("DAPR_PUBSUB_NAME"),
			DaprTopic:         getEnv("DAPR_TOPIC", "subscription.accepted"),
			Preferred:         strings.ToLower(os.Getenv("FORWARD_PREFERRED")),
			Timeout:           time.Duration(getEnvAsInt("FORWARD_TIMEOUT_SECONDS", 10)) * time.Second,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the application cannot start with.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			return fmt.Errorf("STORE_BACKEND=postgres requires POSTGRES_DSN")
		}
	case BackendMongo:
		if c.Mongo.URI == "" {
			return fmt.Errorf("STORE_BACKEND=mongo requires MONGO_URI")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.Storage.Backend)
	}

	switch c.Storage.Fallback {
	case FallbackMemory, FallbackNone:
	default:
		return fmt.Errorf("unknown SUBSCRIPTION_FALLBACK %q", c.Storage.Fallback)
	}

	for _, proxy := range c.App.TrustedProxies {
		if net.ParseIP(proxy) == nil {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid TRUSTED_PROXIES entry %q", proxy)
			}
		}
	}

	if c.RateLimit.PerMinute < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate limit values must not be negative")
	}
	return nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// FallbackEnabled reports whether failed primary writes may land in process memory.
func (s StorageConfig) FallbackEnabled() bool {
	return s.Fallback == FallbackMemory && s.Backend != BackendMemory
}

// defaultBackend picks Postgres when a DSN is present, Mongo when only a URI is, memory otherwise.
func defaultBackend() string {
	switch {
	case os.Getenv("POSTGRES_DSN") != "":
		return BackendPostgres
	case os.Getenv("MONGO_URI") != "":
		return BackendMongo
	default:
		return BackendMemory
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
