package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend selectors for the state and health stores.
const (
	StorePostgres = "postgres"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// OAuthApp carries the platform-level OAuth client registration for one
// provider. These are platform definitions, not per-tenant credentials.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
}

// Config contains runtime configuration values.
type Config struct {
	Environment string
	ServiceName string
	HTTPPort    string

	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Credential vault key sourcing (priority: secret manager, then env).
	SecretsEndpoint   string
	SecretsToken      string
	SecretName        string
	EncryptionKey     string
	AllowEphemeralKey bool

	// OAuth broker behavior.
	CallbackBaseURL      string
	StateStore           string
	StateTTL             time.Duration
	StateCleanupInterval time.Duration
	RefreshBuffer        time.Duration
	ProviderTimeout      time.Duration
	OAuthApps            map[string]OAuthApp

	// Failover breaker.
	HealthStore      string
	BreakerThreshold int
	BreakerCooldown  time.Duration

	// Usage markup percentages, injected for callers that meter usage.
	MarkupOwnPct      float64
	MarkupPlatformPct float64

	RateLimitRPM      int
	TelemetryEndpoint string
	TelemetryInsecure bool
}

// Load reads configuration from environment variables with sane defaults.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getEnv("APP_ENV", "development"),
		ServiceName: getEnv("SERVICE_NAME", "railzway-integrations"),
		HTTPPort:    getEnv("HTTP_PORT", "8080"),

		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       getInt("REDIS_DB", 0),

		SecretsEndpoint:   strings.TrimSpace(os.Getenv("SECRETS_ENDPOINT")),
		SecretsToken:      os.Getenv("SECRETS_TOKEN"),
		SecretName:        getEnv("SECRET_NAME", "integrations-encryption-key"),
		EncryptionKey:     os.Getenv("ENCRYPTION_KEY"),
		AllowEphemeralKey: getBool("ALLOW_EPHEMERAL_KEY", false),

		CallbackBaseURL:      strings.TrimRight(getEnv("CALLBACK_BASE_URL", "http://localhost:8080"), "/"),
		StateStore:           getEnv("STATE_STORE", "postgres"),
		StateTTL:             getDuration("OAUTH_STATE_TTL", 10*time.Minute),
		StateCleanupInterval: getDuration("STATE_CLEANUP_INTERVAL", 5*time.Minute),
		RefreshBuffer:        getDuration("TOKEN_REFRESH_BUFFER", 5*time.Minute),
		ProviderTimeout:      getDuration("PROVIDER_TIMEOUT", 10*time.Second),
		OAuthApps:            loadOAuthApps(),

		HealthStore:      getEnv("HEALTH_STORE", "memory"),
		BreakerThreshold: getInt("BREAKER_THRESHOLD", 3),
		BreakerCooldown:  getDuration("BREAKER_COOLDOWN", 5*time.Minute),

		MarkupOwnPct:      getFloat("MARKUP_OWN_PCT", 0),
		MarkupPlatformPct: getFloat("MARKUP_PLATFORM_PCT", 0),

		RateLimitRPM:      getInt("RATE_LIMIT_RPM", 600),
		TelemetryEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TelemetryInsecure: getBool("OTEL_EXPORTER_OTLP_INSECURE", true),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}
	switch cfg.StateStore {
	case StorePostgres, StoreRedis:
	default:
		return Config{}, fmt.Errorf("STATE_STORE must be postgres or redis, got %q", cfg.StateStore)
	}
	switch cfg.HealthStore {
	case StoreMemory, StoreRedis:
	default:
		return Config{}, fmt.Errorf("HEALTH_STORE must be memory or redis, got %q", cfg.HealthStore)
	}
	if cfg.BreakerThreshold < 1 {
		cfg.BreakerThreshold = 1
	}

	return cfg, nil
}

// loadOAuthApps scans the environment for OAUTH_APP_<PROVIDER>_CLIENT_ID /
// _CLIENT_SECRET pairs.
func loadOAuthApps() map[string]OAuthApp {
	apps := make(map[string]OAuthApp)
	const prefix = "OAUTH_APP_"
	const idSuffix = "_CLIENT_ID"
	for _, entry := range os.Environ() {
		key, value, ok := strings.Cut(entry, "=")
		if !ok || !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, idSuffix) {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(key, prefix), idSuffix)
		if name == "" || strings.TrimSpace(value) == "" {
			continue
		}
		provider := strings.ToLower(name)
		apps[provider] = OAuthApp{
			ClientID:     strings.TrimSpace(value),
			ClientSecret: os.Getenv(prefix + name + "_CLIENT_SECRET"),
		}
	}
	return apps
}

func getEnv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(v) {
		case "1", "true", "t", "yes", "y", "on":
			return true
		case "0", "false", "f", "no", "n", "off":
			return false
		}
	}
	return def
}
