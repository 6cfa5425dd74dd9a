package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN string

	// Cache
	RedisAddr string

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	AlertWebhookURL      string // optional

	// Circuit breaker tunables
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration
	BreakerSlowResponseMs   float64
	BreakerMonitorWindow    time.Duration

	// Per-model quota windows
	QuotaEnabled bool
	QuotaRPM     int
	QuotaRPH     int
	QuotaRPD     int

	// Caller rate limiting
	RateLimitEnabled   bool
	RateLimitPerWindow int
	RateLimitWindow    time.Duration

	// Ordered cascade candidates, highest priority first
	Providers []ProviderConfig
}

// ProviderConfig describes one cascade candidate. Entries come from the
// CASCADE_PROVIDERS env var as
// "name|base_url|model|timeout_ms[|key_env[|enabled]]" separated by
// commas, e.g.
//
//	CASCADE_PROVIDERS=openai|https://api.openai.com/v1|gpt-4o-mini|10000|OPENAI_API_KEY
//
// The trailing enabled segment pulls a candidate from the rotation
// without touching its key; it defaults to true.
type ProviderConfig struct {
	Name    string
	BaseURL string
	Model   string
	Timeout time.Duration
	APIKey  string
	Enabled bool
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		AlertWebhookURL:      os.Getenv("ALERT_WEBHOOK_URL"),
	}

	var err error
	if cfg.BreakerFailureThreshold, err = getEnvInt("BREAKER_FAILURE_THRESHOLD", 5); err != nil {
		return nil, err
	}
	if cfg.BreakerSuccessThreshold, err = getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2); err != nil {
		return nil, err
	}
	if cfg.BreakerTimeout, err = getEnvSeconds("BREAKER_TIMEOUT_SECONDS", 60); err != nil {
		return nil, err
	}
	slowMs, err := getEnvInt("BREAKER_SLOW_RESPONSE_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.BreakerSlowResponseMs = float64(slowMs)
	if cfg.BreakerMonitorWindow, err = getEnvSeconds("BREAKER_MONITOR_WINDOW_SECONDS", 60); err != nil {
		return nil, err
	}

	cfg.QuotaEnabled = getEnv("QUOTA_ENABLED", "true") == "true"
	if cfg.QuotaRPM, err = getEnvInt("QUOTA_REQUESTS_PER_MINUTE", 10); err != nil {
		return nil, err
	}
	if cfg.QuotaRPH, err = getEnvInt("QUOTA_REQUESTS_PER_HOUR", 100); err != nil {
		return nil, err
	}
	if cfg.QuotaRPD, err = getEnvInt("QUOTA_REQUESTS_PER_DAY", 1000); err != nil {
		return nil, err
	}

	cfg.RateLimitEnabled = getEnv("RATE_LIMIT_ENABLED", "true") == "true"
	if cfg.RateLimitPerWindow, err = getEnvInt("RATE_LIMIT_PER_MINUTE", 60); err != nil {
		return nil, err
	}
	cfg.RateLimitWindow = time.Minute

	cfg.Providers, err = parseProviders(os.Getenv("CASCADE_PROVIDERS"))
	if err != nil {
		return nil, err
	}

	// Validation
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("POSTGRES_DSN is required")
	}
	if cfg.RedisAddr == "" {
		return nil, fmt.Errorf("REDIS_ADDR is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("CASCADE_PROVIDERS is required")
	}

	return cfg, nil
}

func parseProviders(raw string) ([]ProviderConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var providers []ProviderConfig
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, "|")
		if len(parts) < 4 {
			return nil, fmt.Errorf("invalid CASCADE_PROVIDERS entry %q (want name|base_url|model|timeout_ms[|key_env[|enabled]])", entry)
		}
		timeoutMs, err := strconv.Atoi(parts[3])
		if err != nil || timeoutMs <= 0 {
			return nil, fmt.Errorf("invalid timeout in CASCADE_PROVIDERS entry %q", entry)
		}
		p := ProviderConfig{
			Name:    parts[0],
			BaseURL: parts[1],
			Model:   parts[2],
			Timeout: time.Duration(timeoutMs) * time.Millisecond,
			Enabled: true,
		}
		if len(parts) >= 5 && parts[4] != "" {
			p.APIKey = os.Getenv(parts[4])
		}
		if len(parts) >= 6 {
			enabled, err := strconv.ParseBool(parts[5])
			if err != nil {
				return nil, fmt.Errorf("invalid enabled flag in CASCADE_PROVIDERS entry %q", entry)
			}
			p.Enabled = enabled
		}
		providers = append(providers, p)
	}
	return providers, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	v, err := getEnvInt(key, fallback)
	if err != nil {
		return 0, err
	}
	return time.Duration(v) * time.Second, nil
}
