package app

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr          string
	SearchTimeout     time.Duration
	ClientTimeout     time.Duration
	LogLevel          string
	LogFormat         string
	UserAgent         string
	CacheTTL          time.Duration
	CacheMaxEntries   int
	CacheDisabled     bool
	CacheDBPath       string
	RedisURL          string
	SessionPageSize   int
	RateLimitRPS      float64
	RateLimitBurst    int
	SourceRateRPS     float64
	SourceRateBurst   int
	ImageProxyEnabled bool
	Smithsonian       SourceConfig
	Europeana         SourceConfig
}

// SourceConfig holds one upstream collection API's connection and batching
// settings.
type SourceConfig struct {
	Endpoint      string
	APIKey        string
	PageSize      int
	MaxBatches    int
	MaxConcurrent int
}

func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		SearchTimeout:     getEnvDuration("SEARCH_TIMEOUT", 60*time.Second),
		ClientTimeout:     getEnvDuration("HTTP_CLIENT_TIMEOUT", 30*time.Second),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(getEnv("LOG_FORMAT", "text")),
		UserAgent:         getEnv("SEARCH_USER_AGENT", "musehub-search/1.0"),
		CacheTTL:          getEnvDuration("CACHE_TTL", 30*time.Minute),
		CacheMaxEntries:   getEnvInt("CACHE_MAX_ENTRIES", 256),
		CacheDisabled:     getEnvBool("CACHE_DISABLED", false),
		CacheDBPath:       getEnv("CACHE_DB_PATH", ""),
		RedisURL:          getEnv("REDIS_URL", ""),
		SessionPageSize:   getEnvInt("SESSION_PAGE_SIZE", 20),
		RateLimitRPS:      getEnvFloat("RATE_LIMIT_RPS", 50),
		RateLimitBurst:    getEnvInt("RATE_LIMIT_BURST", 100),
		SourceRateRPS:     getEnvFloat("SOURCE_RATE_LIMIT_RPS", 4),
		SourceRateBurst:   getEnvInt("SOURCE_RATE_LIMIT_BURST", 8),
		ImageProxyEnabled: getEnvBool("IMAGE_PROXY_ENABLED", true),
		Smithsonian: SourceConfig{
			Endpoint:      getEnv("SMITHSONIAN_ENDPOINT", "https://api.si.edu/openaccess/api/v1.0"),
			APIKey:        strings.TrimSpace(os.Getenv("SMITHSONIAN_API_KEY")),
			PageSize:      getEnvInt("SMITHSONIAN_PAGE_SIZE", 1000),
			MaxBatches:    getEnvInt("SMITHSONIAN_MAX_BATCHES", 50),
			MaxConcurrent: getEnvInt("SMITHSONIAN_MAX_CONCURRENT", 5),
		},
		Europeana: SourceConfig{
			Endpoint:      getEnv("EUROPEANA_ENDPOINT", "https://api.europeana.eu/record/v2"),
			APIKey:        strings.TrimSpace(os.Getenv("EUROPEANA_API_KEY")),
			PageSize:      getEnvInt("EUROPEANA_PAGE_SIZE", 100),
			MaxBatches:    getEnvInt("EUROPEANA_MAX_BATCHES", 10),
			MaxConcurrent: getEnvInt("EUROPEANA_MAX_CONCURRENT", 3),
		},
	}
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
