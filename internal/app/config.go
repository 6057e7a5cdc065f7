package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the full server configuration, loaded from HERETIX_* environment
// variables.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	// Provider credentials. The mock provider is always registered; the
	// OpenAI adapter only when its key is present.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	CapabilitiesPath string // optional YAML capability record for openai

	// Web evidence retrieval. Empty key disables the web lens; web_informed
	// runs then degrade to the prior.
	SerperAPIKey  string
	SerperBaseURL string
	RetrieveK     int
	WELReplicates int

	// Artifact storage: "disabled" or "local".
	ArtifactBackend string
	ArtifactRoot    string

	// HTTP hardening.
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// Outbound provider rate limits (token bucket fallback).
	ProviderRPS   float64
	ProviderBurst int

	// Caching and deadlines.
	RunCacheTTLSecs    int
	RunCacheEntries    int
	SampleCacheEntries int
	RunDeadlineSecs    int

	// Tracing.
	OtelEnabled  bool
	OtelEndpoint string

	// Temporal workflow engine.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("HERETIX_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("HERETIX_LOG_LEVEL", "info"),
		DBDSN:      getEnv("HERETIX_DB_DSN", "file:heretix.sqlite"),

		OpenAIAPIKey:     getEnv("HERETIX_OPENAI_API_KEY", ""),
		OpenAIBaseURL:    getEnv("HERETIX_OPENAI_BASE_URL", "https://api.openai.com"),
		CapabilitiesPath: getEnv("HERETIX_CAPABILITIES_PATH", ""),

		SerperAPIKey:  getEnv("HERETIX_SERPER_API_KEY", ""),
		SerperBaseURL: getEnv("HERETIX_SERPER_BASE_URL", "https://google.serper.dev"),
		RetrieveK:     getEnvInt("HERETIX_RETRIEVE_K", 12),
		WELReplicates: getEnvInt("HERETIX_WEL_REPLICATES", 3),

		ArtifactBackend: getEnv("HERETIX_ARTIFACT_BACKEND", "disabled"),
		ArtifactRoot:    getEnv("HERETIX_ARTIFACT_ROOT", "artifacts"),

		CORSOrigins:    getEnvStringSlice("HERETIX_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("HERETIX_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("HERETIX_RATE_LIMIT_BURST", 30),

		ProviderRPS:   getEnvFloat("HERETIX_PROVIDER_RPS", 5),
		ProviderBurst: getEnvInt("HERETIX_PROVIDER_BURST", 10),

		RunCacheTTLSecs:    getEnvInt("HERETIX_RUN_CACHE_TTL_SECS", 3600),
		RunCacheEntries:    getEnvInt("HERETIX_RUN_CACHE_ENTRIES", 512),
		SampleCacheEntries: getEnvInt("HERETIX_SAMPLE_CACHE_ENTRIES", 4096),
		RunDeadlineSecs:    getEnvInt("HERETIX_RUN_DEADLINE_SECS", 600),

		OtelEnabled:  getEnvBool("HERETIX_OTEL_ENABLED", false),
		OtelEndpoint: getEnv("HERETIX_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   getEnvBool("HERETIX_TEMPORAL_ENABLED", false),
		TemporalHostPort:  getEnv("HERETIX_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: getEnv("HERETIX_TEMPORAL_NAMESPACE", "heretix"),
		TemporalTaskQueue: getEnv("HERETIX_TEMPORAL_TASK_QUEUE", "heretix-checks"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects obviously invalid settings.
func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("HERETIX_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("HERETIX_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.RunDeadlineSecs <= 0 {
		return fmt.Errorf("HERETIX_RUN_DEADLINE_SECS must be > 0, got %d", c.RunDeadlineSecs)
	}
	if c.RetrieveK <= 0 {
		return fmt.Errorf("HERETIX_RETRIEVE_K must be > 0, got %d", c.RetrieveK)
	}
	switch c.ArtifactBackend {
	case "disabled", "local":
	default:
		return fmt.Errorf("HERETIX_ARTIFACT_BACKEND must be disabled or local, got %q", c.ArtifactBackend)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err == nil {
			return f
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
