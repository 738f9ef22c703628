// Package config builds the gateway configuration from environment variables.
// Every option has a sane default so a bare `gateway` binary starts against a
// local service topology; only a malformed registry override halts startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Default cache retention windows. Exposed at package level so tests and
// stores share one source of truth.
var (
	HealthCacheTTL   = 30 * time.Second
	IdentityCacheTTL = 5 * time.Minute
	SweepInterval    = time.Minute
)

// ServiceConfig describes one downstream service entry for the registry.
type ServiceConfig struct {
	Name        string        `json:"name"`
	BaseURL     string        `json:"base_url"`
	HealthPath  string        `json:"health_path"`
	RoutePrefix string        `json:"route_prefix"`
	MountPath   string        `json:"mount_path"`
	Timeout     time.Duration `json:"-"`
	// TimeoutSeconds is the JSON-facing form of Timeout for registry overrides.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// RetryConfig bounds the proxy retry loop.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
}

// RateLimitConfig sets the fixed-window rate limiter.
type RateLimitConfig struct {
	Window  time.Duration
	Ceiling int
	// Store selects the window store backend: memory, redis, or postgres.
	Store string
}

// RedisConfig configures the optional Redis connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the optional audit event sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Server captures the full gateway configuration.
type Server struct {
	Addr             string
	JWTSigningKey    string
	JWTIssuer        string
	JWTAudience      string
	Registry         []ServiceConfig
	HealthCacheTTL   time.Duration
	IdentityCacheTTL time.Duration
	SweepInterval    time.Duration
	ProbeTimeout     time.Duration
	Retry            RetryConfig
	RateLimit        RateLimitConfig
	Redis            RedisConfig
	PostgresURL      string
	Kafka            KafkaConfig
}

// defaultRegistry is the itroad service topology. Base addresses are
// overridable per service via <NAME>_SERVICE_URL.
func defaultRegistry() []ServiceConfig {
	return []ServiceConfig{
		{Name: "identity", BaseURL: "http://localhost:3001", HealthPath: "/health", RoutePrefix: "/auth", MountPath: "/api/auth", Timeout: 30 * time.Second},
		{Name: "profile", BaseURL: "http://localhost:3002", HealthPath: "/health", RoutePrefix: "/profile", MountPath: "/api/profile", Timeout: 30 * time.Second},
		{Name: "document", BaseURL: "http://localhost:3003", HealthPath: "/health", RoutePrefix: "/documents", MountPath: "/api/documents", Timeout: 60 * time.Second},
		{Name: "property", BaseURL: "http://localhost:3004", HealthPath: "/health", RoutePrefix: "/properties", MountPath: "/api/properties", Timeout: 30 * time.Second},
		{Name: "transaction", BaseURL: "http://localhost:3005", HealthPath: "/health", RoutePrefix: "/transactions", MountPath: "/api/transactions", Timeout: 30 * time.Second},
	}
}

// FromEnv builds a Server config from environment variables so main stays
// lean. The only fatal condition is a malformed GATEWAY_REGISTRY override.
func FromEnv() (Server, error) {
	registry, err := registryFromEnv()
	if err != nil {
		return Server{}, err
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Development default; must be overridden in production.
		jwtSigningKey = "dev-secret-key-change-in-production"
	}

	return Server{
		Addr:             envString("GATEWAY_ADDR", ":8080"),
		JWTSigningKey:    jwtSigningKey,
		JWTIssuer:        envString("JWT_ISSUER", "itroad-identity"),
		JWTAudience:      envString("JWT_AUDIENCE", "itroad"),
		Registry:         registry,
		HealthCacheTTL:   envDuration("HEALTH_CACHE_TTL", HealthCacheTTL),
		IdentityCacheTTL: envDuration("IDENTITY_CACHE_TTL", IdentityCacheTTL),
		SweepInterval:    envDuration("CACHE_SWEEP_INTERVAL", SweepInterval),
		ProbeTimeout:     envDuration("HEALTH_PROBE_TIMEOUT", 5*time.Second),
		Retry: RetryConfig{
			MaxRetries: envInt("PROXY_MAX_RETRIES", 2),
			Backoff:    envDuration("PROXY_RETRY_BACKOFF", time.Second),
		},
		RateLimit: RateLimitConfig{
			Window:  envDuration("RATE_LIMIT_WINDOW", time.Minute),
			Ceiling: envInt("RATE_LIMIT_CEILING", 100),
			Store:   envString("RATE_LIMIT_STORE", "memory"),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
		},
		PostgresURL: os.Getenv("POSTGRES_URL"),
		Kafka: KafkaConfig{
			Brokers: envList("KAFKA_BROKERS"),
			Topic:   envString("KAFKA_AUDIT_TOPIC", "gateway.audit"),
		},
	}, nil
}

// registryFromEnv returns the service table: defaults, then per-service URL
// and timeout overrides, then an optional full-table JSON override.
func registryFromEnv() ([]ServiceConfig, error) {
	if raw := os.Getenv("GATEWAY_REGISTRY"); raw != "" {
		var entries []ServiceConfig
		if err := json.Unmarshal([]byte(raw), &entries); err != nil {
			return nil, fmt.Errorf("malformed GATEWAY_REGISTRY: %w", err)
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("malformed GATEWAY_REGISTRY: no services defined")
		}
		for i := range entries {
			if entries[i].HealthPath == "" {
				entries[i].HealthPath = "/health"
			}
			if entries[i].TimeoutSeconds > 0 {
				entries[i].Timeout = time.Duration(entries[i].TimeoutSeconds) * time.Second
			}
			if entries[i].Timeout <= 0 {
				entries[i].Timeout = 30 * time.Second
			}
		}
		return entries, nil
	}

	entries := defaultRegistry()
	for i := range entries {
		upper := strings.ToUpper(entries[i].Name)
		if url := os.Getenv(upper + "_SERVICE_URL"); url != "" {
			entries[i].BaseURL = url
		}
		entries[i].Timeout = envDuration(upper+"_SERVICE_TIMEOUT", entries[i].Timeout)
	}
	return entries, nil
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
