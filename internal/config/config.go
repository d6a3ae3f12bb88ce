// Package config reads process configuration from TOLLGATE_* environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Counter backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config is the resolved process configuration.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	PGDSN          string
	AutoMigrate    bool
	CounterBackend string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPrefix    string

	AMQPURL       string
	AuthSecret    string
	AuthIssuer    string
	BillingSecret string

	PlansFile     string
	NearLimit     float64
	StoreTimeout  time.Duration
	StoreRetries  int
	RateBurst     int
	RatePerSecond int
	InviteTTL     time.Duration
}

// Load reads the environment through os.LookupEnv.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration through lookup so tests can supply a map.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	e := env{lookup: lookup}
	cfg := Config{
		HTTPAddr:       e.str("TOLLGATE_HTTP_ADDR", ":8080"),
		GRPCAddr:       e.str("TOLLGATE_GRPC_ADDR", ":9090"),
		PGDSN:          e.str("TOLLGATE_PG_DSN", ""),
		AutoMigrate:    e.boolean("TOLLGATE_AUTO_MIGRATE", true),
		CounterBackend: strings.ToLower(e.str("TOLLGATE_COUNTER_BACKEND", "")),
		RedisAddr:      e.str("TOLLGATE_REDIS_ADDR", "localhost:6379"),
		RedisPassword:  e.str("TOLLGATE_REDIS_PASSWORD", ""),
		RedisDB:        e.integer("TOLLGATE_REDIS_DB", 0),
		RedisPrefix:    e.str("TOLLGATE_REDIS_PREFIX", "tollgate"),
		AMQPURL:        e.str("TOLLGATE_AMQP_URL", ""),
		AuthSecret:     e.str("TOLLGATE_AUTH_SECRET", ""),
		AuthIssuer:     e.str("TOLLGATE_AUTH_ISSUER", ""),
		BillingSecret:  e.str("TOLLGATE_BILLING_SECRET", ""),
		PlansFile:      e.str("TOLLGATE_PLANS_FILE", ""),
		NearLimit:      e.float("TOLLGATE_NEAR_LIMIT", 0.8),
		StoreTimeout:   e.duration("TOLLGATE_STORE_TIMEOUT", 2*time.Second),
		StoreRetries:   e.integer("TOLLGATE_STORE_RETRIES", 3),
		RateBurst:      e.integer("TOLLGATE_RATE_BURST", 50),
		RatePerSecond:  e.integer("TOLLGATE_RATE_PER_SEC", 25),
		InviteTTL:      e.duration("TOLLGATE_INVITE_TTL", 72*time.Hour),
	}
	if cfg.CounterBackend == "" {
		cfg.CounterBackend = BackendMemory
		if cfg.PGDSN != "" {
			cfg.CounterBackend = BackendPostgres
		}
	}
	if len(e.errs) > 0 {
		return Config{}, errors.Join(e.errs...)
	}
	return cfg, cfg.Validate()
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AuthSecret) == "" {
		errs = append(errs, errors.New("config: TOLLGATE_AUTH_SECRET is required"))
	}
	switch c.CounterBackend {
	case BackendMemory, BackendRedis:
	case BackendPostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("config: postgres counter backend needs TOLLGATE_PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown counter backend %q", c.CounterBackend))
	}
	if c.NearLimit <= 0 || c.NearLimit > 1 {
		errs = append(errs, fmt.Errorf("config: TOLLGATE_NEAR_LIMIT must be in (0, 1], got %v", c.NearLimit))
	}
	if c.StoreTimeout <= 0 {
		errs = append(errs, errors.New("config: TOLLGATE_STORE_TIMEOUT must be positive"))
	}
	if c.StoreRetries < 1 {
		errs = append(errs, errors.New("config: TOLLGATE_STORE_RETRIES must be at least 1"))
	}
	return errors.Join(errs...)
}

type env struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *env) str(key, def string) string {
	if v, ok := e.lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func (e *env) integer(key string, def int) int {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	raw := e.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}
