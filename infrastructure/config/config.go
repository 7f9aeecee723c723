package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	ServerAddress string `yaml:"server_address"`
	Environment   string `yaml:"environment"`
	LogLevel      string `yaml:"log_level"`

	// Store backend: "supabase" or "memory"
	StoreBackend string         `yaml:"store_backend"`
	Supabase     SupabaseConfig `yaml:"supabase"`

	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Resilience ResilienceConfig `yaml:"resilience"`

	// Activity fan-out
	ActivityEventBus string `yaml:"activity_event_bus"`
	AWSRegion        string `yaml:"aws_region"`

	// Feature flags
	EnableMetrics  bool     `yaml:"enable_metrics"`
	EnableTracing  bool     `yaml:"enable_tracing"`
	EnableCORS     bool     `yaml:"enable_cors"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	OTLPEndpoint   string   `yaml:"otlp_endpoint"`

	// ConfigDir is where layered YAML files live; empty disables them.
	ConfigDir string `yaml:"-"`
	// LoadedFrom lists the sources applied, lowest priority first.
	LoadedFrom []string `yaml:"-"`
}

// SupabaseConfig points at the hosted project.
type SupabaseConfig struct {
	URL       string `yaml:"url"`
	AnonKey   string `yaml:"anon_key"`
	JWTSecret string `yaml:"jwt_secret"`
	Schema    string `yaml:"schema"`
}

// ReconcileConfig holds the timing knobs of vault sessions. They can be
// reloaded at runtime.
type ReconcileConfig struct {
	AuthorityWindow     time.Duration `yaml:"authority_window"`
	StaleAfter          time.Duration `yaml:"stale_after"`
	ReapInterval        time.Duration `yaml:"reap_interval"`
	AutosaveDelay       time.Duration `yaml:"autosave_delay"`
	DuplicateCheckDelay time.Duration `yaml:"duplicate_check_delay"`
	SessionCacheSize    int           `yaml:"session_cache_size"`
}

// ResilienceConfig configures the circuit breaker and retries around the
// remote store.
type ResilienceConfig struct {
	BreakerMaxRequests uint32        `yaml:"breaker_max_requests"`
	BreakerInterval    time.Duration `yaml:"breaker_interval"`
	BreakerTimeout     time.Duration `yaml:"breaker_timeout"`
	BreakerFailures    uint32        `yaml:"breaker_failures"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay      time.Duration `yaml:"retry_max_delay"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ServerAddress: ":8080",
		Environment:   "development",
		LogLevel:      "info",
		StoreBackend:  "memory",
		Supabase:      SupabaseConfig{Schema: "public"},
		Reconcile: ReconcileConfig{
			AuthorityWindow:     2 * time.Second,
			StaleAfter:          30 * time.Second,
			ReapInterval:        5 * time.Second,
			AutosaveDelay:       3 * time.Second,
			DuplicateCheckDelay: 500 * time.Millisecond,
			SessionCacheSize:    8,
		},
		Resilience: ResilienceConfig{
			BreakerMaxRequests: 1,
			BreakerInterval:    time.Minute,
			BreakerTimeout:     30 * time.Second,
			BreakerFailures:    5,
			RetryAttempts:      3,
			RetryBaseDelay:     200 * time.Millisecond,
			RetryMaxDelay:      2 * time.Second,
		},
		AWSRegion:      "us-west-2",
		EnableCORS:     true,
		AllowedOrigins: []string{"*"},
	}
}

// LoadConfig loads configuration from defaults, the YAML layers under
// CONFIG_DIR (if set) and environment variables, in that order.
func LoadConfig() (*Config, error) {
	cfg := Defaults()
	cfg.LoadedFrom = []string{"defaults"}
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.ConfigDir = getEnv("CONFIG_DIR", "")

	if cfg.ConfigDir != "" {
		if err := NewLoader(cfg.ConfigDir, cfg.Environment).Apply(cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(cfg)
	cfg.LoadedFrom = append(cfg.LoadedFrom, "environment")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load is an alias for LoadConfig
func Load() (*Config, error) {
	return LoadConfig()
}

func applyEnv(cfg *Config) {
	cfg.ServerAddress = getEnv("SERVER_ADDRESS", cfg.ServerAddress)
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)

	cfg.Supabase.URL = getEnv("SUPABASE_URL", cfg.Supabase.URL)
	cfg.Supabase.AnonKey = getEnv("SUPABASE_ANON_KEY", cfg.Supabase.AnonKey)
	cfg.Supabase.JWTSecret = getEnv("SUPABASE_JWT_SECRET", cfg.Supabase.JWTSecret)
	cfg.Supabase.Schema = getEnv("SUPABASE_SCHEMA", cfg.Supabase.Schema)

	r := &cfg.Reconcile
	r.AuthorityWindow = getEnvDuration("LOCAL_AUTHORITY_WINDOW", r.AuthorityWindow)
	r.StaleAfter = getEnvDuration("LEDGER_STALE_AFTER", r.StaleAfter)
	r.ReapInterval = getEnvDuration("LEDGER_REAP_INTERVAL", r.ReapInterval)
	r.AutosaveDelay = getEnvDuration("AUTOSAVE_DELAY", r.AutosaveDelay)
	r.DuplicateCheckDelay = getEnvDuration("DUPLICATE_CHECK_DELAY", r.DuplicateCheckDelay)
	r.SessionCacheSize = getEnvInt("SESSION_CACHE_SIZE", r.SessionCacheSize)

	res := &cfg.Resilience
	res.BreakerMaxRequests = uint32(getEnvInt("BREAKER_MAX_REQUESTS", int(res.BreakerMaxRequests)))
	res.BreakerInterval = getEnvDuration("BREAKER_INTERVAL", res.BreakerInterval)
	res.BreakerTimeout = getEnvDuration("BREAKER_TIMEOUT", res.BreakerTimeout)
	res.BreakerFailures = uint32(getEnvInt("BREAKER_FAILURES", int(res.BreakerFailures)))
	res.RetryAttempts = getEnvInt("RETRY_ATTEMPTS", res.RetryAttempts)
	res.RetryBaseDelay = getEnvDuration("RETRY_BASE_DELAY", res.RetryBaseDelay)
	res.RetryMaxDelay = getEnvDuration("RETRY_MAX_DELAY", res.RetryMaxDelay)

	cfg.ActivityEventBus = getEnv("ACTIVITY_EVENT_BUS", cfg.ActivityEventBus)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)

	cfg.EnableMetrics = getEnvBool("ENABLE_METRICS", cfg.EnableMetrics)
	cfg.EnableTracing = getEnvBool("ENABLE_TRACING", cfg.EnableTracing)
	cfg.EnableCORS = getEnvBool("ENABLE_CORS", cfg.EnableCORS)
	cfg.OTLPEndpoint = getEnv("OTLP_ENDPOINT", cfg.OTLPEndpoint)
	if origins := getEnv("ALLOWED_ORIGINS", ""); origins != "" {
		cfg.AllowedOrigins = strings.Split(origins, ",")
	}
}

// Validate checks if all required configuration is present
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "supabase":
		if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
			return fmt.Errorf("SUPABASE_URL and SUPABASE_ANON_KEY are required for the supabase backend")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.Environment == "production" {
		if c.Supabase.JWTSecret == "" {
			return fmt.Errorf("SUPABASE_JWT_SECRET is required in production")
		}
		if c.StoreBackend != "supabase" {
			return fmt.Errorf("production requires the supabase backend")
		}
	}
	return c.Reconcile.Validate()
}

// Validate checks the timing knobs.
func (r ReconcileConfig) Validate() error {
	if r.AuthorityWindow <= 0 || r.StaleAfter <= 0 || r.ReapInterval <= 0 {
		return fmt.Errorf("authority window, stale-after and reap interval must be positive")
	}
	if r.AutosaveDelay < 0 || r.DuplicateCheckDelay < 0 {
		return fmt.Errorf("debounce delays cannot be negative")
	}
	if r.SessionCacheSize < 0 {
		return fmt.Errorf("session cache size cannot be negative")
	}
	return nil
}

// IsDevelopment checks if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction checks if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration reads a Go duration ("2s") or a bare number of
// milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
