package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port          string `mapstructure:"PORT"`
	Env           string `mapstructure:"ENV"`
	DatabaseURL   string `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32  `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`

	// RedisURL enables the distributed per-doctor lock. Without it locks are
	// held in process, which is only safe for a single replica.
	RedisURL string        `mapstructure:"REDIS_URL"`
	LockTTL  time.Duration `mapstructure:"LOCK_TTL"`

	AuthSigningKey string `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string `mapstructure:"AUTH_AUDIENCE"`

	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	ReminderDefaultLeadMinutes int           `mapstructure:"REMINDER_DEFAULT_LEAD_MINUTES"`
	ReminderRearmOnReschedule  bool          `mapstructure:"REMINDER_REARM_ON_RESCHEDULE"`
	ReminderPollInterval       time.Duration `mapstructure:"REMINDER_POLL_INTERVAL"`
	ReminderDispatchEnabled    bool          `mapstructure:"REMINDER_DISPATCH_ENABLED"`
	// ReminderWebhookURL receives rendered reminders as signed JSON. When
	// empty reminders are only logged.
	ReminderWebhookURL    string `mapstructure:"REMINDER_WEBHOOK_URL"`
	ReminderWebhookSecret string `mapstructure:"REMINDER_WEBHOOK_SECRET"`

	TLSEnabled  bool   `mapstructure:"TLS_ENABLED"`
	TLSCertFile string `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile  string `mapstructure:"TLS_KEY_FILE"`

	TracingEnabled  bool    `mapstructure:"TRACING_ENABLED"`
	OTLPEndpoint    string  `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRate float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	ServiceName     string  `mapstructure:"SERVICE_NAME"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "MIGRATIONS_DIR",
	"REDIS_URL", "LOCK_TTL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "AUTH_AUDIENCE",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"REMINDER_DEFAULT_LEAD_MINUTES", "REMINDER_REARM_ON_RESCHEDULE",
	"REMINDER_POLL_INTERVAL", "REMINDER_DISPATCH_ENABLED",
	"REMINDER_WEBHOOK_URL", "REMINDER_WEBHOOK_SECRET",
	"TLS_ENABLED", "TLS_CERT_FILE", "TLS_KEY_FILE",
	"TRACING_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT", "TRACE_SAMPLE_RATE", "SERVICE_NAME",
}

// Load reads configuration from an optional .env file and the environment.
// The environment wins over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "./migrations")
	v.SetDefault("LOCK_TTL", "10s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("REMINDER_DEFAULT_LEAD_MINUTES", 30)
	v.SetDefault("REMINDER_REARM_ON_RESCHEDULE", true)
	v.SetDefault("REMINDER_POLL_INTERVAL", "1m")
	v.SetDefault("REMINDER_DISPATCH_ENABLED", true)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("SERVICE_NAME", "clinic-server")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development a
// signing key is mandatory so every request carries a verified actor.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("LOCK_TTL must be positive")
	}
	if c.ReminderDefaultLeadMinutes <= 0 {
		return fmt.Errorf("REMINDER_DEFAULT_LEAD_MINUTES must be positive, got %d", c.ReminderDefaultLeadMinutes)
	}
	if c.ReminderDispatchEnabled && c.ReminderPollInterval <= 0 {
		return fmt.Errorf("REMINDER_POLL_INTERVAL must be positive when dispatch is enabled")
	}
	if c.IsProduction() && c.ReminderWebhookURL != "" && c.ReminderWebhookSecret == "" {
		return fmt.Errorf("REMINDER_WEBHOOK_SECRET must be set when REMINDER_WEBHOOK_URL is used in production")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}

	if c.TracingEnabled && (c.TraceSampleRate < 0 || c.TraceSampleRate > 1) {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be within [0, 1], got %v", c.TraceSampleRate)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}
	return nil
}
