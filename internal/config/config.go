package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Gateway backends.
const (
	BackendFHIR     = "fhir"
	BackendPostgres = "postgres"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	FHIRBaseURL    string        `mapstructure:"FHIR_BASE_URL"`
	FHIRTimeout    time.Duration `mapstructure:"FHIR_TIMEOUT"`
	FHIRRetryCount int           `mapstructure:"FHIR_RETRY_COUNT"`
	FHIRAuthToken  string        `mapstructure:"FHIR_AUTH_TOKEN"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	QueueCacheTTL  time.Duration `mapstructure:"QUEUE_CACHE_TTL"`
	QueueTimezone  string        `mapstructure:"QUEUE_TIMEZONE"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DEFAULT_TENANT",
	"FHIR_BASE_URL", "FHIR_TIMEOUT", "FHIR_RETRY_COUNT", "FHIR_AUTH_TOKEN",
	"REDIS_URL", "QUEUE_CACHE_TTL", "QUEUE_TIMEZONE",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("FHIR_TIMEOUT", "10s")
	v.SetDefault("FHIR_RETRY_COUNT", 2)
	v.SetDefault("QUEUE_CACHE_TTL", "15s")
	v.SetDefault("QUEUE_TIMEZONE", "Local")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind explicitly so Unmarshal sees env-only keys.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Warn().Msg("running in development mode: every request is treated as admin, do not expose this server")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Backend reports which encounter gateway serves the queue. A configured FHIR
// server wins over a local database.
func (c *Config) Backend() string {
	if c.FHIRBaseURL != "" {
		return BackendFHIR
	}
	if c.DatabaseURL != "" {
		return BackendPostgres
	}
	return ""
}

// Location resolves QUEUE_TIMEZONE, the zone that decides where "today" starts.
func (c *Config) Location() (*time.Location, error) {
	if c.QueueTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.QueueTimezone)
	if err != nil {
		return nil, fmt.Errorf("QUEUE_TIMEZONE %q: %w", c.QueueTimezone, err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Backend() == "" {
		return fmt.Errorf("one of FHIR_BASE_URL or DATABASE_URL is required")
	}
	if !c.IsDev() && c.AuthSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY must be set when ENV=%q; refusing to start without authentication", c.Env)
	}
	if c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes, got %d", len(c.AuthSigningKey))
	}
	if c.FHIRRetryCount < 0 {
		return fmt.Errorf("FHIR_RETRY_COUNT must not be negative")
	}
	if c.QueueCacheTTL < 0 {
		return fmt.Errorf("QUEUE_CACHE_TTL must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}
