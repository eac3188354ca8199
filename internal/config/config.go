package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// MaxUnlockWindow bounds how long an approved invoice may stay reopened.
const MaxUnlockWindow = 24 * time.Hour

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer          string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL         string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience        string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey      string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins         []string      `mapstructure:"-"`
	LockTimeout         time.Duration `mapstructure:"LOCK_TIMEOUT"`
	IdempotencyTTL      time.Duration `mapstructure:"IDEMPOTENCY_TTL"`
	DefaultUnlockWindow time.Duration `mapstructure:"DEFAULT_UNLOCK_WINDOW"`
	PrivilegedRoles     []string      `mapstructure:"-"`
}

var defaults = map[string]interface{}{
	"PORT":                  "8000",
	"ENV":                   "development",
	"LOG_LEVEL":             "info",
	"DB_MAX_CONNS":          20,
	"DB_MIN_CONNS":          5,
	"CORS_ORIGINS":          "http://localhost:3000",
	"LOCK_TIMEOUT":          "5s",
	"IDEMPOTENCY_TTL":       "24h",
	"DEFAULT_UNLOCK_WINDOW": "30m",
	"PRIVILEGED_ROLES":      "admin,billing_supervisor",
}

// Keys without a default still need binding so Unmarshal sees them.
var unset = []string{"DATABASE_URL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY"}

// Load reads configuration from the environment, falling back to a .env
// file in the working directory when present.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()
	for k, val := range defaults {
		v.SetDefault(k, val)
		_ = v.BindEnv(k)
	}
	for _, k := range unset {
		_ = v.BindEnv(k)
	}
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.PrivilegedRoles = splitList(v.GetString("PRIVILEGED_ROLES"))

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate rejects configurations the server must not start with. Outside
// development a JWT issuer or signing key is mandatory.
func (c *Config) Validate() error {
	var errs []error
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		errs = append(errs, fmt.Errorf("AUTH_ISSUER or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env))
	}
	if c.AuthIssuer != "" && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		errs = append(errs, errors.New("AUTH_JWKS_URL is required with AUTH_ISSUER unless AUTH_SIGNING_KEY is set"))
	}
	if c.DBMaxConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_CONNS must be positive, got %d", c.DBMaxConns))
	}
	if c.DBMinConns > c.DBMaxConns {
		errs = append(errs, fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns))
	}
	for name, d := range map[string]time.Duration{
		"LOCK_TIMEOUT":          c.LockTimeout,
		"IDEMPOTENCY_TTL":       c.IdempotencyTTL,
		"DEFAULT_UNLOCK_WINDOW": c.DefaultUnlockWindow,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.DefaultUnlockWindow > MaxUnlockWindow {
		errs = append(errs, fmt.Errorf("DEFAULT_UNLOCK_WINDOW may not exceed %s", MaxUnlockWindow))
	}
	if len(c.PrivilegedRoles) == 0 {
		errs = append(errs, errors.New("PRIVILEGED_ROLES must name at least one role"))
	}
	return errors.Join(errs...)
}
