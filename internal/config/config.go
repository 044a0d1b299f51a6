// Package config loads the broker's environment configuration. Everything is
// env-var driven; cmd/broker loads a local .env first in development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is the immutable broker configuration.
type Config struct {
	Env  string // development | staging | production
	Port string

	// Key-value store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Table names. The store tables become key prefixes; the directory tables
	// are Supabase table names.
	ConnectionsTable   string
	PresenceTable      string
	RevokedTokensTable string
	// SessionsTable empty disables billing sessions and session locks.
	SessionsTable  string
	RobotsTable    string
	OperatorsTable string
	// CreditsTable and SettingsTable empty disable the balance check.
	CreditsTable  string
	SettingsTable string

	// Directory service.
	SupabaseURL        string
	SupabaseServiceKey string

	// Token verification.
	UserPoolID string
	Region     string

	// AllowNoToken replaces auth with fixed development claims. Refused in
	// production.
	AllowNoToken bool

	AllowedOrigins []string

	// LenientClientTarget restores the historical skip-delivery behavior for
	// robot frames with no resolvable client connection id.
	LenientClientTarget bool
}

// Load reads and validates the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Env:                 envDefault("BROKER_ENV", "development"),
		Port:                envDefault("PORT", "8080"),
		RedisAddr:           os.Getenv("REDIS_ADDR"),
		RedisPassword:       os.Getenv("REDIS_PASSWORD"),
		ConnectionsTable:    envDefault("CONNECTIONS_TABLE", "connections"),
		PresenceTable:       envDefault("PRESENCE_TABLE", "presence"),
		RevokedTokensTable:  envDefault("REVOKED_TOKENS_TABLE", "revoked_tokens"),
		SessionsTable:       os.Getenv("SESSIONS_TABLE"),
		RobotsTable:         os.Getenv("ROBOTS_TABLE"),
		OperatorsTable:      os.Getenv("ROBOT_OPERATORS_TABLE"),
		CreditsTable:        os.Getenv("USER_CREDITS_TABLE"),
		SettingsTable:       os.Getenv("PLATFORM_SETTINGS_TABLE"),
		SupabaseURL:         os.Getenv("SUPABASE_URL"),
		SupabaseServiceKey:  os.Getenv("SUPABASE_SERVICE_KEY"),
		UserPoolID:          os.Getenv("USER_POOL_ID"),
		Region:              os.Getenv("AWS_REGION"),
		AllowNoToken:        boolEnv("ALLOW_NO_TOKEN"),
		LenientClientTarget: boolEnv("BROKER_LENIENT_CLIENT_TARGET"),
	}

	if db := os.Getenv("REDIS_DB"); db != "" {
		n, err := strconv.Atoi(db)
		if err != nil {
			return nil, fmt.Errorf("config: REDIS_DB: %w", err)
		}
		cfg.RedisDB = n
	}
	if origins := os.Getenv("BROKER_ALLOWED_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, o)
			}
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.RedisAddr == "" {
		return fmt.Errorf("config: REDIS_ADDR must be set")
	}
	if c.SupabaseURL == "" || c.SupabaseServiceKey == "" {
		return fmt.Errorf("config: SUPABASE_URL and SUPABASE_SERVICE_KEY must be set")
	}
	if c.RobotsTable == "" || c.OperatorsTable == "" {
		return fmt.Errorf("config: ROBOTS_TABLE and ROBOT_OPERATORS_TABLE must be set")
	}
	if c.AllowNoToken {
		// Never in production. The toggle exists for local development only
		// and production config surfaces must not carry it at all.
		if c.Production() {
			return fmt.Errorf("config: ALLOW_NO_TOKEN must not be set in production")
		}
	} else if c.UserPoolID == "" || c.Region == "" {
		return fmt.Errorf("config: USER_POOL_ID and AWS_REGION must be set")
	}
	return nil
}

// Production reports whether the broker runs with production hardening.
func (c *Config) Production() bool {
	return c.Env == "production"
}

// Issuer is the expected token issuer for the configured user pool.
func (c *Config) Issuer() string {
	return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", c.Region, c.UserPoolID)
}

// JWKSURL is the pool's published key set.
func (c *Config) JWKSURL() string {
	return c.Issuer() + "/.well-known/jwks.json"
}

// SessionsEnabled reports whether billing sessions and locks are configured.
func (c *Config) SessionsEnabled() bool {
	return c.SessionsTable != ""
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func boolEnv(key string) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
