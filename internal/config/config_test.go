package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("SUPABASE_URL", "https://proj.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "service-key")
	t.Setenv("ROBOTS_TABLE", "robots")
	t.Setenv("ROBOT_OPERATORS_TABLE", "robot_operators")
	t.Setenv("USER_POOL_ID", "eu-west-1_abc123")
	t.Setenv("AWS_REGION", "eu-west-1")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "connections", cfg.ConnectionsTable)
	assert.Equal(t, "presence", cfg.PresenceTable)
	assert.Equal(t, "revoked_tokens", cfg.RevokedTokensTable)
	assert.False(t, cfg.SessionsEnabled())
	assert.False(t, cfg.Production())
}

func TestLoadMissingRequired(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("REDIS_ADDR", "")
	_, err := Load()
	assert.Error(t, err)

	setBaseEnv(t)
	t.Setenv("ROBOTS_TABLE", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoadTokenConfigRequiredUnlessDevMode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("USER_POOL_ID", "")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("ALLOW_NO_TOKEN", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.AllowNoToken)
}

func TestLoadRefusesDevModeInProduction(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BROKER_ENV", "production")
	t.Setenv("ALLOW_NO_TOKEN", "1")
	_, err := Load()
	assert.Error(t, err)
}

func TestIssuerAndJWKS(t *testing.T) {
	setBaseEnv(t)
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://cognito-idp.eu-west-1.amazonaws.com/eu-west-1_abc123", cfg.Issuer())
	assert.Equal(t, cfg.Issuer()+"/.well-known/jwks.json", cfg.JWKSURL())
}

func TestAllowedOriginsParsing(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("BROKER_ALLOWED_ORIGINS", " https://a.example.com , https://b.example.com ,")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins)
}

func TestSessionsEnabled(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("SESSIONS_TABLE", "sessions")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SessionsEnabled())
}
