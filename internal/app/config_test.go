package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Equal(t, 8000, cfg.Server.Port)
	require.Equal(t, "info", cfg.Server.LogLevel)
	require.Equal(t, "sqlite", cfg.Database.Driver)
	require.Equal(t, 15*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, 15*time.Minute, cfg.Auth.MagicLink.TokenTTL)
	require.Equal(t, 30*24*time.Hour, cfg.Auth.Session.RefreshTTL)
	require.Equal(t, 48, cfg.Auth.Session.RefreshLength)
	require.InDelta(t, 10, cfg.Entitlement.LowCreditThreshold, 0.001)
	require.Equal(t, 90, cfg.Entitlement.AuditRetentionDays)
	require.True(t, cfg.Monitoring.Prometheus.Enabled)
	require.False(t, cfg.Email.SMTP.Enabled)
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9001
  log_level: debug
auth:
  jwt:
    secret: file-secret
    access_token_ttl: 5m
  magic_link:
    token_ttl: 30m
    base_url: https://passport.example.com/api/auth/verify
  internal_api_key: file-key
entitlement:
  low_credit_threshold: 15
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	require.Equal(t, 9001, cfg.Server.Port)
	require.Equal(t, "debug", cfg.Server.LogLevel)
	require.Equal(t, "file-secret", cfg.Auth.JWT.Secret)
	require.Equal(t, 5*time.Minute, cfg.Auth.JWT.TTL)
	require.Equal(t, 30*time.Minute, cfg.Auth.MagicLink.TokenTTL)
	require.Equal(t, "https://passport.example.com/api/auth/verify", cfg.Auth.MagicLink.BaseURL)
	require.InDelta(t, 15, cfg.Entitlement.LowCreditThreshold, 0.001)

	require.NoError(t, cfg.Validate())
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("PASSPORT_SERVER_PORT", "7777")
	t.Setenv("PASSPORT_AUTH_JWT_SECRET", "env-secret")

	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 7777, cfg.Server.Port)
	require.Equal(t, "env-secret", cfg.Auth.JWT.Secret)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	require.Error(t, cfg.Validate(), "jwt secret must be required")

	cfg.Auth.JWT.Secret = "some-secret"
	require.Error(t, cfg.Validate(), "internal api key must be required")

	cfg.Auth.InternalAPIKey = "some-key"
	require.NoError(t, cfg.Validate())
}

func TestAuthConfigConversions(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)
	cfg.Auth.JWT.Secret = "conv-secret"
	cfg.Auth.JWT.Issuer = "passport"

	jwtCfg := cfg.Auth.JWTServiceConfig()
	require.Equal(t, "conv-secret", jwtCfg.Secret)
	require.Equal(t, "passport", jwtCfg.Issuer)
	require.Equal(t, 15*time.Minute, jwtCfg.AccessTokenTTL)

	sessCfg := cfg.Auth.SessionServiceConfig()
	require.Equal(t, 30*24*time.Hour, sessCfg.RefreshTokenTTL)
	require.Equal(t, 48, sessCfg.RefreshLength)
}
