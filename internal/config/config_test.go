package config

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendguard/internal/identity"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, 5*time.Minute, cfg.LateGrace)
	assert.Equal(t, 30, cfg.RecorderRateLimit)
	assert.Equal(t, time.Minute, cfg.RecorderRateWindow)
	assert.Equal(t, 500.0, cfg.VelocityMaxMeters)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SIGNING_KEY", "rotated-2026-10")
	t.Setenv("ALLOWED_ORIGINS", "10.0.0.0/8,school-wifi")
	t.Setenv("SCHOOL_HOURS_START", "08:30")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Production())
	assert.Equal(t, []string{"10.0.0.0/8", "school-wifi"}, cfg.AllowedOrigins)

	p, err := cfg.Policy(time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "08:30", p.HoursStart.String())
	assert.Equal(t, "18:00", p.HoursEnd.String())
}

func TestLoadRefusesDevSigningKeyInProduction(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	_, err := Load()
	assert.ErrorContains(t, err, "JWT_SIGNING_KEY")

	t.Setenv("JWT_SIGNING_KEY", devSigningKey)
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("JWT_SIGNING_KEY", "")
	_, err = Load()
	assert.Error(t, err)

	t.Setenv("APP_ENV", "dev")
	_, err = Load()
	require.NoError(t, err)
}

func TestCodec(t *testing.T) {
	cfg := App{Env: "production"}
	_, err := cfg.Codec()
	assert.Error(t, err)

	cfg.Env = "dev"
	c, err := cfg.Codec()
	require.NoError(t, err)
	require.NotNil(t, c)

	key := base64.StdEncoding.EncodeToString(identity.GenerateKey())
	cfg = App{Env: "production", IdentityKeys: "2026a:" + key}
	c, err = cfg.Codec()
	require.NoError(t, err)
	tok, err := c.Seal(identity.Identity{StudentID: "s"})
	require.NoError(t, err)
	assert.Contains(t, tok, "2026a.")

	cfg.IdentityKeys = "a:" + key + ",b:" + key
	_, err = cfg.Codec()
	assert.Error(t, err, "two keys and no primary")
}
