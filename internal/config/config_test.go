package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "4000", cfg.HTTPPort)
	assert.Equal(t, "redis", cfg.QueueBackend)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.False(t, cfg.DemoMode)
	assert.Equal(t, 50.0, cfg.DefaultRadiusM)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEMO_MODE", "true")
	t.Setenv("DEFAULT_RADIUS_M", "75.5")
	t.Setenv("ACCESS_TTL", "1h")
	t.Setenv("RATE_LIMIT_PER_MIN", "10")

	cfg := Load()

	assert.True(t, cfg.DemoMode)
	assert.Equal(t, 75.5, cfg.DefaultRadiusM)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
	assert.Equal(t, 10, cfg.RateLimitPerMin)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("DEMO_MODE", "yes please")
	t.Setenv("ACCESS_TTL", "soon")
	t.Setenv("DEFAULT_RADIUS_M", "wide")

	cfg := Load()

	assert.False(t, cfg.DemoMode)
	assert.Equal(t, 15*time.Minute, cfg.AccessTTL)
	assert.Equal(t, 50.0, cfg.DefaultRadiusM)
}

func TestIsProd(t *testing.T) {
	assert.False(t, App{Env: "dev"}.IsProd())
	assert.True(t, App{Env: "production"}.IsProd())
	assert.True(t, App{Env: "prod"}.IsProd())
}
