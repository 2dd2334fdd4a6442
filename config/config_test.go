package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "hook")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "5000", cfg.ServerPort)
	assert.Equal(t, "s3cret", cfg.TrackingSecret)
	assert.Equal(t, "hook", cfg.WebhookSecret)
	assert.Equal(t, 50, cfg.Pipeline.EngagementThreshold)
	assert.Equal(t, 90, cfg.Pipeline.TrialDays)
	assert.Equal(t, 48, cfg.Followup.ThresholdHours)
	assert.Equal(t, 2, cfg.Followup.MaxSMS)
	assert.Zero(t, cfg.Followup.FastEscalationScore)
	assert.Equal(t, time.Minute, cfg.Workers.TimelineInterval)
	assert.Equal(t, 8, cfg.Workers.Concurrency)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.CORSOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("TRACKING_SECRET", "pixel")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("REDIS_ADDRESS", "cache:6379")
	t.Setenv("ENGAGEMENT_THRESHOLD", "70")
	t.Setenv("TIMELINE_INTERVAL", "30s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "pixel", cfg.TrackingSecret)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "cache:6379", cfg.Redis.Address)
	assert.Equal(t, 70, cfg.Pipeline.EngagementThreshold)
	assert.Equal(t, 30*time.Second, cfg.Workers.TimelineInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadValidation(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("WEBHOOK_SECRET", "")
	t.Setenv("ENGAGEMENT_THRESHOLD", "150")
	t.Setenv("WORKER_CONCURRENCY", "0")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_SECRET is required")
	assert.Contains(t, err.Error(), "WEBHOOK_SECRET is required")
	assert.Contains(t, err.Error(), "ENGAGEMENT_THRESHOLD")
	assert.Contains(t, err.Error(), "WORKER_CONCURRENCY")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("DAY_TICK_INTERVAL", "daily")

	_, err := Load()
	assert.Error(t, err)
}

func TestProductionRequiresDBPassword(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("WEBHOOK_SECRET", "hook")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("DB_PASSWORD", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DB_PASSWORD")
}

func TestMaskPassword(t *testing.T) {
	dsn := DatabaseConfig{Host: "db", Port: "5432", User: "crm", Password: "hunter2", Name: "crm", SSLMode: "disable"}.DSN()
	masked := maskPassword(dsn)
	assert.NotContains(t, masked, "hunter2")
	assert.Contains(t, masked, "password=*****")
	assert.Contains(t, masked, "sslmode=disable")
	assert.Equal(t, "host=db", maskPassword("host=db"))
}
