package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("POSTGRES_PASSWORD", "p@ss:word/")
	t.Setenv("POSTGRES_HOST", "db.internal")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Contains(t, cfg.Database.URL, "db.internal:5432")
	assert.Contains(t, cfg.Database.URL, "p%40ss%3Aword%2F")
	assert.Equal(t, 3, cfg.Backup.MaxAttempts)
	assert.Equal(t, 30*time.Second, cfg.Backup.SchedulerInterval)

	dr := cfg.DRConfig()
	assert.Equal(t, "us-east-1", dr.PrimaryRegion)
	assert.Equal(t, []string{"us-west-2"}, dr.FailoverRegions)
	assert.Equal(t, 0.5, dr.Monitoring.AutoFailoverRTOFraction)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PHOENIX_PORT", "9090")
	t.Setenv("PHOENIX_DATABASE_DRIVER", "sqlite")
	t.Setenv("PHOENIX_DR_FAILOVER_REGIONS", "eu-west-1, eu-central-1")
	t.Setenv("PHOENIX_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("PHOENIX_DR_AUTO_FAILOVER", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, []string{"eu-west-1", "eu-central-1"}, cfg.DR.FailoverRegions)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.True(t, cfg.DR.AutoFailover)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phoenix.yaml")
	yaml := `
database:
  driver: memory
dr:
  rpo_minutes: 15
  primary_region: eu-west-1
  failover_regions: [eu-central-1]
regions:
  eu-west-1: http://eu-west-1.internal/healthz
strategies:
  - name: nightly
    type: full
    schedule: "0 2 * * *"
    max_count: 7
    max_age: 168h
plans:
  - id: to-central
    name: Fail over to eu-central-1
    target_region: eu-central-1
    steps:
      - name: promote
        action: http
        params:
          url: http://eu-central-1.internal/promote
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 15, cfg.DR.RPOMinutes)
	assert.Equal(t, "http://eu-west-1.internal/healthz", cfg.Regions["eu-west-1"])

	strategies := cfg.StrategyDefinitions()
	require.Len(t, strategies, 1)
	assert.Equal(t, models.StrategyFull, strategies[0].Type)
	assert.Equal(t, 7, strategies[0].Retention.MaxCount)
	assert.Equal(t, models.Duration(168*time.Hour), strategies[0].Retention.MaxAge)

	plans := cfg.PlanDefinitions()
	require.Len(t, plans, 1)
	assert.Equal(t, "eu-central-1", plans[0].TargetRegion)
	require.Len(t, plans[0].Steps, 1)
	assert.Equal(t, "http://eu-central-1.internal/promote", plans[0].Steps[0].Params["url"])
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"unknown driver", func(c *Config) { c.Database.Driver = "oracle" }},
		{"s3 without bucket", func(c *Config) { c.Storage.Backend = "s3" }},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "tape" }},
		{"zero attempts", func(c *Config) { c.Backup.MaxAttempts = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
