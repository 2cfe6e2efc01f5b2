package drconfig

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

func validConfig() models.DRConfig {
	return models.DRConfig{
		RPOMinutes:      60,
		RTOMinutes:      30,
		PrimaryRegion:   "us-east-1",
		FailoverRegions: []string{"us-west-2", "eu-west-1"},
		Monitoring: models.MonitoringConfig{
			HealthCheckIntervalSec:  30,
			FailureThreshold:        3,
			AutoFailoverRTOFraction: 0.5,
			ProbeTimeoutSec:         5,
		},
		Notifications: models.NotificationPolicy{Channels: []string{"log"}},
	}
}

func TestNewRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.DRConfig)
	}{
		{"zero rpo", func(c *models.DRConfig) { c.RPOMinutes = 0 }},
		{"negative rto", func(c *models.DRConfig) { c.RTOMinutes = -1 }},
		{"no primary", func(c *models.DRConfig) { c.PrimaryRegion = "" }},
		{"primary as failover", func(c *models.DRConfig) { c.FailoverRegions = []string{"us-east-1"} }},
		{"duplicate failover", func(c *models.DRConfig) { c.FailoverRegions = []string{"a", "a"} }},
		{"zero threshold", func(c *models.DRConfig) { c.Monitoring.FailureThreshold = 0 }},
		{"fraction above one", func(c *models.DRConfig) { c.Monitoring.AutoFailoverRTOFraction = 1.5 }},
		{"bad severity", func(c *models.DRConfig) { c.Notifications.Escalation.MinSeverity = "loud" }},
		{"probe timeout too long", func(c *models.DRConfig) { c.Monitoring.ProbeTimeoutSec = 60 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, zaptest.NewLogger(t))
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestCurrentReturnsCopy(t *testing.T) {
	s, err := New(validConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := s.Current()
	cfg.FailoverRegions[0] = "mutated"
	cfg.RPOMinutes = 1

	again := s.Current()
	assert.Equal(t, "us-west-2", again.FailoverRegions[0])
	assert.Equal(t, 60, again.RPOMinutes)
}

func TestReconfigureKeepsOldOnFailure(t *testing.T) {
	s, err := New(validConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	bad := validConfig()
	bad.PrimaryRegion = ""
	assert.ErrorIs(t, s.Reconfigure(bad), errs.ErrValidation)
	assert.Equal(t, "us-east-1", s.Current().PrimaryRegion)

	var notified *models.DRConfig
	s.Subscribe(func(c *models.DRConfig) { notified = c })

	next := validConfig()
	next.RPOMinutes = 15
	require.NoError(t, s.Reconfigure(next))
	assert.Equal(t, 15, s.Current().RPOMinutes)
	require.NotNil(t, notified)
	assert.Equal(t, 15, notified.RPOMinutes)
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	s, err := New(validConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	a := validConfig()
	a.RPOMinutes, a.RTOMinutes = 10, 10
	b := validConfig()
	b.RPOMinutes, b.RTOMinutes = 20, 20

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				cfg := s.Current()
				if cfg.RPOMinutes != 60 && cfg.RPOMinutes != cfg.RTOMinutes {
					t.Errorf("torn read: rpo=%d rto=%d", cfg.RPOMinutes, cfg.RTOMinutes)
					return
				}
			}
		}()
	}
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			require.NoError(t, s.Reconfigure(a))
		} else {
			require.NoError(t, s.Reconfigure(b))
		}
	}
	close(stop)
	wg.Wait()
}
