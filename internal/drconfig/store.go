// Package drconfig holds the live DR configuration.
//
// The configuration is an immutable snapshot. Reconfigure validates a
// complete replacement and swaps it in atomically, so a reader always sees
// either the old or the new configuration and never a mix of the two.
package drconfig

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Store owns the current DRConfig.
type Store struct {
	current  atomic.Pointer[models.DRConfig]
	validate *validator.Validate
	logger   *zap.Logger

	mu          sync.Mutex
	subscribers []func(*models.DRConfig)
}

// New validates cfg and returns a Store holding a private copy of it.
func New(cfg models.DRConfig, logger *zap.Logger) (*Store, error) {
	s := &Store{
		validate: validator.New(),
		logger:   logger.Named("drconfig"),
	}
	if err := s.check(&cfg); err != nil {
		return nil, err
	}
	s.current.Store(cfg.Clone())
	return s, nil
}

// Current returns a copy of the live configuration.
func (s *Store) Current() *models.DRConfig {
	return s.current.Load().Clone()
}

// Reconfigure replaces the whole configuration. On validation failure the
// previous configuration stays live.
func (s *Store) Reconfigure(cfg models.DRConfig) error {
	if err := s.check(&cfg); err != nil {
		return err
	}

	next := cfg.Clone()
	s.mu.Lock()
	s.current.Store(next)
	subs := make([]func(*models.DRConfig), len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.Unlock()

	s.logger.Info("configuration replaced",
		zap.Int("rpo_minutes", next.RPOMinutes),
		zap.Int("rto_minutes", next.RTOMinutes),
		zap.String("primary_region", next.PrimaryRegion),
		zap.Strings("failover_regions", next.FailoverRegions))

	for _, fn := range subs {
		fn(next.Clone())
	}
	return nil
}

// Subscribe registers fn to receive each new configuration after a swap.
func (s *Store) Subscribe(fn func(*models.DRConfig)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Validate checks cfg without installing it.
func (s *Store) Validate(cfg models.DRConfig) error {
	return s.check(&cfg)
}

func (s *Store) check(cfg *models.DRConfig) error {
	if err := s.validate.Struct(cfg); err != nil {
		return errs.Validation("drconfig: %s", describe(err))
	}

	seen := map[string]bool{cfg.PrimaryRegion: true}
	for _, region := range cfg.FailoverRegions {
		if region == cfg.PrimaryRegion {
			return errs.Validation("drconfig: failover region %q is the primary region", region)
		}
		if seen[region] {
			return errs.Validation("drconfig: failover region %q listed twice", region)
		}
		seen[region] = true
	}
	if cfg.Monitoring.ProbeTimeoutSec > cfg.Monitoring.HealthCheckIntervalSec {
		return errs.Validation("drconfig: probe timeout %ds exceeds health check interval %ds",
			cfg.Monitoring.ProbeTimeoutSec, cfg.Monitoring.HealthCheckIntervalSec)
	}
	return nil
}

// describe flattens validator field errors into one readable line.
func describe(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s must satisfy %s=%s", fe.Namespace(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s is %s", fe.Namespace(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
