// Package strategy implements the registry of named backup strategies.
//
// Strategies are looked up by name at execution time, so edits take effect
// on the next run. The registry refuses to remove a strategy while a job for
// it is running.
package strategy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Store persists strategy definitions.
type Store interface {
	SaveStrategy(ctx context.Context, s *models.BackupStrategy) error
	DeleteStrategy(ctx context.Context, name string) error
	ListStrategies(ctx context.Context) ([]*models.BackupStrategy, error)
}

// JobTracker reports whether a strategy currently has a running job.
type JobTracker interface {
	IsRunning(strategyName string) bool
}

var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// scheduleParser accepts standard five-field expressions, an optional
// leading seconds field, and descriptors such as @daily or @every 1h.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return scheduleParser.Parse(expr)
}

// manualStrategy is the implicit ad hoc strategy. It keeps everything.
var manualStrategy = models.BackupStrategy{
	Name: models.ManualStrategyName,
	Type: models.StrategyManual,
}

// Registry holds strategy definitions keyed by name.
type Registry struct {
	store    Store
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time

	mu         sync.RWMutex
	strategies map[string]*models.BackupStrategy
	tracker    JobTracker
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store, logger *zap.Logger) *Registry {
	return &Registry{
		store:      store,
		logger:     logger.Named("strategy"),
		validate:   validator.New(),
		now:        func() time.Time { return time.Now().UTC() },
		strategies: make(map[string]*models.BackupStrategy),
	}
}

// SetTracker installs the component that knows which jobs are running.
func (r *Registry) SetTracker(t JobTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = t
}

// Load replaces the in-memory definitions with those in the store.
func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	stored, err := r.store.ListStrategies(ctx)
	if err != nil {
		return fmt.Errorf("strategy: load: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range stored {
		r.strategies[s.Name] = s
	}
	r.logger.Info("strategies loaded", zap.Int("count", len(stored)))
	return nil
}

// Add registers a new strategy. The definition's Name is overridden by name.
func (r *Registry) Add(ctx context.Context, name string, def models.BackupStrategy) (*models.BackupStrategy, error) {
	def.Name = name
	if err := r.check(&def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.strategies[name]; exists {
		return nil, errs.Validation("strategy: %q already exists", name)
	}

	now := r.now()
	def.CreatedAt = now
	def.UpdatedAt = now
	if r.store != nil {
		if err := r.store.SaveStrategy(ctx, &def); err != nil {
			return nil, fmt.Errorf("strategy: save %q: %w", name, err)
		}
	}
	r.strategies[name] = &def

	r.logger.Info("strategy added",
		zap.String("strategy", name),
		zap.String("type", string(def.Type)),
		zap.String("schedule", def.Schedule))
	return copyOf(&def), nil
}

// Update replaces an existing definition. Running jobs keep the definition
// they started with.
func (r *Registry) Update(ctx context.Context, name string, def models.BackupStrategy) (*models.BackupStrategy, error) {
	def.Name = name
	if err := r.check(&def); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.strategies[name]
	if !ok {
		return nil, errs.NotFound("strategy: %q", name)
	}
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = r.now()
	if r.store != nil {
		if err := r.store.SaveStrategy(ctx, &def); err != nil {
			return nil, fmt.Errorf("strategy: save %q: %w", name, err)
		}
	}
	r.strategies[name] = &def

	r.logger.Info("strategy updated", zap.String("strategy", name))
	return copyOf(&def), nil
}

// Remove deletes a strategy. It fails with a conflict while a job for the
// strategy is running.
func (r *Registry) Remove(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.strategies[name]; !ok {
		return errs.NotFound("strategy: %q", name)
	}
	if r.tracker != nil && r.tracker.IsRunning(name) {
		return errs.Conflict("strategy: %q has a running job", name)
	}
	if r.store != nil {
		if err := r.store.DeleteStrategy(ctx, name); err != nil {
			return fmt.Errorf("strategy: delete %q: %w", name, err)
		}
	}
	delete(r.strategies, name)

	r.logger.Info("strategy removed", zap.String("strategy", name))
	return nil
}

// Get returns a copy of the named strategy, resolving the implicit manual
// strategy.
func (r *Registry) Get(name string) (*models.BackupStrategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lookup(name)
}

// WithStrategy calls fn with the named strategy while holding the registry's
// read lock, so Remove cannot interleave with fn.
func (r *Registry) WithStrategy(name string, fn func(models.BackupStrategy) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookup(name)
	if err != nil {
		return err
	}
	return fn(*s)
}

// List returns all registered strategies sorted by name. The implicit manual
// strategy is not included.
func (r *Registry) List() []*models.BackupStrategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.BackupStrategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		out = append(out, copyOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) lookup(name string) (*models.BackupStrategy, error) {
	if s, ok := r.strategies[name]; ok {
		return copyOf(s), nil
	}
	if name == models.ManualStrategyName {
		s := manualStrategy
		return &s, nil
	}
	return nil, errs.NotFound("strategy: %q", name)
}

// check validates a definition without touching registry state.
func (r *Registry) check(def *models.BackupStrategy) error {
	if def.Name == models.ManualStrategyName {
		return errs.Validation("strategy: %q is reserved", def.Name)
	}
	if err := r.validate.Struct(def); err != nil {
		return errs.Validation("strategy: %v", err)
	}
	if !namePattern.MatchString(def.Name) {
		return errs.Validation("strategy: name %q must be lowercase alphanumerics, '.', '_' or '-'", def.Name)
	}
	if !def.Type.Valid() {
		return errs.Validation("strategy: unknown type %q", def.Type)
	}

	var sched cron.Schedule
	if def.Schedule != "" {
		var err error
		sched, err = ParseSchedule(def.Schedule)
		if err != nil {
			return errs.Validation("strategy: malformed schedule %q: %v", def.Schedule, err)
		}
	} else if def.Type != models.StrategyManual {
		return errs.Validation("strategy: schedule is required for %s strategies", def.Type)
	}

	return checkRetention(def.Retention, sched)
}

// checkRetention rejects policies that are negative, that could never keep a
// restorable artifact, or whose age bound is shorter than one schedule
// interval and would therefore expire every artifact before the next run.
func checkRetention(p models.RetentionPolicy, sched cron.Schedule) error {
	if p.MaxCount < 0 {
		return errs.Validation("strategy: retention max_count must not be negative")
	}
	if p.MaxAge < 0 {
		return errs.Validation("strategy: retention max_age must not be negative")
	}
	if p.AllowEmpty && p.MaxAge == 0 {
		return errs.Validation("strategy: allow_empty requires a max_age")
	}
	if p.MaxAge > 0 && sched != nil && !p.AllowEmpty {
		interval := ScheduleInterval(sched)
		if time.Duration(p.MaxAge) < interval {
			return errs.Validation("strategy: retention max_age %s is shorter than the schedule interval %s",
				time.Duration(p.MaxAge), interval)
		}
	}
	return nil
}

// intervalEpoch anchors ScheduleInterval so the result does not depend on
// when a definition is submitted.
var intervalEpoch = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

const maxIntervalSamples = 10000

// ScheduleInterval returns the longest gap between consecutive activations
// over one year of the schedule, or over the first maxIntervalSamples
// activations for schedules that fire more often.
func ScheduleInterval(sched cron.Schedule) time.Duration {
	t := sched.Next(intervalEpoch)
	if t.IsZero() {
		return 0
	}
	end := t.AddDate(1, 0, 0)

	var longest time.Duration
	for i := 0; i < maxIntervalSamples; i++ {
		next := sched.Next(t)
		if next.IsZero() {
			break
		}
		if gap := next.Sub(t); gap > longest {
			longest = gap
		}
		if next.After(end) {
			break
		}
		t = next
	}
	return longest
}

func copyOf(s *models.BackupStrategy) *models.BackupStrategy {
	c := *s
	return &c
}
