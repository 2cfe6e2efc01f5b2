package failover

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// DefaultStepTimeout bounds a step that sets no timeout of its own.
const DefaultStepTimeout = 2 * time.Minute

// Action performs one kind of failover step against a target region. In
// dry-run mode an action checks that it could run without changing
// anything.
type Action interface {
	Run(ctx context.Context, step models.FailoverStep, target string, dryRun bool) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context, step models.FailoverStep, target string, dryRun bool) error

func (f ActionFunc) Run(ctx context.Context, step models.FailoverStep, target string, dryRun bool) error {
	return f(ctx, step, target, dryRun)
}

// Actions maps action names to implementations.
type Actions struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActions returns a registry with the built-in noop, log, wait and http
// actions.
func NewActions(logger *zap.Logger, client *http.Client) *Actions {
	if client == nil {
		client = &http.Client{}
	}
	logger = logger.Named("failover.step")
	a := &Actions{actions: make(map[string]Action)}
	a.Register("noop", ActionFunc(func(context.Context, models.FailoverStep, string, bool) error { return nil }))
	a.Register("log", logAction{logger: logger})
	a.Register("wait", ActionFunc(waitAction))
	a.Register("http", httpAction{client: client})
	return a
}

// Register adds or replaces an action.
func (a *Actions) Register(name string, act Action) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.actions[name] = act
}

// Known reports whether name is registered.
func (a *Actions) Known(name string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.actions[name]
	return ok
}

// Run executes step under its timeout.
func (a *Actions) Run(ctx context.Context, step models.FailoverStep, target string, dryRun bool) error {
	a.mu.RLock()
	act, ok := a.actions[step.Action]
	a.mu.RUnlock()
	if !ok {
		return errs.Validation("failover: unknown action %q", step.Action)
	}

	timeout := DefaultStepTimeout
	if step.TimeoutSec > 0 {
		timeout = time.Duration(step.TimeoutSec) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return act.Run(ctx, step, target, dryRun)
}

type logAction struct {
	logger *zap.Logger
}

func (l logAction) Run(_ context.Context, step models.FailoverStep, target string, dryRun bool) error {
	l.logger.Info("failover step",
		zap.String("step", step.Name),
		zap.String("target", target),
		zap.Bool("dry_run", dryRun),
		zap.String("message", step.Params["message"]))
	return nil
}

// waitAction pauses for params["duration"]. Dry runs only parse it.
func waitAction(ctx context.Context, step models.FailoverStep, _ string, dryRun bool) error {
	d, err := time.ParseDuration(step.Params["duration"])
	if err != nil {
		return fmt.Errorf("wait: invalid duration %q: %w", step.Params["duration"], err)
	}
	if dryRun {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// httpAction calls params["url"] with params["method"] (POST by default).
// The token {region} in the URL is replaced with the target region. A dry
// run sends a HEAD request when params["dry_run"] is "head" and otherwise
// only checks the URL.
type httpAction struct {
	client *http.Client
}

func (h httpAction) Run(ctx context.Context, step models.FailoverStep, target string, dryRun bool) error {
	raw := strings.ReplaceAll(step.Params["url"], "{region}", url.PathEscape(target))
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("http: invalid url %q", step.Params["url"])
	}

	method := strings.ToUpper(step.Params["method"])
	if method == "" {
		method = http.MethodPost
	}
	if dryRun {
		if step.Params["dry_run"] != "head" {
			return nil
		}
		method = http.MethodHead
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return fmt.Errorf("http: build request: %w", err)
	}
	req.Header.Set("X-Phoenix-Target-Region", target)
	req.Header.Set("X-Phoenix-Step", step.Name)

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("http: %s %s: %w", method, u.Redacted(), err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http: %s %s: status %d", method, u.Redacted(), resp.StatusCode)
	}
	return nil
}
