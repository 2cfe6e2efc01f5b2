// Package notify routes engine events to notification channels.
//
// Notify never blocks the caller: events are queued and delivered by Run.
// When the queue is full the event is dropped and counted.
package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

const (
	DefaultQueueSize   = 256
	DefaultSendTimeout = 10 * time.Second
)

// DefaultChannel receives events when the policy names no channels.
const DefaultChannel = "log"

type ConfigSource interface {
	Current() *models.DRConfig
}

// Dispatcher is the engine's Notifier.
type Dispatcher struct {
	cfg         ConfigSource
	queue       chan models.Event
	sendTimeout time.Duration
	metrics     *metrics.Collectors
	logger      *zap.Logger

	mu    sync.RWMutex
	sinks map[string]Sink
}

// NewDispatcher creates a Dispatcher. Sinks are added with Register.
func NewDispatcher(cfg ConfigSource, queueSize int, sendTimeout time.Duration,
	m *metrics.Collectors, logger *zap.Logger) *Dispatcher {

	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	return &Dispatcher{
		cfg:         cfg,
		queue:       make(chan models.Event, queueSize),
		sendTimeout: sendTimeout,
		metrics:     m,
		logger:      logger.Named("notify"),
		sinks:       make(map[string]Sink),
	}
}

// Register binds a channel name to a sink.
func (d *Dispatcher) Register(channel string, s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks[channel] = s
}

// Notify queues event for delivery.
func (d *Dispatcher) Notify(event models.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case d.queue <- event:
	default:
		d.metrics.NotificationDropped()
		d.logger.Warn("notification queue full, event dropped",
			zap.String("kind", string(event.Kind)),
			zap.String("severity", string(event.Severity)))
	}
}

// Run delivers queued events until ctx is cancelled, then flushes what is
// still queued.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("notification dispatcher started", zap.Int("queue_size", cap(d.queue)))
	for {
		select {
		case e := <-d.queue:
			d.Dispatch(ctx, e)
		case <-ctx.Done():
			d.flush()
			d.logger.Info("notification dispatcher stopped")
			return
		}
	}
}

func (d *Dispatcher) flush() {
	ctx := context.Background()
	for {
		select {
		case e := <-d.queue:
			d.Dispatch(ctx, e)
		default:
			return
		}
	}
}

// Dispatch delivers event to every routed channel. Sink failures are
// logged and never returned.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.Event) {
	for _, channel := range Route(d.cfg.Current().Notifications, event.Severity) {
		d.mu.RLock()
		sink, ok := d.sinks[channel]
		d.mu.RUnlock()
		if !ok {
			d.logger.Warn("no sink for notification channel", zap.String("channel", channel))
			continue
		}

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.sendTimeout)
		err := sink.Send(sendCtx, event)
		cancel()
		if err != nil {
			d.logger.Error("notification delivery failed",
				zap.String("channel", channel),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
	}
}

// Route returns the channels an event of severity sev goes to: the base
// channels, plus the escalation channels when sev reaches MinSeverity.
// Each channel appears once.
func Route(p models.NotificationPolicy, sev models.Severity) []string {
	channels := p.Channels
	if len(channels) == 0 {
		channels = []string{DefaultChannel}
	}
	if p.Escalation.MinSeverity != "" && sev.Rank() >= p.Escalation.MinSeverity.Rank() {
		channels = append(append([]string(nil), channels...), p.Escalation.Channels...)
	}

	seen := make(map[string]bool, len(channels))
	out := make([]string, 0, len(channels))
	for _, c := range channels {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
