package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

type staticConfig struct{ cfg models.DRConfig }

func (s staticConfig) Current() *models.DRConfig { return &s.cfg }

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Send(_ context.Context, e models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) kinds() []models.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.EventKind
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func policy() models.NotificationPolicy {
	return models.NotificationPolicy{
		Channels: []string{"ops"},
		Escalation: models.EscalationPolicy{
			MinSeverity: models.SeverityWarning,
			Channels:    []string{"pager", "ops"},
		},
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name   string
		policy models.NotificationPolicy
		sev    models.Severity
		want   []string
	}{
		{"info stays on base channels", policy(), models.SeverityInfo, []string{"ops"}},
		{"warning escalates", policy(), models.SeverityWarning, []string{"ops", "pager"}},
		{"critical escalates", policy(), models.SeverityCritical, []string{"ops", "pager"}},
		{"no escalation configured", models.NotificationPolicy{Channels: []string{"ops"}}, models.SeverityCritical, []string{"ops"}},
		{"empty policy uses log", models.NotificationPolicy{}, models.SeverityInfo, []string{DefaultChannel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Route(tt.policy, tt.sev))
		})
	}
}

func TestDispatchRoutesBySeverity(t *testing.T) {
	d := NewDispatcher(staticConfig{models.DRConfig{Notifications: policy()}}, 8, time.Second, nil, zaptest.NewLogger(t))
	ops, pager := &captureSink{}, &captureSink{}
	d.Register("ops", ops)
	d.Register("pager", pager)

	ctx := context.Background()
	d.Dispatch(ctx, models.Event{Kind: models.EventBackupCompleted, Severity: models.SeverityInfo})
	d.Dispatch(ctx, models.Event{Kind: models.EventFailoverStarted, Severity: models.SeverityCritical})

	assert.Equal(t, []models.EventKind{models.EventBackupCompleted, models.EventFailoverStarted}, ops.kinds())
	assert.Equal(t, []models.EventKind{models.EventFailoverStarted}, pager.kinds())
}

func TestSinkFailureDoesNotStopOtherChannels(t *testing.T) {
	d := NewDispatcher(staticConfig{models.DRConfig{Notifications: policy()}}, 8, time.Second, nil, zaptest.NewLogger(t))
	pager := &captureSink{}
	d.Register("ops", SinkFunc(func(context.Context, models.Event) error { return errors.New("webhook down") }))
	d.Register("pager", pager)

	d.Dispatch(context.Background(), models.Event{Kind: models.EventRestoreFailed, Severity: models.SeverityWarning})
	assert.Equal(t, []models.EventKind{models.EventRestoreFailed}, pager.kinds())
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	d := NewDispatcher(staticConfig{}, 2, time.Second, nil, zaptest.NewLogger(t))
	sink := &captureSink{}
	d.Register(DefaultChannel, sink)

	for i := 0; i < 5; i++ {
		d.Notify(models.Event{Kind: models.EventBackupCompleted, Severity: models.SeverityInfo})
	}
	assert.Len(t, d.queue, 2)

	// Run flushes the queue on cancel.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Run(ctx)
	assert.Len(t, sink.kinds(), 2)
}

func TestRunDelivers(t *testing.T) {
	d := NewDispatcher(staticConfig{}, 8, time.Second, nil, zaptest.NewLogger(t))
	sink := &captureSink{}
	d.Register(DefaultChannel, sink)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	d.Notify(models.Event{Kind: models.EventRegionUnhealthy, Severity: models.SeverityWarning})
	require.Eventually(t, func() bool { return len(sink.kinds()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zaptest.NewLogger(t))
	for _, sev := range []models.Severity{models.SeverityInfo, models.SeverityWarning, models.SeverityCritical} {
		assert.NoError(t, s.Send(context.Background(), models.Event{Kind: models.EventSystemCritical, Severity: sev}))
	}
}

func TestRedisSinkPublishesJSON(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "phoenix:events")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	sink := NewRedisSink(client, "phoenix:events")
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Send(ctx, models.Event{
		Kind:      models.EventFailoverCompleted,
		Severity:  models.SeverityCritical,
		Payload:   map[string]any{"target_region": "us-west-2"},
		Timestamp: ts,
	}))

	select {
	case msg := <-sub.Channel():
		var got models.Event
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, models.EventFailoverCompleted, got.Kind)
		assert.Equal(t, "us-west-2", got.Payload["target_region"])
		assert.True(t, got.Timestamp.Equal(ts))
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}
}
