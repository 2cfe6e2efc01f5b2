package health

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Window keeps the most recent samples of each region.
type Window interface {
	// Append records s and trims the region's window to size samples.
	Append(ctx context.Context, s models.HealthSample, size int) error
	// Recent returns up to n samples of region, newest first.
	Recent(ctx context.Context, region string, n int) ([]models.HealthSample, error)
}

// MemoryWindow is an in-process Window.
type MemoryWindow struct {
	mu      sync.Mutex
	samples map[string][]models.HealthSample // oldest first
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{samples: make(map[string][]models.HealthSample)}
}

func (w *MemoryWindow) Append(_ context.Context, s models.HealthSample, size int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := append(w.samples[s.Region], s)
	if size > 0 && len(list) > size {
		list = append([]models.HealthSample(nil), list[len(list)-size:]...)
	}
	w.samples[s.Region] = list
	return nil
}

func (w *MemoryWindow) Recent(_ context.Context, region string, n int) ([]models.HealthSample, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.samples[region]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]models.HealthSample, 0, n)
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, list[i])
	}
	return out, nil
}

// RedisWindow keeps samples in one Redis list per region so that every
// instance sharing the Redis sees the same history.
type RedisWindow struct {
	client *redis.Client
	prefix string
}

func NewRedisWindow(client *redis.Client, prefix string) *RedisWindow {
	return &RedisWindow{client: client, prefix: prefix}
}

func (w *RedisWindow) key(region string) string {
	return w.prefix + region
}

func (w *RedisWindow) Append(ctx context.Context, s models.HealthSample, size int) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("health: encode sample: %w", err)
	}
	key := w.key(s.Region)
	pipe := w.client.TxPipeline()
	pipe.LPush(ctx, key, data)
	if size > 0 {
		pipe.LTrim(ctx, key, 0, int64(size-1))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("health: append sample for %s: %w", s.Region, err)
	}
	return nil
}

func (w *RedisWindow) Recent(ctx context.Context, region string, n int) ([]models.HealthSample, error) {
	stop := int64(-1)
	if n > 0 {
		stop = int64(n - 1)
	}
	raw, err := w.client.LRange(ctx, w.key(region), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("health: read samples for %s: %w", region, err)
	}
	out := make([]models.HealthSample, 0, len(raw))
	for _, r := range raw {
		var s models.HealthSample
		if err := json.Unmarshal([]byte(r), &s); err != nil {
			return nil, fmt.Errorf("health: decode sample for %s: %w", region, err)
		}
		out = append(out, s)
	}
	return out, nil
}
