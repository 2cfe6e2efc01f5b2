package health

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Probe checks a single region.
type Probe interface {
	Probe(ctx context.Context, region string) (healthy bool, latencyMs int64, err error)
}

// ProbeFunc adapts a function to Probe.
type ProbeFunc func(ctx context.Context, region string) (bool, int64, error)

func (f ProbeFunc) Probe(ctx context.Context, region string) (bool, int64, error) {
	return f(ctx, region)
}

// HTTPProbe issues a GET against each region's health endpoint. Any 2xx
// response is healthy.
type HTTPProbe struct {
	client    *http.Client
	endpoints map[string]string
}

// NewHTTPProbe creates an HTTPProbe. A nil client selects one without its
// own timeout; the monitor bounds each probe through the context.
func NewHTTPProbe(endpoints map[string]string, client *http.Client) *HTTPProbe {
	if client == nil {
		client = &http.Client{}
	}
	eps := make(map[string]string, len(endpoints))
	for k, v := range endpoints {
		eps[k] = v
	}
	return &HTTPProbe{client: client, endpoints: eps}
}

func (p *HTTPProbe) Probe(ctx context.Context, region string) (bool, int64, error) {
	url, ok := p.endpoints[region]
	if !ok || url == "" {
		return false, 0, fmt.Errorf("health: no probe endpoint configured for region %q", region)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, 0, fmt.Errorf("health: build probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return false, latency, fmt.Errorf("health: probe %s: %w", region, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false, latency, fmt.Errorf("health: probe %s: status %d", region, resp.StatusCode)
	}
	return true, latency, nil
}
