package registry

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

const defaultProbeTimeout = 5 * time.Second

// HTTPProber probes nodes over HTTP by fetching a health path relative to
// the node endpoint. A non-2xx response counts as a failed probe.
type HTTPProber struct {
	client *http.Client
	path   string
}

// NewHTTPProber builds a prober hitting endpoint+path with the given
// timeout. Zero values fall back to /health and a 5s timeout.
func NewHTTPProber(path string, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HTTPProber{
		client: &http.Client{Timeout: timeout},
		path:   path,
	}
}

// Probe implements Prober
func (p *HTTPProber) Probe(ctx context.Context, node ServiceNode) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, node.Endpoint+p.path, nil)
	if err != nil {
		return 0, fmt.Errorf("building probe request: %w", err)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return latency, fmt.Errorf("probe failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, fmt.Errorf("probe returned status %d", resp.StatusCode)
	}
	return latency, nil
}
