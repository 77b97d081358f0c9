// Package probe checks unauthenticated HTTP endpoints that sit beside the
// cluster, such as the Performance Analyzer agent.
package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout bounds a probe when none is configured.
const DefaultTimeout = 5 * time.Second

// Result is the outcome of a probe that reached the server.
type Result struct {
	StatusCode int
	Latency    time.Duration
	Body       []byte
}

// OK reports a 2xx answer.
func (r *Result) OK() bool { return r.StatusCode >= 200 && r.StatusCode < 300 }

// HTTP probes one URL with GET.
type HTTP struct {
	URL     string
	Timeout time.Duration
	Client  *http.Client
}

// New builds an HTTP probe.
func New(url string, timeout time.Duration) *HTTP {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTP{URL: url, Timeout: timeout, Client: &http.Client{}}
}

// Check issues the request. Only transport failures and timeouts are errors;
// any status code is reported in the Result.
func (p *HTTP) Check(ctx context.Context) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	start := time.Now()
	res, err := p.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", p.URL, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read probe response: %w", err)
	}

	return &Result{StatusCode: res.StatusCode, Latency: time.Since(start), Body: body}, nil
}
