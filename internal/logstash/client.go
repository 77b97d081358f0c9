// Package logstash talks to a Logstash node: the monitoring API for liveness
// and the HTTP input plugin for test events.
package logstash

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// NodeInfo is the subset of the monitoring API root the suites print.
type NodeInfo struct {
	Host    string `json:"host"`
	Version string `json:"version"`
	Status  string `json:"status"`
}

// StatusError reports a non-200 answer.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("logstash %s: status %d", e.URL, e.StatusCode)
}

// Client holds the two Logstash endpoints.
type Client struct {
	monitorAddr   string
	ingestAddr    string
	http          *http.Client
	probeTimeout  time.Duration
	ingestTimeout time.Duration
}

// New builds a client. Zero timeouts fall back to 5s for probes and 10s for
// ingest.
func New(monitorAddr, ingestAddr string, probeTimeout, ingestTimeout time.Duration) *Client {
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}
	if ingestTimeout <= 0 {
		ingestTimeout = 10 * time.Second
	}
	return &Client{
		monitorAddr:   strings.TrimRight(monitorAddr, "/"),
		ingestAddr:    strings.TrimRight(ingestAddr, "/"),
		http:          &http.Client{},
		probeTimeout:  probeTimeout,
		ingestTimeout: ingestTimeout,
	}
}

// Probe reads the monitoring API root.
func (c *Client) Probe(ctx context.Context) (*NodeInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.monitorAddr+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe logstash: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil, &StatusError{URL: req.URL.String(), StatusCode: res.StatusCode}
	}

	var info NodeInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode logstash node info: %w", err)
	}
	return &info, nil
}

// Send posts event as JSON to the HTTP input.
func (c *Client) Send(ctx context.Context, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.ingestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ingestAddr, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("send event to logstash: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)

	if res.StatusCode != http.StatusOK {
		return &StatusError{URL: req.URL.String(), StatusCode: res.StatusCode}
	}
	return nil
}
