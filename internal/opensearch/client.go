package opensearch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v4"
	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/logger"
)

// Config describes how to reach the cluster.
type Config struct {
	Addr     string
	Username string
	Password string
	// Insecure disables certificate verification while keeping TLS.
	Insecure bool
}

// ConfigFrom maps the shared env config onto a client Config.
func ConfigFrom(c config.Common) Config {
	return Config{
		Addr:     c.OpenSearchAddr,
		Username: c.OpenSearchUsername,
		Password: c.OpenSearchPassword,
		Insecure: c.OpenSearchInsecure,
	}
}

// Client wraps opensearch-go with the calls the smoke suites need.
type Client struct {
	api  *opensearchapi.Client
	addr string
	log  *slog.Logger
}

// ClusterInfo is the subset of GET / the suites report on.
type ClusterInfo struct {
	ClusterName  string
	Version      string
	Distribution string
}

// New builds a client. It does not contact the cluster; call Info or Ping for that.
func New(cfg Config, log *slog.Logger) (*Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("opensearch address required")
	}

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // lab clusters use self-signed certs
	}

	api, err := opensearchapi.NewClient(opensearchapi.Config{
		Client: opensearch.Config{
			Addresses:    []string{cfg.Addr},
			Username:     cfg.Username,
			Password:     cfg.Password,
			Transport:    tr,
			DisableRetry: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create opensearch client: %w", err)
	}

	if log == nil {
		log = logger.Discard()
	}

	return &Client{api: api, addr: cfg.Addr, log: log}, nil
}

// Addr returns the configured cluster address.
func (c *Client) Addr() string { return c.addr }

// API exposes the typed client for callers that need an endpoint not wrapped here.
func (c *Client) API() *opensearchapi.Client { return c.api }

// Info fetches cluster name and version.
func (c *Client) Info(ctx context.Context) (*ClusterInfo, error) {
	resp, err := c.api.Info(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("cluster info: %w", err)
	}

	return &ClusterInfo{
		ClusterName:  resp.ClusterName,
		Version:      resp.Version.Number,
		Distribution: resp.Version.Distribution,
	}, nil
}

// Ping checks that the cluster answers authenticated requests.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.Info(ctx); err != nil {
		return fmt.Errorf("ping opensearch: %w", err)
	}
	return nil
}

// Health reports an error when cluster health cannot be read.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.api.Cluster.Health(ctx, &opensearchapi.ClusterHealthReq{})
	if err != nil {
		return fmt.Errorf("cluster health: %w", err)
	}
	if resp.Status == "red" {
		return fmt.Errorf("cluster health is red")
	}
	return nil
}
