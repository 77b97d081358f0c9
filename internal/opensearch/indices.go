package opensearch

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// CatIndex is one row of _cat/indices.
type CatIndex struct {
	Index     string `json:"index"`
	Health    string `json:"health"`
	Status    string `json:"status"`
	DocsCount string `json:"docs.count"`
}

// CatPlugin is one row of _cat/plugins.
type CatPlugin struct {
	Name      string `json:"name"`
	Component string `json:"component"`
	Version   string `json:"version"`
}

// IndexExists reports whether the index is present.
func (c *Client) IndexExists(ctx context.Context, name string) (bool, error) {
	res, err := c.api.Indices.Exists(ctx, opensearchapi.IndicesExistsReq{Indices: []string{name}})
	if res != nil && res.Body != nil {
		defer res.Body.Close()
	}
	if res != nil && res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check index %s: %w", name, statusFromResponse(http.MethodHead, "/"+name, res, err))
	}
	return true, nil
}

// DeleteIndex removes the index. A missing index is not an error.
func (c *Client) DeleteIndex(ctx context.Context, name string) error {
	resp, err := c.api.Indices.Delete(ctx, opensearchapi.IndicesDeleteReq{Indices: []string{name}})
	if err == nil {
		return nil
	}
	if resp != nil {
		res := resp.Inspect().Response
		if res != nil && res.StatusCode == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("delete index %s: %w", name, statusFromResponse(http.MethodDelete, "/"+name, res, err))
	}
	return fmt.Errorf("delete index %s: %w", name, err)
}

// CreateIndex creates the index with the given settings/mappings body.
func (c *Client) CreateIndex(ctx context.Context, name string, body any) error {
	reader, err := encodeBody(body)
	if err != nil {
		return err
	}

	resp, err := c.api.Indices.Create(ctx, opensearchapi.IndicesCreateReq{Index: name, Body: reader})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("create index %s: %w", name, statusFromResponse(http.MethodPut, "/"+name, resp.Inspect().Response, err))
		}
		return fmt.Errorf("create index %s: %w", name, err)
	}
	if !resp.Acknowledged {
		return fmt.Errorf("create index %s: not acknowledged", name)
	}
	return nil
}

// RecreateIndex deletes the index when present and creates it again.
func (c *Client) RecreateIndex(ctx context.Context, name string, body any) error {
	exists, err := c.IndexExists(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		if err := c.DeleteIndex(ctx, name); err != nil {
			return err
		}
		c.log.Debug("deleted existing index", "index", name)
	}
	return c.CreateIndex(ctx, name, body)
}

// Refresh makes recent writes on the indices visible to search.
func (c *Client) Refresh(ctx context.Context, names ...string) error {
	path := "/_refresh"
	if len(names) > 0 {
		path = "/" + strings.Join(names, ",") + "/_refresh"
	}
	if _, err := c.Do(ctx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("refresh: %w", err)
	}
	return nil
}

// Count returns the number of documents matching query (all documents when nil).
func (c *Client) Count(ctx context.Context, index string, query map[string]any) (int64, error) {
	var body any
	if query != nil {
		body = map[string]any{"query": query}
	}

	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := c.Post(ctx, "/"+url.PathEscape(index)+"/_count", body, &parsed); err != nil {
		return 0, fmt.Errorf("count %s: %w", index, err)
	}
	return parsed.Count, nil
}

// CatIndices lists indices whose name matches pattern ("" for all).
func (c *Client) CatIndices(ctx context.Context, pattern string) ([]CatIndex, error) {
	path := "/_cat/indices"
	if pattern != "" {
		path += "/" + pattern
	}

	var rows []CatIndex
	if err := c.Get(ctx, path+"?format=json", &rows); err != nil {
		return nil, fmt.Errorf("cat indices: %w", err)
	}
	return rows, nil
}

// CatPlugins lists installed plugins across nodes.
func (c *Client) CatPlugins(ctx context.Context) ([]CatPlugin, error) {
	var rows []CatPlugin
	if err := c.Get(ctx, "/_cat/plugins?format=json", &rows); err != nil {
		return nil, fmt.Errorf("cat plugins: %w", err)
	}
	return rows, nil
}

// PluginComponents returns the distinct components whose name contains substr.
func PluginComponents(plugins []CatPlugin, substr string) []string {
	substr = strings.ToLower(substr)
	seen := make(map[string]struct{})
	var out []string
	for _, p := range plugins {
		if !strings.Contains(strings.ToLower(p.Component), substr) {
			continue
		}
		if _, ok := seen[p.Component]; ok {
			continue
		}
		seen[p.Component] = struct{}{}
		out = append(out, p.Component)
	}
	return out
}
