package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v4/opensearchapi"
)

// Hit is one search hit.
type Hit struct {
	Index  string
	ID     string
	Score  float64
	Source json.RawMessage
}

// SearchResult bundles hits, total count and raw aggregations.
type SearchResult struct {
	Total        int64
	Hits         []Hit
	Aggregations json.RawMessage
}

// DecodeAggregations unmarshals the aggregations block into v.
func (r *SearchResult) DecodeAggregations(v any) error {
	if len(r.Aggregations) == 0 {
		return fmt.Errorf("response has no aggregations")
	}
	if err := json.Unmarshal(r.Aggregations, v); err != nil {
		return fmt.Errorf("decode aggregations: %w", err)
	}
	return nil
}

// Column is one entry of a SQL/PPL schema.
type Column struct {
	Name  string `json:"name"`
	Alias string `json:"alias,omitempty"`
	Type  string `json:"type"`
}

// SQLResult is the JDBC-format answer of the SQL and PPL endpoints.
type SQLResult struct {
	Schema   []Column `json:"schema"`
	DataRows [][]any  `json:"datarows"`
	Total    int      `json:"total"`
	Size     int      `json:"size"`
	Status   int      `json:"status"`
}

// KNNQuery describes a vector search, optionally restricted by filters.
type KNNQuery struct {
	Field   string
	Vector  []float64
	K       int
	Size    int
	Filters []map[string]any
}

// Body renders the query DSL.
func (q KNNQuery) Body() map[string]any {
	knn := map[string]any{
		"knn": map[string]any{
			q.Field: map[string]any{
				"vector": q.Vector,
				"k":      q.K,
			},
		},
	}

	size := q.Size
	if size <= 0 {
		size = q.K
	}

	if len(q.Filters) == 0 {
		return map[string]any{"size": size, "query": knn}
	}

	return map[string]any{
		"size": size,
		"query": map[string]any{
			"bool": map[string]any{
				"must":   []map[string]any{knn},
				"filter": q.Filters,
			},
		},
	}
}

// Search runs a query DSL body against index.
func (c *Client) Search(ctx context.Context, index string, body any) (*SearchResult, error) {
	reader, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	resp, err := c.api.Search(ctx, &opensearchapi.SearchReq{
		Indices: []string{index},
		Body:    reader,
	})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("search %s: %w", index, statusFromResponse(http.MethodPost, "/"+index+"/_search", resp.Inspect().Response, err))
		}
		return nil, fmt.Errorf("search %s: %w", index, err)
	}

	out := &SearchResult{
		Total:        int64(resp.Hits.Total.Value),
		Hits:         make([]Hit, 0, len(resp.Hits.Hits)),
		Aggregations: resp.Aggregations,
	}
	for _, h := range resp.Hits.Hits {
		out.Hits = append(out.Hits, Hit{
			Index:  h.Index,
			ID:     h.ID,
			Score:  float64(h.Score),
			Source: h.Source,
		})
	}
	return out, nil
}

// KNN runs a vector similarity search.
func (c *Client) KNN(ctx context.Context, index string, q KNNQuery) (*SearchResult, error) {
	if q.K <= 0 {
		return nil, fmt.Errorf("knn: k must be positive")
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("knn: empty query vector")
	}
	return c.Search(ctx, index, q.Body())
}

// SQL executes a statement through the SQL plugin.
func (c *Client) SQL(ctx context.Context, query string) (*SQLResult, error) {
	return c.queryPlugin(ctx, "/_plugins/_sql", query)
}

// PPL executes a piped processing language query.
func (c *Client) PPL(ctx context.Context, query string) (*SQLResult, error) {
	return c.queryPlugin(ctx, "/_plugins/_ppl", query)
}

func (c *Client) queryPlugin(ctx context.Context, path, query string) (*SQLResult, error) {
	var out SQLResult
	if err := c.Post(ctx, path, map[string]string{"query": query}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CountValue reads a single COUNT(*) style cell from a SQL result.
func (r *SQLResult) CountValue() (int64, error) {
	if len(r.DataRows) == 0 || len(r.DataRows[0]) == 0 {
		return 0, fmt.Errorf("sql result has no rows")
	}
	switch v := r.DataRows[0][0].(type) {
	case float64:
		return int64(v), nil
	case json.Number:
		return v.Int64()
	default:
		return 0, fmt.Errorf("sql result cell is %T, not a number", v)
	}
}
