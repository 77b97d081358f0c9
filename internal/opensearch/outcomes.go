package opensearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/models"
)

// OutcomeStore persists step outcomes in a dedicated index.
type OutcomeStore struct {
	c     *Client
	index string
}

// OutcomeQuery narrows the outcome search.
type OutcomeQuery struct {
	RunID  string
	Suite  string
	Status string
	From   int
	Size   int
	Sort   string
	Start  *time.Time
	End    *time.Time
}

// OutcomePage is one page of outcomes plus the total match count.
type OutcomePage struct {
	Total int64                    `json:"total"`
	Items []models.OutcomeDocument `json:"items"`
}

var outcomeMapping = map[string]any{
	"mappings": map[string]any{
		"properties": map[string]any{
			"id":          map[string]any{"type": "keyword"},
			"run_id":      map[string]any{"type": "keyword"},
			"suite":       map[string]any{"type": "keyword"},
			"step":        map[string]any{"type": "keyword"},
			"status":      map[string]any{"type": "keyword"},
			"detail":      map[string]any{"type": "text"},
			"duration_ms": map[string]any{"type": "long"},
			"timestamp":   map[string]any{"type": "date"},
		},
	},
}

// NewOutcomeStore binds the store to index.
func NewOutcomeStore(c *Client, index string) *OutcomeStore {
	return &OutcomeStore{c: c, index: index}
}

// Index returns the backing index name.
func (s *OutcomeStore) Index() string { return s.index }

// Health checks the cluster behind the store.
func (s *OutcomeStore) Health(ctx context.Context) error { return s.c.Health(ctx) }

// Ping checks that the cluster answers.
func (s *OutcomeStore) Ping(ctx context.Context) error { return s.c.Ping(ctx) }

// EnsureIndex creates the outcome index when it is missing.
func (s *OutcomeStore) EnsureIndex(ctx context.Context) error {
	exists, err := s.c.IndexExists(ctx, s.index)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.c.CreateIndex(ctx, s.index, outcomeMapping)
}

// IndexOutcome writes an outcome keyed by its ID.
func (s *OutcomeStore) IndexOutcome(ctx context.Context, doc models.OutcomeDocument) error {
	if _, err := s.c.IndexDocument(ctx, s.index, doc.ID, doc); err != nil {
		return fmt.Errorf("index outcome: %w", err)
	}
	return nil
}

// SearchOutcomes executes a bool query with optional filters.
func (s *OutcomeStore) SearchOutcomes(ctx context.Context, q OutcomeQuery) (*OutcomePage, error) {
	if q.Size <= 0 {
		q.Size = 20
	}
	if q.Size > 200 {
		q.Size = 200
	}
	if q.From < 0 {
		q.From = 0
	}

	body := map[string]any{
		"from":             q.From,
		"size":             q.Size,
		"track_total_hits": true,
		"query":            map[string]any{"bool": outcomeFilters(q)},
		"sort":             []map[string]any{outcomeSort(q.Sort)},
	}

	res, err := s.c.Search(ctx, s.index, body)
	if err != nil {
		return nil, err
	}

	items := make([]models.OutcomeDocument, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var doc models.OutcomeDocument
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, fmt.Errorf("decode outcome %s: %w", hit.ID, err)
		}
		items = append(items, doc)
	}

	return &OutcomePage{Total: res.Total, Items: items}, nil
}

func outcomeFilters(q OutcomeQuery) map[string]any {
	filters := make([]map[string]any, 0, 4)
	terms := [][2]string{{"run_id", q.RunID}, {"suite", q.Suite}, {"status", q.Status}}
	for _, t := range terms {
		if t[1] != "" {
			filters = append(filters, map[string]any{"term": map[string]any{t[0]: t[1]}})
		}
	}

	if q.Start != nil || q.End != nil {
		rangeQuery := map[string]any{}
		if q.Start != nil {
			rangeQuery["gte"] = q.Start.UTC().Format(time.RFC3339)
		}
		if q.End != nil {
			rangeQuery["lte"] = q.End.UTC().Format(time.RFC3339)
		}
		filters = append(filters, map[string]any{"range": map[string]any{"timestamp": rangeQuery}})
	}

	if len(filters) == 0 {
		return map[string]any{"must": []map[string]any{{"match_all": map[string]any{}}}}
	}
	return map[string]any{"filter": filters}
}

func outcomeSort(raw string) map[string]any {
	field, order := "timestamp", "desc"
	parts := strings.SplitN(raw, ":", 2)
	if parts[0] != "" {
		field = parts[0]
	}
	if len(parts) > 1 && (parts[1] == "asc" || parts[1] == "desc") {
		order = parts[1]
	}
	return map[string]any{field: map[string]any{"order": order}}
}

// DeleteOlderThan removes outcomes older than maxAge using batched delete-by-query.
// It loops until a batch deletes fewer documents than batchSize.
func (s *OutcomeStore) DeleteOlderThan(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}

	cutoff := time.Now().Add(-maxAge).UTC().Format(time.RFC3339)
	params := url.Values{}
	params.Set("wait_for_completion", "true")
	params.Set("conflicts", "proceed")
	params.Set("scroll_size", strconv.Itoa(batchSize))
	path := "/" + url.PathEscape(s.index) + "/_delete_by_query?" + params.Encode()

	body := map[string]any{
		"query": map[string]any{
			"range": map[string]any{
				"timestamp": map[string]any{"lte": cutoff},
			},
		},
	}

	var total int64
	for {
		var parsed struct {
			Deleted int64 `json:"deleted"`
		}
		if err := s.c.Post(ctx, path, body, &parsed); err != nil {
			return total, fmt.Errorf("delete by query: %w", err)
		}

		total += parsed.Deleted
		if parsed.Deleted < int64(batchSize) {
			return total, nil
		}
	}
}
