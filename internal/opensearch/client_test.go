package opensearch_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/opensearch/opensearchtest"
)

func newClient(t *testing.T, srv *opensearchtest.Server, user, pass string) *opensearch.Client {
	t.Helper()
	c, err := opensearch.New(opensearch.Config{Addr: srv.URL, Username: user, Password: pass}, nil)
	require.NoError(t, err)
	return c
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := opensearch.New(opensearch.Config{}, nil)
	require.Error(t, err)
}

func TestInfoAndHealth(t *testing.T) {
	srv := opensearchtest.New(t, opensearchtest.WithBasicAuth("admin", "secret"))
	c := newClient(t, srv, "admin", "secret")

	info, err := c.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fake-cluster", info.ClusterName)
	require.Equal(t, "2.11.0", info.Version)
	require.Equal(t, "opensearch", info.Distribution)

	require.NoError(t, c.Health(context.Background()))
}

func TestPingRejectsBadCredentials(t *testing.T) {
	srv := opensearchtest.New(t, opensearchtest.WithBasicAuth("admin", "secret"))
	c := newClient(t, srv, "admin", "wrong")

	require.Error(t, c.Ping(context.Background()))
}

func TestDoReturnsTruncatedStatusError(t *testing.T) {
	srv := opensearchtest.New(t)
	srv.Handle(http.MethodGet, "/_plugins/_security/api/audit", http.StatusMethodNotAllowed, map[string]string{
		"error": strings.Repeat("x", 500),
	})
	c := newClient(t, srv, "", "")

	_, err := c.Do(context.Background(), http.MethodGet, "/_plugins/_security/api/audit", nil)
	require.Error(t, err)

	var se *opensearch.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusMethodNotAllowed, se.StatusCode)
	require.LessOrEqual(t, len([]rune(se.Body)), 203)
	require.True(t, strings.HasSuffix(se.Body, "..."))
}

func TestCallKeepsNon2xx(t *testing.T) {
	srv := opensearchtest.New(t)
	srv.Handle(http.MethodGet, "/_plugins/_security/health", http.StatusServiceUnavailable, map[string]string{"status": "DOWN"})
	c := newClient(t, srv, "", "")

	resp, err := c.Call(context.Background(), http.MethodGet, "/_plugins/_security/health", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	obj, err := resp.Object()
	require.NoError(t, err)
	require.Equal(t, "DOWN", obj["status"])
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "abc", opensearch.Truncate("abc", 5))
	require.Equal(t, "ab...", opensearch.Truncate("abcdef", 2))
	require.Equal(t, "김철...", opensearch.Truncate("김철수", 2))
	require.Equal(t, "abc", opensearch.Truncate("abc", 0))
}

func TestBulkIndexThenCount(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")
	ctx := context.Background()

	require.NoError(t, c.RecreateIndex(ctx, "people", map[string]any{
		"mappings": map[string]any{"properties": map[string]any{"name": map[string]any{"type": "keyword"}}},
	}))

	docs := []opensearch.Document{
		{ID: "1", Source: map[string]any{"name": "a", "dept": "IT"}},
		{ID: "2", Source: map[string]any{"name": "b", "dept": "HR"}},
		{ID: "3", Source: map[string]any{"name": "c", "dept": "IT"}},
	}
	res, err := c.BulkIndex(ctx, "people", docs)
	require.NoError(t, err)
	require.NoError(t, res.Err())
	require.Equal(t, 3, res.Indexed)
	require.Zero(t, res.Failed)

	require.NoError(t, c.Refresh(ctx, "people"))

	total, err := c.Count(ctx, "people", nil)
	require.NoError(t, err)
	require.EqualValues(t, 3, total)

	it, err := c.Count(ctx, "people", map[string]any{"term": map[string]any{"dept": "IT"}})
	require.NoError(t, err)
	require.EqualValues(t, 2, it)

	// Recreating drops the previous documents.
	require.NoError(t, c.RecreateIndex(ctx, "people", nil))
	total, err = c.Count(ctx, "people", nil)
	require.NoError(t, err)
	require.Zero(t, total)
}

func TestDeleteMissingIndexIsNotAnError(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")

	require.NoError(t, c.DeleteIndex(context.Background(), "nope"))

	exists, err := c.IndexExists(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestCreateExistingIndexFails(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")
	ctx := context.Background()

	require.NoError(t, c.CreateIndex(ctx, "dup", nil))
	err := c.CreateIndex(ctx, "dup", nil)
	require.Error(t, err)

	var se *opensearch.StatusError
	require.True(t, errors.As(err, &se))
	require.Equal(t, http.StatusBadRequest, se.StatusCode)
}

func TestKNNReturnsAtMostKSortedByScore(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")
	ctx := context.Background()

	require.NoError(t, c.CreateIndex(ctx, "products", map[string]any{
		"settings": map[string]any{"index": map[string]any{"knn": true}},
		"mappings": map[string]any{"properties": map[string]any{
			"features": map[string]any{
				"type":      "knn_vector",
				"dimension": 3,
				"method":    map[string]any{"name": "hnsw", "space_type": "l2", "engine": "lucene"},
			},
		}},
	}))

	vectors := [][]float64{
		{0.9, 0.1, 0.2}, {0.8, 0.2, 0.3}, {0.7, 0.3, 0.4},
		{0.1, 0.9, 0.1}, {0.2, 0.8, 0.2}, {0.1, 0.1, 0.9},
	}
	docs := make([]opensearch.Document, 0, len(vectors))
	for i, v := range vectors {
		docs = append(docs, opensearch.Document{ID: string(rune('a' + i)), Source: map[string]any{"features": v}})
	}
	_, err := c.BulkIndex(ctx, "products", docs)
	require.NoError(t, err)
	require.NoError(t, c.Refresh(ctx, "products"))

	res, err := c.KNN(ctx, "products", opensearch.KNNQuery{Field: "features", Vector: []float64{0.9, 0.1, 0.2}, K: 3})
	require.NoError(t, err)
	require.LessOrEqual(t, len(res.Hits), 3)
	require.Equal(t, "a", res.Hits[0].ID)
	for i := 1; i < len(res.Hits); i++ {
		require.GreaterOrEqual(t, res.Hits[i-1].Score, res.Hits[i].Score)
	}
}

func TestKNNValidatesInput(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")

	_, err := c.KNN(context.Background(), "x", opensearch.KNNQuery{Field: "v", Vector: []float64{1}, K: 0})
	require.Error(t, err)
	_, err = c.KNN(context.Background(), "x", opensearch.KNNQuery{Field: "v", K: 3})
	require.Error(t, err)
}

func TestKNNQueryBodyWithFilters(t *testing.T) {
	q := opensearch.KNNQuery{
		Field:   "content_vector",
		Vector:  []float64{0.5, 0.5},
		K:       10,
		Size:    5,
		Filters: []map[string]any{{"term": map[string]any{"category": "기술"}}},
	}
	body := q.Body()
	require.Equal(t, 5, body["size"])

	boolQuery := body["query"].(map[string]any)["bool"].(map[string]any)
	require.Len(t, boolQuery["must"], 1)
	require.Len(t, boolQuery["filter"], 1)
}

func TestSQLCountAndPPLEndpoint(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")
	ctx := context.Background()

	docs := make([]opensearch.Document, 10)
	for i := range docs {
		docs[i] = opensearch.Document{Source: map[string]any{"n": i}}
	}
	_, err := c.BulkIndex(ctx, "sql-test-employees", docs)
	require.NoError(t, err)

	res, err := c.SQL(ctx, "SELECT COUNT(*) FROM `sql-test-employees`")
	require.NoError(t, err)
	n, err := res.CountValue()
	require.NoError(t, err)
	require.EqualValues(t, 10, n)

	_, err = c.PPL(ctx, "search source=sql-test-employees | head 5")
	require.NoError(t, err)
	require.True(t, srv.Requested(http.MethodPost, "/_plugins/_ppl"))
}

func TestCatHelpers(t *testing.T) {
	srv := opensearchtest.New(t, opensearchtest.WithPlugins("opensearch-knn", "opensearch-ml", "opensearch-ml"))
	c := newClient(t, srv, "", "")
	ctx := context.Background()

	require.NoError(t, c.CreateIndex(ctx, "mongodb-customers-test", nil))
	require.NoError(t, c.CreateIndex(ctx, "other", nil))

	rows, err := c.CatIndices(ctx, "mongodb*")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "mongodb-customers-test", rows[0].Index)

	plugins, err := c.CatPlugins(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"opensearch-ml"}, opensearch.PluginComponents(plugins, "ml"))
}

func TestOutcomeStoreRoundTrip(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")
	store := opensearch.NewOutcomeStore(c, "smoke-outcomes")
	ctx := context.Background()

	require.NoError(t, store.EnsureIndex(ctx))
	require.NoError(t, store.EnsureIndex(ctx))

	now := time.Now().UTC()
	outcomes := []models.OutcomeDocument{
		{ID: "r1-sql-count", RunID: "r1", Suite: "sql", Step: "count", Status: "passed", Timestamp: now.Add(-time.Minute)},
		{ID: "r1-sql-ppl", RunID: "r1", Suite: "sql", Step: "ppl", Status: "failed", Timestamp: now},
		{ID: "r0-knn-basic", RunID: "r0", Suite: "knn", Step: "basic", Status: "passed", Timestamp: now.Add(-60 * 24 * time.Hour)},
	}
	for _, o := range outcomes {
		require.NoError(t, store.IndexOutcome(ctx, o))
	}

	page, err := store.SearchOutcomes(ctx, opensearch.OutcomeQuery{RunID: "r1"})
	require.NoError(t, err)
	require.EqualValues(t, 2, page.Total)
	require.Equal(t, "ppl", page.Items[0].Step)

	page, err = store.SearchOutcomes(ctx, opensearch.OutcomeQuery{Status: "passed", Sort: "timestamp:asc"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "r0", page.Items[0].RunID)

	deleted, err := store.DeleteOlderThan(ctx, 30*24*time.Hour, 100)
	require.NoError(t, err)
	require.EqualValues(t, 1, deleted)
	require.Equal(t, 2, srv.DocCount("smoke-outcomes"))
}

func TestWaitForClusterRetriesUntilReachable(t *testing.T) {
	srv := opensearchtest.New(t)
	c := newClient(t, srv, "", "")

	calls := 0
	ping := func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return c.Ping(ctx)
	}
	policy := opensearch.WaitPolicy{Attempts: 5, Initial: time.Millisecond, Max: 5 * time.Millisecond, PingTimeout: time.Second}

	require.NoError(t, opensearch.WaitForCluster(context.Background(), ping, policy, logger.Discard()))
	require.Equal(t, 3, calls)
}

func TestWaitForClusterGivesUp(t *testing.T) {
	policy := opensearch.WaitPolicy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond, PingTimeout: time.Second}
	down := errors.New("down")

	err := opensearch.WaitForCluster(context.Background(), func(context.Context) error { return down }, policy, logger.Discard())
	require.ErrorIs(t, err, down)
	require.ErrorContains(t, err, "after 3 attempt(s)")
}
