package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/opensearch/opensearchtest"
	"github.com/DeafMist/plugin-smoke/internal/processing"
)

var base = time.Date(2025, time.August, 12, 10, 0, 0, 0, time.UTC)

func outcome(runID, suite, step, status string, at time.Time) models.OutcomeDocument {
	return models.OutcomeDocument{
		ID:        processing.BuildDocumentID(runID, suite, step),
		RunID:     runID,
		Suite:     suite,
		Step:      step,
		Status:    status,
		Timestamp: at,
	}
}

func newTestServer(t *testing.T) http.Handler {
	t.Helper()
	fake := opensearchtest.New(t)
	c, err := opensearch.New(opensearch.Config{Addr: fake.URL}, nil)
	require.NoError(t, err)
	store := opensearch.NewOutcomeStore(c, "smoke-outcomes")

	ctx := context.Background()
	require.NoError(t, store.EnsureIndex(ctx))
	for _, o := range []models.OutcomeDocument{
		outcome("run-a", "sql", "plugin-installed", "passed", base),
		outcome("run-a", "sql", "basic-select", "passed", base.Add(time.Second)),
		outcome("run-a", "sql", "ppl-where", "failed", base.Add(2*time.Second)),
		outcome("run-a", "full", "performance-analyzer", "warning", base.Add(3*time.Second)),
		outcome("run-b", "knn", "basic-search", "passed", base.Add(time.Hour)),
	} {
		require.NoError(t, store.IndexOutcome(ctx, o))
	}
	require.NoError(t, c.Refresh(ctx, store.Index()))

	srv := &server{
		log:   logger.Discard(),
		cfg:   &config.API{DefaultPage: 20, MaxPage: 100},
		store: store,
	}
	return srv.routes(prometheus.NewRegistry())
}

func get(t *testing.T, h http.Handler, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	h := newTestServer(t)

	var body map[string]string
	require.Equal(t, http.StatusOK, get(t, h, "/health", &body))
	require.Equal(t, "ok", body["status"])
}

func TestOutcomesFilters(t *testing.T) {
	h := newTestServer(t)

	tests := map[string]struct {
		query string
		total int64
	}{
		"all":           {"", 5},
		"by run":        {"?run_id=run-a", 4},
		"by suite":      {"?suite=sql", 3},
		"by status":     {"?status=PASSED", 3},
		"run and suite": {"?run_id=run-a&suite=full", 1},
		"time range":    {"?start=2025-08-12T10:30:00Z", 1},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var page opensearch.OutcomePage
			require.Equal(t, http.StatusOK, get(t, h, "/outcomes"+tc.query, &page))
			require.Equal(t, tc.total, page.Total)
		})
	}
}

func TestOutcomesPagingAndSort(t *testing.T) {
	h := newTestServer(t)

	var page opensearch.OutcomePage
	require.Equal(t, http.StatusOK, get(t, h, "/outcomes?sort=timestamp:asc&size=2&from=1", &page))
	require.EqualValues(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	require.Equal(t, "basic-select", page.Items[0].Step)
	require.Equal(t, "ppl-where", page.Items[1].Step)
}

func TestOutcomesRejectsBadInput(t *testing.T) {
	h := newTestServer(t)

	for _, q := range []string{"?status=green", "?sort=detail", "?sort=timestamp:up", "?start=yesterday"} {
		var body errorResponse
		require.Equal(t, http.StatusBadRequest, get(t, h, "/outcomes"+q, &body), q)
		require.NotEmpty(t, body.Error)
	}
}

func TestRunSummary(t *testing.T) {
	h := newTestServer(t)

	var run runSummary
	require.Equal(t, http.StatusOK, get(t, h, "/runs/run-a", &run))
	require.EqualValues(t, 4, run.Total)
	require.Len(t, run.Outcomes, 4)
	require.Equal(t, "plugin-installed", run.Outcomes[0].Step)

	require.Len(t, run.Suites, 2)
	require.Equal(t, "full", run.Suites[0].Suite)
	require.Equal(t, 1, run.Suites[0].Counts["warning"])
	require.Zero(t, run.Suites[0].SuccessRate)
	require.Equal(t, "sql", run.Suites[1].Suite)
	require.Equal(t, 3, run.Suites[1].Steps)
	require.InDelta(t, 2.0/3.0, run.Suites[1].SuccessRate, 1e-9)
}

func TestRunNotFound(t *testing.T) {
	h := newTestServer(t)

	var body errorResponse
	require.Equal(t, http.StatusNotFound, get(t, h, "/runs/nope", &body))
	require.Contains(t, body.Error, "nope")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t)
	get(t, h, "/health", nil)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `http_requests_total{code="200",method="get",route="/health"} 1`)
}

func TestClampInt(t *testing.T) {
	require.Equal(t, 20, clampInt("", 20, 100))
	require.Equal(t, 20, clampInt("x", 20, 100))
	require.Equal(t, 20, clampInt("0", 20, 100))
	require.Equal(t, 100, clampInt("500", 20, 100))
	require.Equal(t, 7, clampInt("7", 20, 100))
}
