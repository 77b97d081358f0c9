package suites_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/logstash"
	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/opensearch/opensearchtest"
	"github.com/DeafMist/plugin-smoke/internal/probe"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
	"github.com/DeafMist/plugin-smoke/internal/suites"
)

func newEnv(t *testing.T, opts ...opensearchtest.Option) (*suites.Env, *opensearchtest.Server) {
	t.Helper()
	srv := opensearchtest.New(t, opts...)
	c, err := opensearch.New(opensearch.Config{Addr: srv.URL}, nil)
	require.NoError(t, err)
	l, err := fixtures.New(c)
	require.NoError(t, err)
	return &suites.Env{
		OS:           c,
		Fixtures:     l,
		Seed:         42,
		RealtimeDays: 1,
		Now:          func() time.Time { return time.Date(2025, time.August, 12, 10, 0, 0, 0, time.UTC) },
	}, srv
}

func run(t *testing.T, env *suites.Env, name string) (*report.Report, error) {
	t.Helper()
	s, err := suites.Build(name, env)
	require.NoError(t, err)
	return runner.New().Run(context.Background(), "run-1", s)
}

func statuses(rep *report.Report) map[string]report.Status {
	out := make(map[string]report.Status, len(rep.Outcomes))
	for _, o := range rep.Outcomes {
		out[o.Step] = o.Status
	}
	return out
}

func detail(rep *report.Report, step string) string {
	for _, o := range rep.Outcomes {
		if o.Step == step {
			return o.Detail
		}
	}
	return ""
}

func stepNamed(t *testing.T, s runner.Suite, name string) runner.Step {
	t.Helper()
	for _, st := range s.Steps {
		if st.Name == name {
			return st
		}
	}
	t.Fatalf("suite %s has no step %q", s.Name, name)
	return runner.Step{}
}

// searchAnswer renders a _search response with one hit per score.
func searchAnswer(index string, scores ...float64) map[string]any {
	hits := make([]any, len(scores))
	for i, score := range scores {
		hits[i] = map[string]any{
			"_index":  index,
			"_id":     fmt.Sprint(i + 1),
			"_score":  score,
			"_source": map[string]any{"product_name": fmt.Sprintf("product-%d", i+1), "name": fmt.Sprintf("vec-%d", i+1)},
		}
	}
	return map[string]any{
		"took":      1,
		"timed_out": false,
		"hits": map[string]any{
			"total": map[string]any{"value": len(scores), "relation": "eq"},
			"hits":  hits,
		},
	}
}

func requireAllPassed(t *testing.T, rep *report.Report) {
	t.Helper()
	for _, o := range rep.Outcomes {
		require.Equal(t, report.Passed, o.Status, "%s: %s", o.Step, o.Detail)
	}
}

func TestNamesAndBuild(t *testing.T) {
	require.Equal(t, []string{
		"connection", "security", "sql", "knn", "alerting",
		"anomaly", "ml", "full", "mongodb", "transfer",
	}, suites.Names())

	env, _ := newEnv(t)
	for _, name := range suites.Names() {
		s, err := suites.Build(name, env)
		require.NoError(t, err)
		require.Equal(t, name, s.Name)
		require.NotEmpty(t, s.Steps)
		require.Positive(t, s.Threshold)
	}

	_, err := suites.Build("nope", env)
	require.ErrorContains(t, err, `unknown suite "nope"`)
}

func TestConnectionSuite(t *testing.T) {
	env, srv := newEnv(t)

	rep, err := run(t, env, "connection")
	require.NoError(t, err)
	requireAllPassed(t, rep)
	require.True(t, rep.Passed())
	require.True(t, srv.HasIndex(fixtures.ConnectionSample))
	require.Contains(t, detail(rep, "search"), "연결 테스트")
}

func TestConnectionFailureMarksStepsNotRun(t *testing.T) {
	env, srv := newEnv(t)
	srv.Close()

	rep, err := run(t, env, "connection")
	require.ErrorIs(t, err, runner.ErrSetup)
	require.Equal(t, len(rep.Outcomes), rep.Count(report.NotRun))
	require.False(t, rep.Passed())
}

func handleSecurity(srv *opensearchtest.Server) {
	srv.Handle(http.MethodGet, "/_plugins/_security/authinfo", http.StatusOK, map[string]any{
		"user_name": "admin",
		"roles":     []string{"all_access", "own_index"},
	})
	srv.Handle(http.MethodGet, "/_plugins/_security/api/internalusers", http.StatusOK, map[string]any{
		"admin": map[string]any{}, "kibanaserver": map[string]any{},
	})
	srv.Handle(http.MethodGet, "/_plugins/_security/api/roles", http.StatusOK, map[string]any{
		"all_access": map[string]any{}, "readall": map[string]any{}, "kibana_user": map[string]any{},
	})
	srv.Handle(http.MethodGet, "/_plugins/_security/api/tenants", http.StatusOK, map[string]any{
		"global_tenant": map[string]any{},
	})
	srv.Handle(http.MethodGet, "/_plugins/_security/api/rolesmapping", http.StatusOK, map[string]any{
		"all_access": map[string]any{},
	})
}

func TestSecuritySuite(t *testing.T) {
	env, srv := newEnv(t)
	handleSecurity(srv)
	srv.Handle(http.MethodGet, "/_plugins/_security/health", http.StatusOK, map[string]any{"status": "UP", "mode": "strict"})
	srv.Handle(http.MethodGet, "/_plugins/_security/api/audit", http.StatusMethodNotAllowed, map[string]any{"status": "error"})

	rep, err := run(t, env, "security")
	require.NoError(t, err)

	got := statuses(rep)
	require.Equal(t, report.Warning, got["audit"])
	require.Equal(t, report.Passed, got["health"])
	require.Equal(t, 6, rep.Count(report.Passed))
	require.True(t, rep.Passed())
	require.Contains(t, detail(rep, "authinfo"), "admin")
	require.Equal(t, "3 roles", detail(rep, "roles"))
}

func TestSecurityMissingEndpoints(t *testing.T) {
	env, srv := newEnv(t)
	handleSecurity(srv)

	rep, err := run(t, env, "security")
	require.NoError(t, err)

	got := statuses(rep)
	require.Equal(t, report.Warning, got["health"])
	require.Equal(t, report.Failed, got["audit"])
}

func TestSQLSuite(t *testing.T) {
	env, srv := newEnv(t)

	rep, err := run(t, env, "sql")
	require.NoError(t, err)
	requireAllPassed(t, rep)
	require.Equal(t, "COUNT(*) = 10", detail(rep, "count-matches-fixture"))
	require.True(t, srv.Requested(http.MethodPost, "/_plugins/_ppl"))
}

func TestSQLSuiteWithoutPlugin(t *testing.T) {
	env, _ := newEnv(t, opensearchtest.WithPlugins("opensearch-knn"))

	rep, err := run(t, env, "sql")
	require.NoError(t, err)
	require.Equal(t, report.Failed, statuses(rep)["plugin-installed"])
}

func TestKNNSuite(t *testing.T) {
	env, srv := newEnv(t)

	rep, err := run(t, env, "knn")
	require.NoError(t, err)
	requireAllPassed(t, rep)

	for _, name := range []string{"knn-test-small", "knn-test-l1", "knn-high-dim-256"} {
		require.True(t, srv.HasIndex(name), name)
	}
	require.Equal(t, 20, srv.DocCount("knn-high-dim-128"))
	require.True(t, strings.HasPrefix(detail(rep, "distance-l2"), "벡터1"))
}

func TestAlertingSuite(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": 1},
			"hits": []any{map[string]any{
				"_id":     "m1",
				"_source": map[string]any{"monitor": map[string]any{"name": "System_Load_Alert", "enabled": true}},
			}},
		},
	})
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors", http.StatusCreated, map[string]any{"_id": "m1"})
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors/m1/_execute", http.StatusOK, map[string]any{
		"monitor_result": map[string]any{"trigger_results": map[string]any{
			"t1": map[string]any{"name": "High_Load", "triggered": true},
		}},
	})

	rep, err := run(t, env, "alerting")
	require.NoError(t, err)
	requireAllPassed(t, rep)
	require.True(t, rep.Passed())
	require.Contains(t, detail(rep, "execute-monitors"), "1 trigger(s) fired")
	require.Equal(t, 30, srv.DocCount(suites.DailyMetricsIndex))
	require.Positive(t, srv.DocCount(suites.RealtimeIndex))
}

func TestAlertingNoMonitorCreated(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors", http.StatusBadRequest, map[string]any{"error": "bad monitor"})

	rep, err := run(t, env, "alerting")
	require.NoError(t, err)
	require.Equal(t, report.Failed, statuses(rep)["create-monitors"])
	require.False(t, rep.Passed())
}

func TestAnomalySuite(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors", http.StatusCreated, map[string]any{"_id": "d1"})
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors/d1/_start", http.StatusOK, map[string]any{"_id": "d1"})

	rep, err := run(t, env, "anomaly")
	require.NoError(t, err)
	requireAllPassed(t, rep)
	require.Contains(t, detail(rep, "create-detectors"), "daily_transaction_anomaly_detector=d1")
}

func TestAnomalyDetectorFallsBackToExisting(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{
			"total": map[string]any{"value": 1},
			"hits":  []any{map[string]any{"_id": "existing"}},
		},
	})
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors", http.StatusConflict, map[string]any{"error": "duplicate name"})

	rep, err := run(t, env, "anomaly")
	require.NoError(t, err)
	require.Equal(t, report.Passed, statuses(rep)["create-detectors"])
	require.Contains(t, detail(rep, "create-detectors"), "=existing")
}

func TestMLSuite(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_ml/models/_register", http.StatusBadRequest, map[string]any{"error": "unsupported model"})
	srv.Handle(http.MethodPost, "/_plugins/_ml/models/_search", http.StatusOK, map[string]any{
		"hits": map[string]any{"total": map[string]any{"value": 0}, "hits": []any{}},
	})
	srv.Handle(http.MethodGet, "/_plugins/_ml/stats", http.StatusOK, map[string]any{
		"nodes": map[string]any{"n1": map[string]any{}},
	})

	rep, err := run(t, env, "ml")
	require.NoError(t, err)

	got := statuses(rep)
	require.Equal(t, report.Warning, got["register-model"])
	delete(got, "register-model")
	for step, s := range got {
		require.Equal(t, report.Passed, s, "%s: %s", step, detail(rep, step))
	}
	require.False(t, rep.Passed(), "warnings do not count towards a strict threshold")
	require.Equal(t, 200, srv.DocCount(suites.MLCustomerIndex))
	require.Equal(t, 300, srv.DocCount(suites.MLTransactionIndex))
}

type prober struct {
	res *probe.Result
	err error
}

func (p prober) Check(context.Context) (*probe.Result, error) { return p.res, p.err }

func TestFullSuite(t *testing.T) {
	env, srv := newEnv(t)
	handleSecurity(srv)
	srv.Handle(http.MethodGet, "/_plugins/_alerting/monitors", http.StatusOK, map[string]any{"totalMonitors": 2})
	srv.Handle(http.MethodPost, "/_plugins/_alerting/monitors", http.StatusCreated, map[string]any{"_id": "kcb"})
	srv.Handle(http.MethodGet, "/_plugins/_ml/stats", http.StatusOK, map[string]any{"nodes": map[string]any{}})
	srv.Handle(http.MethodGet, "/_plugins/_ism/policies", http.StatusOK, map[string]any{"total_policies": 1})
	srv.Handle(http.MethodGet, "/_plugins/_observability/object", http.StatusOK, map[string]any{
		"observabilityObjectList": []any{map[string]any{"objectId": "o1"}},
	})
	env.PerfAnalyzer = prober{err: errors.New("connection refused")}

	rep, err := run(t, env, "full")
	require.NoError(t, err)

	got := statuses(rep)
	require.Len(t, got, 8)
	require.Equal(t, report.Warning, got["performance-analyzer"])
	require.Equal(t, 7, rep.Count(report.Passed))
	require.True(t, rep.Passed())
	require.Contains(t, detail(rep, "knn"), "스마트폰")
	require.True(t, srv.HasIndex(fixtures.KCBCustomers))
}

func TestFullPerformanceAnalyzerStatus(t *testing.T) {
	env, _ := newEnv(t)

	env.PerfAnalyzer = prober{res: &probe.Result{StatusCode: http.StatusServiceUnavailable}}
	step := stepNamed(t, suites.Full(env), "performance-analyzer")
	_, err := step.Run(context.Background())
	require.True(t, report.IsWarning(err))

	env.PerfAnalyzer = prober{res: &probe.Result{StatusCode: http.StatusOK, Latency: time.Millisecond}}
	out, err := step.Run(context.Background())
	require.NoError(t, err)
	require.Contains(t, out, "metrics served")
}

type stubMongo struct {
	colls map[string][]map[string]any
}

func newStubMongo() *stubMongo {
	return &stubMongo{colls: map[string][]map[string]any{
		mongodb.Customers: {
			{"customer_id": "CUST001", "name": "김철수", "risk_level": "LOW", "location": map[string]any{"city": "서울"}},
			{"customer_id": "CUST004", "name": "최지훈", "risk_level": "HIGH", "location": map[string]any{"city": "부산"}},
			{"customer_id": "CUST005", "name": "정수진", "risk_level": "MEDIUM", "location": map[string]any{"city": "서울"}},
		},
		mongodb.Transactions: {
			{"transaction_id": "TXN001", "amount": 50000.0, "category": "식료품", "is_suspicious": false},
			{"transaction_id": "TXN004", "amount": 5000000.0, "category": "전자제품", "is_suspicious": true},
		},
		mongodb.SystemLogs: {
			{"level": "ERROR", "service": "payment", "message": "timeout"},
		},
	}}
}

func (m *stubMongo) CollectionCounts(context.Context) (map[string]int64, error) {
	out := make(map[string]int64, len(m.colls))
	for name, docs := range m.colls {
		out[name] = int64(len(docs))
	}
	return out, nil
}

// Find matches top-level equality filters only.
func (m *stubMongo) Find(_ context.Context, coll string, filter bson.M, _ []string, limit int64) ([]map[string]any, error) {
	var out []map[string]any
	for _, doc := range m.colls[coll] {
		match := true
		for k, v := range filter {
			if strings.Contains(k, ".") {
				continue
			}
			if fmt.Sprint(doc[k]) != fmt.Sprint(v) {
				match = false
			}
		}
		if match {
			out = append(out, doc)
		}
		if limit > 0 && int64(len(out)) == limit {
			break
		}
	}
	return out, nil
}

func (m *stubMongo) Documents(ctx context.Context, coll string, limit int64) ([]map[string]any, error) {
	return m.Find(ctx, coll, bson.M{}, nil, limit)
}

func (m *stubMongo) CategoryTotals(context.Context) ([]mongodb.CategoryTotal, error) {
	return []mongodb.CategoryTotal{{Category: "전자제품", TotalAmount: 5000000, Count: 1}}, nil
}

type stubLogstash struct {
	probeErr error
	sent     []any
}

func (l *stubLogstash) Probe(context.Context) (*logstash.NodeInfo, error) {
	if l.probeErr != nil {
		return nil, l.probeErr
	}
	return &logstash.NodeInfo{Host: "logstash", Version: "8.11.0", Status: "green"}, nil
}

func (l *stubLogstash) Send(_ context.Context, event any) error {
	l.sent = append(l.sent, event)
	return nil
}

func withMongo(env *suites.Env, src suites.MongoSource) {
	env.Mongo = func(context.Context) (suites.MongoSource, error) { return src, nil }
}

func TestMongoDBSuite(t *testing.T) {
	env, srv := newEnv(t)
	withMongo(env, newStubMongo())
	ls := &stubLogstash{}
	env.Logstash = ls

	rep, err := run(t, env, "mongodb")
	require.NoError(t, err)
	requireAllPassed(t, rep)
	require.Len(t, ls.sent, 1)
	require.Equal(t, "1 customer(s)", detail(rep, "high-risk-customers"))
	require.Equal(t, 2, srv.DocCount(suites.CustomersDirectIndex))
	require.Equal(t, 2, srv.DocCount(suites.TransactionsDirectIndex))
	require.Contains(t, detail(rep, "direct-indexing"), "2 mongodb index(es)")
}

func TestMongoDBSuiteLogstashDown(t *testing.T) {
	env, _ := newEnv(t)
	withMongo(env, newStubMongo())
	env.Logstash = &stubLogstash{probeErr: &logstash.StatusError{URL: "http://logstash:9600/", StatusCode: http.StatusBadGateway}}

	rep, err := run(t, env, "mongodb")
	require.NoError(t, err)
	require.Equal(t, report.Warning, statuses(rep)["logstash-pipeline"])
	require.True(t, rep.Passed())
}

func TestMongoSuitesNeedDialer(t *testing.T) {
	env, _ := newEnv(t)

	for _, name := range []string{"mongodb", "transfer"} {
		rep, err := run(t, env, name)
		require.ErrorIs(t, err, suites.ErrMongoDisabled)
		require.Equal(t, len(rep.Outcomes), rep.Count(report.NotRun))
	}
}

func TestTransferIsIdempotent(t *testing.T) {
	env, srv := newEnv(t)
	withMongo(env, newStubMongo())

	for range 2 {
		rep, err := run(t, env, "transfer")
		require.NoError(t, err)
		requireAllPassed(t, rep)
		require.Equal(t, 2, srv.DocCount(suites.CustomersTransferIndex))
		require.Equal(t, 2, srv.DocCount(suites.TransactionsTransferIndex))
	}
}

func TestFullKNNRequiresScoreOrderedTopK(t *testing.T) {
	tests := map[string]struct {
		scores []float64
		want   report.Status
		detail string
	}{
		"top three":    {[]float64{0.98, 0.91, 0.75}, report.Passed, ""},
		"more than k":  {[]float64{0.98, 0.91, 0.75, 0.60}, report.Failed, "returned 4 hits, asked for at most 3"},
		"out of order": {[]float64{0.75, 0.98, 0.91}, report.Failed, "hit 2 scores 0.9800 above hit 1"},
		"equal scores": {[]float64{0.9, 0.9, 0.9}, report.Passed, ""},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			env, srv := newEnv(t)
			srv.Handle(http.MethodPost, "/"+fixtures.KCBProducts+"/_search", http.StatusOK, searchAnswer(fixtures.KCBProducts, tc.scores...))

			out, err := stepNamed(t, suites.Full(env), "knn").Run(context.Background())
			require.Equal(t, tc.want, runner.Classify(err), "%s %v", out, err)
			if tc.detail != "" {
				require.ErrorContains(t, err, tc.detail)
			}
		})
	}
}

func TestKNNDistanceStepRejectsUnorderedHits(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/knn-test-l2/_search", http.StatusOK, searchAnswer("knn-test-l2", 0.2, 0.9, 0.5))

	rep, err := run(t, env, "knn")
	require.NoError(t, err)

	got := statuses(rep)
	require.Equal(t, report.Failed, got["distance-l2"])
	require.Contains(t, detail(rep, "distance-l2"), "scores 0.9000 above")
	require.Equal(t, report.Passed, got["distance-l1"])
	require.Equal(t, report.Passed, got["basic-search"])
}

func TestSeedStepsLeaveExactCountWhenRepeated(t *testing.T) {
	env, srv := newEnv(t)

	for range 2 {
		rep, err := run(t, env, "sql")
		require.NoError(t, err)
		require.Equal(t, report.Passed, statuses(rep)["seed-employees"], detail(rep, "seed-employees"))
		require.Equal(t, "10 documents in "+fixtures.SQLEmployees, detail(rep, "seed-employees"))
		require.Equal(t, 10, srv.DocCount(fixtures.SQLEmployees))
	}
}

func TestSeedStepFailsWhenClusterCountDiffers(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/"+fixtures.SQLEmployees+"/_count", http.StatusOK, map[string]any{"count": 20})

	rep, err := run(t, env, "sql")
	require.NoError(t, err)
	require.Equal(t, report.Failed, statuses(rep)["seed-employees"])
	require.Equal(t, fixtures.SQLEmployees+" holds 20 documents, fixture has 10", detail(rep, "seed-employees"))
}

func TestConnectionSearchChecksCount(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/"+fixtures.ConnectionSample+"/_count", http.StatusOK, map[string]any{"count": 0})

	rep, err := run(t, env, "connection")
	require.NoError(t, err)
	require.Equal(t, report.Failed, statuses(rep)["search"])
	require.Contains(t, detail(rep, "search"), "holds 0 documents")
}

func TestMongoDBDirectIndexingWithEmptyCollection(t *testing.T) {
	env, srv := newEnv(t)
	src := newStubMongo()
	src.colls[mongodb.Transactions] = nil
	withMongo(env, src)
	env.Logstash = &stubLogstash{}

	rep, err := run(t, env, "mongodb")
	require.NoError(t, err)
	require.Equal(t, report.Passed, statuses(rep)["direct-indexing"], detail(rep, "direct-indexing"))
	require.Equal(t, 2, srv.DocCount(suites.CustomersDirectIndex))
	require.False(t, srv.HasIndex(suites.TransactionsDirectIndex))
}

func TestAnomalyDetectorLookupFailureIsReported(t *testing.T) {
	env, srv := newEnv(t)
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors", http.StatusConflict, map[string]any{"error": "duplicate name"})
	srv.Handle(http.MethodPost, "/_plugins/_anomaly_detection/detectors/_search", http.StatusInternalServerError, map[string]any{"error": "search unavailable"})

	rep, err := run(t, env, "anomaly")
	require.NoError(t, err)
	require.Equal(t, report.Failed, statuses(rep)["create-detectors"])
	d := detail(rep, "create-detectors")
	require.Contains(t, d, "status 409")
	require.Contains(t, d, "detectors/_search: status 500")
}
