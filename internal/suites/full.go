package suites

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

var fullSQLQueries = []namedQuery{
	{"top-salaries", "SELECT name, department, salary FROM {index} ORDER BY salary DESC"},
	{"it-department", "SELECT name, position, salary FROM {index} WHERE department = 'IT'"},
	{"average-by-department", "SELECT department, AVG(salary) as avg_salary FROM {index} GROUP BY department"},
}

func testMonitor() map[string]any {
	return map[string]any{
		"name":         "KCB-Test-Monitor",
		"type":         "monitor",
		"monitor_type": "query_level_monitor",
		"enabled":      false,
		"schedule":     map[string]any{"period": map[string]any{"interval": 5, "unit": "MINUTES"}},
		"inputs": []any{map[string]any{"search": map[string]any{
			"indices": []string{fixtures.KCBEmployees},
			"query": map[string]any{
				"size":  0,
				"query": map[string]any{"match_all": map[string]any{}},
				"aggs":  map[string]any{"employee_count": field("value_count", "name.keyword")},
			},
		}}},
		"triggers": []any{map[string]any{
			"name":     "employee_count_check",
			"severity": "3",
			"condition": map[string]any{"script": map[string]any{
				"source": "ctx.results[0].aggregations.employee_count.value > 10",
				"lang":   "painless",
			}},
			"actions": []any{},
		}},
	}
}

// Full checks every bundled plugin once, one step per plugin.
func Full(env *Env) runner.Suite {
	return runner.Suite{
		Name:      "full",
		Threshold: DefaultThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			{Name: "security", Run: func(ctx context.Context) (string, error) {
				var info authInfo
				if err := env.OS.Get(ctx, securityAPI+"/authinfo", &info); err != nil {
					return "", err
				}
				users, err := objectSize(ctx, env, securityAPI+"/api/internalusers")
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("user %s with %d role(s); %d internal user(s)", info.UserName, len(info.Roles), users), nil
			}},
			{Name: "sql", Run: func(ctx context.Context) (string, error) {
				if _, err := loadFixture(ctx, env, fixtures.KCBEmployees); err != nil {
					return "", err
				}
				rows := make([]string, 0, len(fullSQLQueries))
				for _, q := range fullSQLQueries {
					res, err := env.OS.SQL(ctx, bindIndex(q.query, fixtures.KCBEmployees, true))
					if err != nil {
						return "", fmt.Errorf("%s: %w", q.name, err)
					}
					rows = append(rows, fmt.Sprintf("%s=%d", q.name, len(res.DataRows)))
				}
				return strings.Join(rows, ", "), nil
			}},
			{Name: "knn", Run: func(ctx context.Context) (string, error) {
				if _, err := loadFixture(ctx, env, fixtures.KCBProducts); err != nil {
					return "", err
				}
				res, err := env.OS.KNN(ctx, fixtures.KCBProducts, opensearch.KNNQuery{
					Field:  "features",
					Vector: []float64{0.9, 0.1, 0.2},
					K:      3,
				})
				if err != nil {
					return "", err
				}
				if err := requireHits(res, "product similarity"); err != nil {
					return "", err
				}
				if err := requireTopK(res, 3, "product similarity"); err != nil {
					return "", err
				}
				return "similar products: " + hitSummary(res.Hits, "product_name", 3), nil
			}},
			{Name: "alerting", Run: func(ctx context.Context) (string, error) {
				var list struct {
					TotalMonitors int `json:"totalMonitors"`
				}
				if err := env.OS.Get(ctx, alertingAPI, &list); err != nil {
					return "", err
				}
				var created struct {
					ID string `json:"_id"`
				}
				if err := env.OS.Post(ctx, alertingAPI, testMonitor(), &created); err != nil {
					return "", report.Warn("%d monitor(s) listed but test monitor creation failed: %v", list.TotalMonitors, err)
				}
				return fmt.Sprintf("%d monitor(s) listed, created disabled test monitor %s", list.TotalMonitors, created.ID), nil
			}},
			{Name: "ml", Run: func(ctx context.Context) (string, error) {
				if err := env.OS.Get(ctx, mlAPI+"/stats", nil); err != nil {
					return "", err
				}
				n, err := loadFixture(ctx, env, fixtures.KCBCustomers)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("ML stats readable; %d customers loaded for modelling", n), nil
			}},
			{Name: "performance-analyzer", Run: func(ctx context.Context) (string, error) {
				if env.PerfAnalyzer == nil {
					return "", report.Warn("performance analyzer endpoint not configured")
				}
				res, err := env.PerfAnalyzer.Check(ctx)
				if err != nil {
					return "", report.Warn("performance analyzer unreachable: %v", err)
				}
				if !res.OK() {
					return "", report.Warn("performance analyzer answered %d", res.StatusCode)
				}
				return fmt.Sprintf("metrics served in %s", res.Latency), nil
			}},
			{Name: "index-management", Run: func(ctx context.Context) (string, error) {
				var policies struct {
					TotalPolicies int `json:"total_policies"`
				}
				if err := env.OS.Get(ctx, "/_plugins/_ism/policies", &policies); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d ISM polic(ies)", policies.TotalPolicies), nil
			}},
			{Name: "observability", Run: func(ctx context.Context) (string, error) {
				resp, err := env.OS.Do(ctx, http.MethodGet, "/_plugins/_observability/object", nil)
				if err != nil {
					return "", err
				}
				var objects struct {
					List []any `json:"observabilityObjectList"`
				}
				if err := resp.Decode(&objects); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d observability object(s)", len(objects.List)), nil
			}},
		},
		NextSteps: []string{
			"Run the per-plugin suites for deeper coverage",
			"Open OpenSearch Dashboards to review the created indices",
		},
	}
}
