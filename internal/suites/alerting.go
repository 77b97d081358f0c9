package suites

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/DeafMist/plugin-smoke/internal/runner"
)

const alertingAPI = "/_plugins/_alerting/monitors"

type monitorHit struct {
	ID     string `json:"_id"`
	Source struct {
		Monitor struct {
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		} `json:"monitor"`
	} `json:"_source"`
}

type monitorSearch struct {
	Hits struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []monitorHit `json:"hits"`
	} `json:"hits"`
}

type executeResult struct {
	MonitorResult *struct {
		TriggerResults map[string]struct {
			Name      string `json:"name"`
			Triggered bool   `json:"triggered"`
		} `json:"trigger_results"`
	} `json:"monitor_result"`
}

func searchMonitors(ctx context.Context, env *Env, size int) (*monitorSearch, error) {
	var out monitorSearch
	if err := env.OS.Post(ctx, alertingAPI+"/_search", map[string]any{"size": size}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// queryMonitor renders a query-level monitor with one trigger and action.
func queryMonitor(name, index string, interval int, query map[string]any, trigger, condition, subject, message string) map[string]any {
	return map[string]any{
		"type":         "monitor",
		"name":         name,
		"monitor_type": "query_level_monitor",
		"enabled":      true,
		"schedule":     map[string]any{"period": map[string]any{"interval": interval, "unit": "MINUTES"}},
		"inputs": []any{map[string]any{
			"search": map[string]any{"indices": []string{index}, "query": query},
		}},
		"triggers": []any{map[string]any{
			"query_level_trigger": map[string]any{
				"id":        uuid.NewString(),
				"name":      trigger,
				"severity":  "1",
				"condition": map[string]any{"script": map[string]any{"source": condition}},
				"actions": []any{map[string]any{
					"id":               uuid.NewString(),
					"name":             trigger + "_Action",
					"destination_id":   "",
					"subject_template": map[string]any{"source": subject},
					"message_template": map[string]any{"source": message},
				}},
			},
		}},
	}
}

func systemLoadMonitor() map[string]any {
	return queryMonitor("System_Load_Alert", DailyMetricsIndex, 5,
		map[string]any{
			"size":  0,
			"query": map[string]any{"range": map[string]any{"@timestamp": map[string]any{"gte": "now-10m"}}},
			"aggs":  map[string]any{"avg_load": map[string]any{"avg": map[string]any{"field": "system_load"}}},
		},
		"High_Load",
		"ctx.results[0].aggregations.avg_load.value > 80",
		"System load warning",
		"Load: {{ctx.results.0.aggregations.avg_load.value}}%",
	)
}

func fraudMonitor() map[string]any {
	return queryMonitor("Fraud_Alert", RealtimeIndex, 2,
		map[string]any{
			"size": 0,
			"query": map[string]any{"bool": map[string]any{"must": []any{
				map[string]any{"range": map[string]any{"@timestamp": map[string]any{"gte": "now-5m"}}},
				map[string]any{"range": map[string]any{"anomaly_score": map[string]any{"gte": 0.7}}},
			}}},
			"aggs": map[string]any{"suspicious_count": map[string]any{"value_count": map[string]any{"field": "transaction_id"}}},
		},
		"Fraud_Detection",
		"ctx.results[0].aggregations.suspicious_count.value >= 3",
		"Suspicious transactions detected",
		"Suspicious: {{ctx.results.0.aggregations.suspicious_count.value}}",
	)
}

// Alerting creates query monitors over the financial indices, executes
// every registered monitor and summarises the current system state.
func Alerting(env *Env) runner.Suite {
	return runner.Suite{
		Name:      "alerting",
		Threshold: StrictThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			pluginStep(env, "alert"),
			{Name: "monitor-api", Run: func(ctx context.Context) (string, error) {
				res, err := searchMonitors(ctx, env, 0)
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d monitor(s) registered", res.Hits.Total.Value), nil
			}},
			seedFinancialStep(env),
			{Name: "create-monitors", Run: func(ctx context.Context) (string, error) {
				monitors := []map[string]any{systemLoadMonitor(), fraudMonitor()}
				var created, failed []string
				for _, m := range monitors {
					name := m["name"].(string)
					var resp struct {
						ID string `json:"_id"`
					}
					if err := env.OS.Post(ctx, alertingAPI, m, &resp); err != nil {
						env.logger().Warn("create monitor failed", slog.String("monitor", name), slog.Any("error", err))
						failed = append(failed, name)
						continue
					}
					created = append(created, name+"="+resp.ID)
				}
				if len(created) == 0 {
					return "", runner.Failf("no monitor created (%s)", strings.Join(failed, ", "))
				}
				return "created " + strings.Join(created, ", "), nil
			}},
			{Name: "execute-monitors", Run: func(ctx context.Context) (string, error) {
				res, err := searchMonitors(ctx, env, 10)
				if err != nil {
					return "", err
				}
				triggered, executed := 0, 0
				for _, hit := range res.Hits.Hits {
					resp, err := env.OS.Call(ctx, http.MethodPost, alertingAPI+"/"+hit.ID+"/_execute", nil)
					if err != nil || resp.StatusCode != http.StatusOK {
						env.logger().Warn("execute monitor failed", slog.String("monitor", hit.Source.Monitor.Name), slog.Any("error", err))
						continue
					}
					var out executeResult
					if err := json.Unmarshal(resp.Body, &out); err != nil || out.MonitorResult == nil {
						continue
					}
					executed++
					for _, tr := range out.MonitorResult.TriggerResults {
						if tr.Triggered {
							triggered++
						}
					}
				}
				return fmt.Sprintf("%d of %d monitor(s) executed, %d trigger(s) fired", executed, len(res.Hits.Hits), triggered), nil
			}},
			{Name: "status-analysis", Run: func(ctx context.Context) (string, error) {
				latest, err := env.OS.Search(ctx, DailyMetricsIndex, map[string]any{
					"size":    1,
					"sort":    []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
					"_source": []string{"system_load", "response_time_ms", "error_rate"},
				})
				if err != nil {
					return "", err
				}
				if err := requireHits(latest, "latest system metric"); err != nil {
					return "", err
				}
				var m struct {
					SystemLoad     float64 `json:"system_load"`
					ResponseTimeMS float64 `json:"response_time_ms"`
					ErrorRate      float64 `json:"error_rate"`
				}
				if err := json.Unmarshal(latest.Hits[0].Source, &m); err != nil {
					return "", fmt.Errorf("decode system metric: %w", err)
				}

				tx, err := env.OS.Search(ctx, RealtimeIndex, map[string]any{
					"size":  0,
					"query": map[string]any{"range": map[string]any{"@timestamp": map[string]any{"gte": "now-1h"}}},
					"aggs": map[string]any{
						"total":        map[string]any{"value_count": map[string]any{"field": "transaction_id"}},
						"suspicious":   map[string]any{"filter": map[string]any{"range": map[string]any{"anomaly_score": map[string]any{"gte": 0.7}}}},
						"total_amount": map[string]any{"sum": map[string]any{"field": "amount"}},
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Total      struct{ Value float64 } `json:"total"`
					Suspicious struct {
						DocCount int64 `json:"doc_count"`
					} `json:"suspicious"`
					TotalAmount struct{ Value float64 } `json:"total_amount"`
				}
				if err := tx.DecodeAggregations(&aggs); err != nil {
					return "", err
				}

				return fmt.Sprintf("load %.1f%% %s, response %.0fms %s, errors %.2f%% %s; last hour %.0f tx, %d suspicious, amount %.0f",
					m.SystemLoad, level(m.SystemLoad, 60, 80),
					m.ResponseTimeMS, level(m.ResponseTimeMS, 500, 1000),
					m.ErrorRate, level(m.ErrorRate, 2, 5),
					aggs.Total.Value, aggs.Suspicious.DocCount, aggs.TotalAmount.Value,
				), nil
			}},
		},
		NextSteps: []string{
			"Attach a notification channel to the monitor actions",
			"Manage index lifecycle with Index State Management",
			"Build an Observability dashboard over the financial indices",
		},
	}
}

// level grades v against warning and critical thresholds.
func level(v, warn, crit float64) string {
	switch {
	case v > crit:
		return "critical"
	case v > warn:
		return "warning"
	default:
		return "ok"
	}
}
