package suites

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/runner"
)

const (
	detectorAPI = "/_plugins/_anomaly_detection/detectors"

	// anomalousScore is the bucket_script score above which a day counts as anomalous.
	anomalousScore = 0.3
)

const dailyScoreScript = `double load = params.load > 80 ? (params.load - 80) / 20.0 : 0;
double response = params.response > 1000 ? (params.response - 1000) / 1000.0 : 0;
double errors = params.errors > 5 ? (params.errors - 5) / 10.0 : 0;
return Math.min(1.0, (load + response + errors) / 3.0);`

type feature struct {
	id, name string
	agg      map[string]any
}

func detector(name, description, index string, shingle int, features []feature) map[string]any {
	attrs := make([]any, 0, len(features))
	for _, f := range features {
		attrs = append(attrs, map[string]any{
			"feature_id":        f.id,
			"feature_name":      f.name,
			"feature_enabled":   true,
			"aggregation_query": map[string]any{f.id: f.agg},
		})
	}
	minute := map[string]any{"period": map[string]any{"interval": 1, "unit": "Minutes"}}
	return map[string]any{
		"name":               name,
		"description":        description,
		"time_field":         "@timestamp",
		"indices":            []string{index},
		"detection_interval": minute,
		"window_delay":       minute,
		"shingle_size":       shingle,
		"schema_version":     0,
		"feature_attributes": attrs,
	}
}

func field(agg, name string) map[string]any {
	return map[string]any{agg: map[string]any{"field": name}}
}

var detectors = []map[string]any{
	detector("daily_transaction_anomaly_detector", "Daily volume and system performance anomalies", DailyMetricsIndex, 8, []feature{
		{"daily_transactions", "daily_transaction_count", field("sum", "daily_transaction_count")},
		{"system_performance", "system_load_avg", field("avg", "system_load")},
		{"response_time", "avg_response_time", field("avg", "response_time_ms")},
	}),
	detector("realtime_transaction_anomaly_detector", "Realtime transaction pattern anomalies", RealtimeIndex, 4, []feature{
		{"transaction_volume", "hourly_transaction_count", field("value_count", "transaction_id")},
		{"avg_amount", "average_transaction_amount", field("avg", "amount")},
		{"high_value_transactions", "large_transaction_count", map[string]any{"value_count": map[string]any{
			"field":  "amount",
			"script": map[string]any{"source": "doc['amount'].value > 500"},
		}}},
	}),
}

type valueAgg struct {
	Value float64 `json:"value"`
}

type countAgg struct {
	DocCount int64 `json:"doc_count"`
}

// createDetector registers and starts config, falling back to an existing
// detector of the same name.
func createDetector(ctx context.Context, env *Env, config map[string]any) (string, error) {
	name := config["name"].(string)

	var created struct {
		ID string `json:"_id"`
	}
	err := env.OS.Post(ctx, detectorAPI, config, &created)
	if err == nil {
		if err = env.OS.Post(ctx, detectorAPI+"/"+created.ID+"/_start", nil, nil); err == nil {
			return created.ID, nil
		}
	}
	env.logger().Warn("create detector failed, looking for an existing one",
		slog.String("detector", name),
		slog.Any("error", err),
	)

	var found struct {
		Hits struct {
			Hits []struct {
				ID string `json:"_id"`
			} `json:"hits"`
		} `json:"hits"`
	}
	query := map[string]any{"query": map[string]any{"match": map[string]any{"name": name}}}
	if serr := env.OS.Post(ctx, detectorAPI+"/_search", query, &found); serr != nil {
		return "", fmt.Errorf("detector %s: %w", name, errors.Join(err, serr))
	}
	if len(found.Hits.Hits) == 0 {
		return "", fmt.Errorf("detector %s: %w", name, err)
	}
	return found.Hits.Hits[0].ID, nil
}

// Anomaly seeds the financial indices, registers the two detectors and runs
// the statistical analyses used to cross-check them.
func Anomaly(env *Env) runner.Suite {
	return runner.Suite{
		Name:      "anomaly",
		Threshold: StrictThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			pluginStep(env, "anomaly"),
			{Name: "detector-api", Run: func(ctx context.Context) (string, error) {
				var res monitorSearch
				if err := env.OS.Post(ctx, detectorAPI+"/_search", map[string]any{"size": 0}, &res); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d detector(s) registered", res.Hits.Total.Value), nil
			}},
			seedFinancialStep(env),
			{Name: "create-detectors", Run: func(ctx context.Context) (string, error) {
				var ids []string
				var errs []error
				for _, d := range detectors {
					id, err := createDetector(ctx, env, d)
					if err != nil {
						env.logger().Warn("detector unavailable", slog.Any("error", err))
						errs = append(errs, err)
						continue
					}
					ids = append(ids, d["name"].(string)+"="+id)
				}
				if len(ids) == 0 {
					return "", runner.Failf("no detector could be created or found: %v", errors.Join(errs...))
				}
				return strings.Join(ids, ", "), nil
			}},
			{Name: "daily-analysis", Run: func(ctx context.Context) (string, error) {
				res, err := env.OS.Search(ctx, DailyMetricsIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"daily_stats": map[string]any{
							"date_histogram": map[string]any{"field": "@timestamp", "calendar_interval": "1d"},
							"aggs": map[string]any{
								"total_transactions": field("sum", "daily_transaction_count"),
								"avg_system_load":    field("avg", "system_load"),
								"avg_response_time":  field("avg", "response_time_ms"),
								"avg_error_rate":     field("avg", "error_rate"),
								"anomaly_score": map[string]any{"bucket_script": map[string]any{
									"buckets_path": map[string]any{
										"load":     "avg_system_load",
										"response": "avg_response_time",
										"errors":   "avg_error_rate",
									},
									"script": dailyScoreScript,
								}},
							},
						},
						"overall_stats": field("stats", "daily_transaction_count"),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					DailyStats struct {
						Buckets []struct {
							Key          string   `json:"key_as_string"`
							AnomalyScore valueAgg `json:"anomaly_score"`
						} `json:"buckets"`
					} `json:"daily_stats"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}

				var worst string
				var worstScore float64
				anomalous := 0
				for _, b := range aggs.DailyStats.Buckets {
					if b.AnomalyScore.Value <= anomalousScore {
						continue
					}
					anomalous++
					if b.AnomalyScore.Value > worstScore {
						worst, worstScore = b.Key, b.AnomalyScore.Value
					}
				}
				detail := fmt.Sprintf("%d day(s) analysed, %d anomalous", len(aggs.DailyStats.Buckets), anomalous)
				if worst != "" {
					detail += fmt.Sprintf(", worst %s (%.3f)", truncateDate(worst), worstScore)
				}
				return detail, nil
			}},
			{Name: "realtime-patterns", Run: func(ctx context.Context) (string, error) {
				res, err := env.OS.Search(ctx, RealtimeIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"hourly_patterns": map[string]any{
							"date_histogram": map[string]any{"field": "@timestamp", "calendar_interval": "1h"},
							"aggs": map[string]any{
								"avg_anomaly_score":       field("avg", "anomaly_score"),
								"suspicious_transactions": scoreFilter(0.7),
							},
						},
						"merchant_anomalies": map[string]any{
							"terms": map[string]any{"field": "merchant_type", "size": 10},
							"aggs": map[string]any{
								"avg_anomaly_score":      field("avg", "anomaly_score"),
								"high_risk_transactions": scoreFilter(0.5),
							},
						},
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Hourly struct {
						Buckets []struct {
							AvgScore   valueAgg `json:"avg_anomaly_score"`
							Suspicious countAgg `json:"suspicious_transactions"`
						} `json:"buckets"`
					} `json:"hourly_patterns"`
					Merchants struct {
						Buckets []json.RawMessage `json:"buckets"`
					} `json:"merchant_anomalies"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}
				suspicious := 0
				for _, b := range aggs.Hourly.Buckets {
					if b.Suspicious.DocCount > 0 || b.AvgScore.Value > anomalousScore {
						suspicious++
					}
				}
				return fmt.Sprintf("%d hour(s) analysed, %d suspicious, %d merchant type(s)",
					len(aggs.Hourly.Buckets), suspicious, len(aggs.Merchants.Buckets)), nil
			}},
			{Name: "live-monitoring", Run: func(ctx context.Context) (string, error) {
				res, err := env.OS.Search(ctx, RealtimeIndex, map[string]any{
					"size":  0,
					"query": map[string]any{"range": map[string]any{"@timestamp": map[string]any{"gte": "now-1h"}}},
					"aggs": map[string]any{
						"total_transactions":      field("value_count", "transaction_id"),
						"total_amount":            field("sum", "amount"),
						"suspicious_transactions": scoreFilter(0.5),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Total      valueAgg `json:"total_transactions"`
					Amount     valueAgg `json:"total_amount"`
					Suspicious countAgg `json:"suspicious_transactions"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}
				return fmt.Sprintf("last hour: %.0f transactions, amount %.0f, %d suspicious",
					aggs.Total.Value, aggs.Amount.Value, aggs.Suspicious.DocCount), nil
			}},
			{Name: "threshold-alerts", Run: func(ctx context.Context) (string, error) {
				system, err := env.OS.Search(ctx, DailyMetricsIndex, map[string]any{
					"size": 10,
					"sort": []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
					"query": map[string]any{"bool": map[string]any{"should": []any{
						map[string]any{"range": map[string]any{"system_load": map[string]any{"gte": 80}}},
						map[string]any{"range": map[string]any{"response_time_ms": map[string]any{"gte": 1000}}},
						map[string]any{"range": map[string]any{"error_rate": map[string]any{"gte": 5}}},
					}}},
				})
				if err != nil {
					return "", err
				}
				fraud, err := env.OS.Search(ctx, RealtimeIndex, map[string]any{
					"size":  5,
					"sort":  []any{map[string]any{"@timestamp": map[string]any{"order": "desc"}}},
					"query": map[string]any{"range": map[string]any{"anomaly_score": map[string]any{"gte": 0.8}}},
				})
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d system alert(s), %d fraud alert(s)", system.Total, fraud.Total), nil
			}},
			{Name: "recommendations", Run: func(ctx context.Context) (string, error) {
				reliability, err := env.OS.Search(ctx, DailyMetricsIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"avg_uptime": map[string]any{"avg": map[string]any{
							"script": map[string]any{"source": "100 - doc['error_rate'].value"},
						}},
						"performance_distribution": map[string]any{"range": map[string]any{
							"field": "response_time_ms",
							"ranges": []any{
								map[string]any{"key": "excellent", "to": 200},
								map[string]any{"key": "good", "from": 200, "to": 500},
								map[string]any{"key": "poor", "from": 500, "to": 1000},
								map[string]any{"key": "critical", "from": 1000},
							},
						}},
					},
				})
				if err != nil {
					return "", err
				}
				var sys struct {
					Uptime valueAgg `json:"avg_uptime"`
				}
				if err := reliability.DecodeAggregations(&sys); err != nil {
					return "", err
				}

				insights, err := env.OS.Search(ctx, RealtimeIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"fraud_rate": field("avg", "anomaly_score"),
						"peak_hours": map[string]any{"terms": map[string]any{
							"field": "hour_of_day",
							"size":  24,
							"order": map[string]any{"_count": "desc"},
						}},
					},
				})
				if err != nil {
					return "", err
				}
				var tx struct {
					FraudRate valueAgg `json:"fraud_rate"`
					PeakHours struct {
						Buckets []struct {
							Key int `json:"key"`
						} `json:"buckets"`
					} `json:"peak_hours"`
				}
				if err := insights.DecodeAggregations(&tx); err != nil {
					return "", err
				}
				peak := "n/a"
				if len(tx.PeakHours.Buckets) > 0 {
					peak = fmt.Sprintf("%02d:00", tx.PeakHours.Buckets[0].Key)
				}
				return fmt.Sprintf("availability %.2f%%, mean anomaly score %.3f, peak hour %s",
					sys.Uptime.Value, tx.FraudRate.Value, peak), nil
			}},
		},
		NextSteps: []string{
			"Inspect detector results in the Anomaly Detection dashboard",
			"Route anomaly findings to Alerting monitors",
			"Tune shingle size and detection interval on production traffic",
		},
	}
}

func scoreFilter(gte float64) map[string]any {
	return map[string]any{"filter": map[string]any{
		"range": map[string]any{"anomaly_score": map[string]any{"gte": gte}},
	}}
}

func truncateDate(s string) string {
	if len(s) > 10 {
		return s[:10]
	}
	return s
}
