package suites

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
	"github.com/DeafMist/plugin-smoke/internal/synth"
)

const (
	mlAPI = "/_plugins/_ml"

	MLCustomerIndex    = "ml-customer-data"
	MLTransactionIndex = "ml-transaction-anomaly"

	mlCustomers    = 200
	mlTransactions = 300
)

var mlCustomerMapping = map[string]any{
	"customer_id":            map[string]any{"type": "keyword"},
	"age":                    map[string]any{"type": "integer"},
	"income":                 map[string]any{"type": "float"},
	"credit_score":           map[string]any{"type": "integer"},
	"transaction_count":      map[string]any{"type": "integer"},
	"avg_transaction_amount": map[string]any{"type": "float"},
	"account_balance":        map[string]any{"type": "float"},
	"loan_amount":            map[string]any{"type": "float"},
	"timestamp":              map[string]any{"type": "date"},
}

var mlTransactionMapping = map[string]any{
	"timestamp":          map[string]any{"type": "date"},
	"transaction_amount": map[string]any{"type": "float"},
	"customer_id":        map[string]any{"type": "keyword"},
	"merchant_category":  map[string]any{"type": "keyword"},
	"is_anomaly":         map[string]any{"type": "boolean"},
}

const creditRiskScript = `double score = doc['credit_score'].value;
double income = doc['income'].value;
double loan = doc['loan_amount'].value;
if (score > 700 && income > 60000) return 'low_risk';
else if (score < 600 || loan > income * 0.5) return 'high_risk';
else return 'medium_risk';`

type rangeBuckets struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int64  `json:"doc_count"`
	} `json:"buckets"`
}

func (r rangeBuckets) String() string {
	parts := make([]string, 0, len(r.Buckets))
	for _, b := range r.Buckets {
		parts = append(parts, fmt.Sprintf("%s=%d", b.Key, b.DocCount))
	}
	return strings.Join(parts, ", ")
}

func keyedRange(fieldName string, ranges ...map[string]any) map[string]any {
	rs := make([]any, len(ranges))
	for i := range ranges {
		rs[i] = ranges[i]
	}
	return map[string]any{"range": map[string]any{"field": fieldName, "ranges": rs}}
}

func bucket(key string, from, to float64) map[string]any {
	b := map[string]any{"key": key}
	if from > 0 {
		b["from"] = from
	}
	if to > 0 {
		b["to"] = to
	}
	return b
}

func withAggs(agg map[string]any, sub map[string]any) map[string]any {
	agg["aggs"] = sub
	return agg
}

// ML seeds customer and transaction data and drives ML Commons model APIs
// alongside the aggregation-based segmentation they are compared with.
func ML(env *Env) runner.Suite {
	// anomalies is filled by seed-transactions and checked by transaction-anomalies.
	var anomalies int

	return runner.Suite{
		Name:      "ml",
		Threshold: StrictThreshold,
		Setup:     env.connect,
		Steps: []runner.Step{
			pluginStep(env, "ml"),
			{Name: "seed-customers", Run: func(ctx context.Context) (string, error) {
				customers := synth.Customers(mlCustomers, synth.NewRand(env.Seed))
				n, err := env.Fixtures.Seed(ctx, MLCustomerIndex, indexBody(false, mlCustomerMapping), asDocuments(customers))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d customers in %s", n, MLCustomerIndex), nil
			}},
			{Name: "register-model", Run: func(ctx context.Context) (string, error) {
				now := env.now().UnixMilli()
				var out struct {
					ModelID string `json:"model_id"`
					TaskID  string `json:"task_id"`
				}
				err := env.OS.Post(ctx, mlAPI+"/models/_register", map[string]any{
					"name":              "customer_segmentation_kmeans",
					"version":           "1.0.0",
					"description":       "K-Means customer segmentation",
					"model_format":      "TORCH_SCRIPT",
					"model_state":       "TRAINED",
					"model_config":      map[string]any{"model_type": "kmeans", "embedding_dimension": 6, "framework_type": "sklearn"},
					"created_time":      now,
					"last_updated_time": now,
				}, &out)
				if err != nil {
					return "", report.Warn("model registration rejected, segmentation falls back to aggregations: %v", err)
				}
				if out.ModelID != "" {
					return "model " + out.ModelID, nil
				}
				return "registration task " + out.TaskID, nil
			}},
			{Name: "customer-segmentation", Run: func(ctx context.Context) (string, error) {
				res, err := env.OS.Search(ctx, MLCustomerIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"income_ranges": withAggs(keyedRange("income",
							bucket("low", 0, 40000),
							bucket("medium", 40000, 80000),
							bucket("high", 80000, 0),
						), map[string]any{
							"avg_credit_score": field("avg", "credit_score"),
							"avg_age":          field("avg", "age"),
							"customer_count":   field("value_count", "customer_id"),
						}),
						"credit_score_segments": withAggs(keyedRange("credit_score",
							bucket("poor", 0, 580),
							bucket("fair", 580, 670),
							bucket("good", 670, 740),
							bucket("excellent", 740, 0),
						), map[string]any{
							"avg_income":      field("avg", "income"),
							"avg_loan_amount": field("avg", "loan_amount"),
						}),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Income rangeBuckets `json:"income_ranges"`
					Credit rangeBuckets `json:"credit_score_segments"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d customers; income [%s]; credit [%s]", res.Total, aggs.Income, aggs.Credit), nil
			}},
			{Name: "seed-transactions", Run: func(ctx context.Context) (string, error) {
				txs := synth.Transactions(mlTransactions, synth.NewRand(env.Seed+1))
				anomalies = 0
				for _, tx := range txs {
					if tx.IsAnomaly {
						anomalies++
					}
				}
				n, err := env.Fixtures.Seed(ctx, MLTransactionIndex, indexBody(false, mlTransactionMapping), asDocuments(txs))
				if err != nil {
					return "", err
				}
				return fmt.Sprintf("%d transactions (%d injected anomalies)", n, anomalies), nil
			}},
			{Name: "transaction-anomalies", Run: func(ctx context.Context) (string, error) {
				stats, err := env.OS.Search(ctx, MLTransactionIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"transaction_stats": field("stats", "transaction_amount"),
						"potential_anomalies": keyedRange("transaction_amount",
							bucket("normal", 0, 500),
							bucket("suspicious", 500, 800),
							bucket("anomaly", 800, 0),
						),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Ranges rangeBuckets `json:"potential_anomalies"`
				}
				if err := stats.DecodeAggregations(&aggs); err != nil {
					return "", err
				}

				res, err := env.OS.Search(ctx, MLTransactionIndex, map[string]any{
					"size":  5,
					"query": map[string]any{"term": map[string]any{"is_anomaly": true}},
					"sort":  []any{map[string]any{"transaction_amount": map[string]any{"order": "desc"}}},
				})
				if err != nil {
					return "", err
				}
				if res.Total != int64(anomalies) {
					return "", runner.Failf("found %d flagged transactions, %d were injected", res.Total, anomalies)
				}
				return fmt.Sprintf("%d flagged transactions; amount bands [%s]", res.Total, aggs.Ranges), nil
			}},
			{Name: "model-management", Run: func(ctx context.Context) (string, error) {
				var models monitorSearch
				if err := env.OS.Post(ctx, mlAPI+"/models/_search", map[string]any{
					"query": map[string]any{"match_all": map[string]any{}},
					"size":  10,
				}, &models); err != nil {
					return "", report.Warn("model search unavailable: %v", err)
				}

				var stats struct {
					Nodes map[string]json.RawMessage `json:"nodes"`
				}
				if err := env.OS.Get(ctx, mlAPI+"/stats", &stats); err != nil {
					return "", err
				}
				return fmt.Sprintf("%d model(s) registered, ML stats from %d node(s)", len(models.Hits.Hits), len(stats.Nodes)), nil
			}},
			{Name: "credit-risk", Run: func(ctx context.Context) (string, error) {
				res, err := env.OS.Search(ctx, MLCustomerIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"credit_risk_prediction": withAggs(map[string]any{
							"terms": map[string]any{"script": map[string]any{"source": creditRiskScript}},
						}, map[string]any{
							"avg_credit_score": field("avg", "credit_score"),
							"default_probability": map[string]any{"bucket_script": map[string]any{
								"buckets_path": map[string]any{"credit_score": "avg_credit_score"},
								"script":       "Math.max(0, (700 - params.credit_score) / 400.0)",
							}},
						}),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Risk rangeBuckets `json:"credit_risk_prediction"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}
				return fmt.Sprintf("risk groups [%s]", aggs.Risk), nil
			}},
			{Name: "portfolio-insights", Run: func(ctx context.Context) (string, error) {
				start := time.Now()
				res, err := env.OS.Search(ctx, MLCustomerIndex, map[string]any{
					"size": 0,
					"aggs": map[string]any{
						"risk_profiling": withAggs(keyedRange("credit_score",
							bucket("high_risk", 0, 600),
							bucket("medium_risk", 600, 700),
							bucket("low_risk", 700, 0),
						), map[string]any{
							"total_exposure": field("sum", "loan_amount"),
							"avg_income":     field("avg", "income"),
						}),
						"total_exposure": field("sum", "loan_amount"),
					},
				})
				if err != nil {
					return "", err
				}
				var aggs struct {
					Risk     rangeBuckets `json:"risk_profiling"`
					Exposure valueAgg     `json:"total_exposure"`
				}
				if err := res.DecodeAggregations(&aggs); err != nil {
					return "", err
				}
				return fmt.Sprintf("loan exposure %.0f; risk [%s] in %s",
					aggs.Exposure.Value, aggs.Risk, time.Since(start).Round(time.Millisecond)), nil
			}},
		},
		NextSteps: []string{
			"Deploy a pretrained text embedding model through ML Commons",
			"Feed model predictions into anomaly detectors",
		},
	}
}
