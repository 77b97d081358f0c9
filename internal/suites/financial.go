package suites

import (
	"context"
	"fmt"

	"github.com/DeafMist/plugin-smoke/internal/runner"
	"github.com/DeafMist/plugin-smoke/internal/synth"
)

// Indices written by the financial seed and read by the alerting and anomaly suites.
const (
	DailyMetricsIndex = "financial-daily-metrics"
	RealtimeIndex     = "financial-realtime-transactions"

	metricsDays = 30
)

var dailyMetricsMapping = map[string]any{
	"@timestamp":               map[string]any{"type": "date"},
	"date":                     map[string]any{"type": "date", "format": "yyyy-MM-dd"},
	"daily_transaction_count":  map[string]any{"type": "long"},
	"daily_transaction_amount": map[string]any{"type": "double"},
	"avg_transaction_size":     map[string]any{"type": "double"},
	"peak_hour_transactions":   map[string]any{"type": "long"},
	"system_load":              map[string]any{"type": "double"},
	"response_time_ms":         map[string]any{"type": "double"},
	"error_rate":               map[string]any{"type": "double"},
	"region":                   map[string]any{"type": "keyword"},
}

var realtimeMapping = map[string]any{
	"@timestamp":     map[string]any{"type": "date"},
	"transaction_id": map[string]any{"type": "keyword"},
	"customer_id":    map[string]any{"type": "keyword"},
	"amount":         map[string]any{"type": "double"},
	"merchant_type":  map[string]any{"type": "keyword"},
	"location":       map[string]any{"type": "keyword"},
	"is_weekend":     map[string]any{"type": "boolean"},
	"hour_of_day":    map[string]any{"type": "integer"},
	"anomaly_score":  map[string]any{"type": "double"},
}

// seedFinancial regenerates both financial indices from env.Seed.
func seedFinancial(ctx context.Context, env *Env) (string, error) {
	r := synth.NewRand(env.Seed)

	metrics := synth.DailyMetrics(synth.MetricsBaseDate, metricsDays, r)
	daily, err := env.Fixtures.Seed(ctx, DailyMetricsIndex, indexBody(false, dailyMetricsMapping), asDocuments(metrics))
	if err != nil {
		return "", err
	}

	txs := synth.RealtimeTransactions(env.now(), env.realtimeDays(), r)
	realtime, err := env.Fixtures.Seed(ctx, RealtimeIndex, indexBody(false, realtimeMapping), asDocuments(txs))
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%d daily metrics, %d realtime transactions", daily, realtime), nil
}

func seedFinancialStep(env *Env) runner.Step {
	return runner.Step{Name: "seed-financial-data", Run: func(ctx context.Context) (string, error) {
		return seedFinancial(ctx, env)
	}}
}
