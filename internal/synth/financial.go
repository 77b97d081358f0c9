package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// DailyMetric is one day of aggregate transaction and system metrics.
type DailyMetric struct {
	Timestamp              string  `json:"@timestamp"`
	Date                   string  `json:"date"`
	DailyTransactionCount  int64   `json:"daily_transaction_count"`
	DailyTransactionAmount float64 `json:"daily_transaction_amount"`
	AvgTransactionSize     float64 `json:"avg_transaction_size"`
	PeakHourTransactions   int64   `json:"peak_hour_transactions"`
	SystemLoad             float64 `json:"system_load"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ErrorRate              float64 `json:"error_rate"`
	Region                 string  `json:"region"`
}

// RealtimeTransaction is one card transaction with a precomputed anomaly score.
type RealtimeTransaction struct {
	Timestamp     string  `json:"@timestamp"`
	TransactionID string  `json:"transaction_id"`
	CustomerID    string  `json:"customer_id"`
	Amount        float64 `json:"amount"`
	MerchantType  string  `json:"merchant_type"`
	Location      string  `json:"location"`
	IsWeekend     bool    `json:"is_weekend"`
	HourOfDay     int     `json:"hour_of_day"`
	AnomalyScore  float64 `json:"anomaly_score"`
}

// Days with injected incidents: an outage, a promotion and an attack.
const (
	OutageDay    = 5
	PromotionDay = 12
	AttackDay    = 20
)

// MetricsBaseDate is the first day of the generated metric series.
var MetricsBaseDate = time.Date(2025, time.July, 13, 0, 0, 0, 0, time.UTC)

var (
	regions   = []string{"Seoul", "Busan", "Incheon", "Daegu", "Gwangju"}
	merchants = []string{"restaurant", "grocery", "gas_station", "retail", "online", "pharmacy", "entertainment"}
	locations = []string{"Seoul_Gangnam", "Seoul_Jongno", "Busan_Haeundae", "Incheon_Airport", "Daegu_Central"}
)

// DailyMetrics generates days consecutive records starting at base.
func DailyMetrics(base time.Time, days int, r *rand.Rand) []DailyMetric {
	out := make([]DailyMetric, 0, days)
	for day := range days {
		date := base.AddDate(0, 0, day)

		var tx, amount float64
		if isWeekend(date) {
			tx = normal(r, 8000, 500)
			amount = normal(r, 12_000_000, 1_000_000)
		} else {
			tx = normal(r, 15000, 1000)
			amount = normal(r, 25_000_000, 2_000_000)
		}

		var load, response, errRate float64
		switch day {
		case OutageDay:
			tx *= 0.3
			amount *= 0.3
			load = normal(r, 95, 3)
			response = normal(r, 2000, 500)
			errRate = normal(r, 15, 3)
		case PromotionDay:
			tx *= 2.5
			amount *= 3.0
			load = normal(r, 85, 5)
			response = normal(r, 800, 200)
			errRate = normal(r, 2, 1)
		case AttackDay:
			tx *= 1.8
			amount *= 0.7
			load = normal(r, 90, 5)
			response = normal(r, 1500, 300)
			errRate = normal(r, 8, 2)
		default:
			load = normal(r, 45, 10)
			response = normal(r, 200, 50)
			errRate = normal(r, 0.5, 0.3)
		}

		avg := 0.0
		if tx > 0 {
			avg = amount / tx
		}

		out = append(out, DailyMetric{
			Timestamp:              date.Format("2006-01-02T15:04:05"),
			Date:                   date.Format("2006-01-02"),
			DailyTransactionCount:  int64(math.Max(1000, math.Trunc(tx))),
			DailyTransactionAmount: math.Max(1_000_000, amount),
			AvgTransactionSize:     avg,
			PeakHourTransactions:   int64(math.Max(500, math.Trunc(tx*0.15))),
			SystemLoad:             clamp(load, 0, 100),
			ResponseTimeMS:         math.Max(50, response),
			ErrorRate:              clamp(errRate, 0, 100),
			Region:                 pick(r, regions),
		})
	}
	return out
}

// HourlyVolume is the expected transaction count for an hour of the day.
func HourlyVolume(hour int, weekend bool, r *rand.Rand) int {
	var n int
	switch {
	case hour >= 6 && hour <= 9:
		n = 200 + poisson(r, 50)
	case hour >= 12 && hour <= 14:
		n = 300 + poisson(r, 80)
	case hour >= 18 && hour <= 22:
		n = 250 + poisson(r, 70)
	default:
		n = 100 + poisson(r, 30)
	}
	if weekend {
		n = int(float64(n) * 0.7)
	}
	return n
}

// RealtimeTransactions generates hourly traffic for the days ending at now.
// About 2% of transactions are anomalous: large amounts with a score of at least 0.7.
func RealtimeTransactions(now time.Time, days int, r *rand.Rand) []RealtimeTransaction {
	var out []RealtimeTransaction
	for offset := range days {
		day := now.AddDate(0, 0, -offset)
		for hour := range 24 {
			slot := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
			weekend := isWeekend(slot)

			for range HourlyVolume(hour, weekend, r) {
				var amount, score float64
				if r.Float64() > 0.02 {
					if hour >= 9 && hour <= 17 {
						amount = lognormal(r, math.Log(100), 0.8)
					} else {
						amount = lognormal(r, math.Log(50), 0.6)
					}
					score = uniform(r, 0, 0.3)
				} else {
					amount = lognormal(r, math.Log(1000), 1.2)
					score = uniform(r, 0.7, 1.0)
				}

				at := slot.Add(time.Duration(r.IntN(60))*time.Minute + time.Duration(r.IntN(60))*time.Second)
				out = append(out, RealtimeTransaction{
					Timestamp:     at.UTC().Format(time.RFC3339),
					TransactionID: fmt.Sprintf("TXN_%02d%02d%d", offset, hour, 1000+r.IntN(9000)),
					CustomerID:    fmt.Sprintf("CUST_%04d", 1+r.IntN(1000)),
					Amount:        amount,
					MerchantType:  pick(r, merchants),
					Location:      pick(r, locations),
					IsWeekend:     weekend,
					HourOfDay:     hour,
					AnomalyScore:  score,
				})
			}
		}
	}
	return out
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}
