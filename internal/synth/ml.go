package synth

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Customer is a synthetic banking customer profile.
type Customer struct {
	CustomerID           string  `json:"customer_id"`
	Age                  int     `json:"age"`
	Income               float64 `json:"income"`
	CreditScore          int     `json:"credit_score"`
	TransactionCount     int     `json:"transaction_count"`
	AvgTransactionAmount float64 `json:"avg_transaction_amount"`
	AccountBalance       float64 `json:"account_balance"`
	LoanAmount           float64 `json:"loan_amount"`
	Timestamp            string  `json:"timestamp"`
}

// Transaction is a synthetic hourly transaction for anomaly aggregation.
type Transaction struct {
	Timestamp         string  `json:"timestamp"`
	TransactionAmount float64 `json:"transaction_amount"`
	CustomerID        string  `json:"customer_id"`
	MerchantCategory  string  `json:"merchant_category"`
	IsAnomaly         bool    `json:"is_anomaly"`
}

type segment struct {
	weight           float64
	age, ageSD       float64
	income, incomeSD float64
	credit, creditSD float64
}

// General, affluent and credit-risk customers.
var segments = []segment{
	{weight: 0.5, age: 35, ageSD: 10, income: 50000, incomeSD: 15000, credit: 650, creditSD: 50},
	{weight: 0.3, age: 45, ageSD: 8, income: 100000, incomeSD: 20000, credit: 750, creditSD: 30},
	{weight: 0.2, age: 28, ageSD: 12, income: 30000, incomeSD: 10000, credit: 550, creditSD: 40},
}

var categories = []string{"grocery", "restaurant", "gas", "retail", "online"}

const customerTimestamp = "2025-08-12T00:00:00Z"

// Customers generates n customer profiles drawn from three segments.
func Customers(n int, r *rand.Rand) []Customer {
	out := make([]Customer, 0, n)
	for i := range n {
		s := pickSegment(r)

		loan := 0.0
		if r.Float64() > 0.3 {
			loan = exponential(r, 10000)
		}

		out = append(out, Customer{
			CustomerID:           fmt.Sprintf("CUST_%04d", i+1),
			Age:                  max(18, int(normal(r, s.age, s.ageSD))),
			Income:               math.Max(20000, normal(r, s.income, s.incomeSD)),
			CreditScore:          max(300, min(850, int(normal(r, s.credit, s.creditSD)))),
			TransactionCount:     poisson(r, 20),
			AvgTransactionAmount: exponential(r, 100),
			AccountBalance:       exponential(r, 5000),
			LoanAmount:           loan,
			Timestamp:            customerTimestamp,
		})
	}
	return out
}

func pickSegment(r *rand.Rand) segment {
	x := r.Float64()
	for _, s := range segments {
		if x < s.weight {
			return s
		}
		x -= s.weight
	}
	return segments[len(segments)-1]
}

// Transactions generates n hourly transactions; about 5% are anomalies near 1000.
func Transactions(n int, r *rand.Rand) []Transaction {
	out := make([]Transaction, 0, n)
	for i := range n {
		hour, day := i%24, i/24

		var base float64
		if hour >= 6 && hour <= 22 {
			base = normal(r, 150, 50)
		} else {
			base = normal(r, 50, 20)
		}

		anomaly := r.Float64() < 0.05
		amount := math.Max(10, base)
		if anomaly {
			amount = normal(r, 1000, 200)
		}

		out = append(out, Transaction{
			Timestamp:         fmt.Sprintf("2025-08-%02dT%02d:00:00Z", 12+day, hour),
			TransactionAmount: amount,
			CustomerID:        fmt.Sprintf("CUST_%04d", 1+r.IntN(200)),
			MerchantCategory:  pick(r, categories),
			IsAnomaly:         anomaly,
		})
	}
	return out
}

// UnitVectors returns n random vectors of dim components normalised to length 1.
func UnitVectors(n, dim int, r *rand.Rand) [][]float64 {
	out := make([][]float64, 0, n)
	for range n {
		v := make([]float64, dim)
		var sum float64
		for i := range v {
			v[i] = r.Float64()
			sum += v[i] * v[i]
		}
		if mag := math.Sqrt(sum); mag > 0 {
			for i := range v {
				v[i] /= mag
			}
		}
		out = append(out, v)
	}
	return out
}
