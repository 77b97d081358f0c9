package suites

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

// Indices written by the direct indexing step.
const (
	CustomersDirectIndex    = "mongodb-customers-direct"
	TransactionsDirectIndex = "mongodb-transactions-direct"
)

// ErrMongoDisabled is returned by the setup of Mongo-backed suites when no
// MongoDB dialer is configured.
var ErrMongoDisabled = errors.New("mongodb is not configured")

type mongoQuery struct {
	name   string
	coll   string
	filter bson.M
	fields []string
	noun   string
}

var mongoQueries = []mongoQuery{
	{"high-risk-customers", mongodb.Customers, bson.M{"risk_level": "HIGH"}, []string{"name", "credit_score", "risk_level"}, "customer(s)"},
	{"suspicious-transactions", mongodb.Transactions, bson.M{"is_suspicious": true}, []string{"amount", "merchant", "risk_score"}, "transaction(s)"},
	{"error-logs", mongodb.SystemLogs, bson.M{"level": "ERROR"}, []string{"service", "message"}, "log entr(ies)"},
	{"seoul-customers", mongodb.Customers, bson.M{"location.city": "서울"}, []string{"name", "location.district"}, "customer(s)"},
}

// mongoSession holds the source dialled during setup for the steps of one run.
type mongoSession struct {
	env *Env
	src MongoSource
}

func (s *mongoSession) setup(ctx context.Context) error {
	if err := s.env.connect(ctx); err != nil {
		return err
	}
	if s.env.Mongo == nil {
		return ErrMongoDisabled
	}
	src, err := s.env.Mongo(ctx)
	if err != nil {
		return fmt.Errorf("connect to mongodb: %w", err)
	}
	s.src = src
	return nil
}

func (s *mongoSession) availability(ctx context.Context) (string, error) {
	counts, err := s.src.CollectionCounts(ctx)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(counts))
	var total int64
	for name, n := range counts {
		names = append(names, fmt.Sprintf("%s=%d", name, n))
		total += n
	}
	sort.Strings(names)
	if total == 0 {
		return "", runner.Failf("mongodb collections are empty")
	}
	return strings.Join(names, ", "), nil
}

// MongoDB checks the lab MongoDB, the Logstash pipeline that ships it and
// direct indexing of its documents into OpenSearch.
func MongoDB(env *Env) runner.Suite {
	s := &mongoSession{env: env}

	steps := []runner.Step{
		{Name: "data-availability", Run: func(ctx context.Context) (string, error) {
			detail, err := s.availability(ctx)
			if err != nil {
				return "", err
			}
			for _, sample := range []struct {
				coll   string
				fields []string
			}{
				{mongodb.Customers, []string{"name", "risk_level"}},
				{mongodb.Transactions, []string{"amount", "is_suspicious"}},
				{mongodb.SystemLogs, []string{"level", "service"}},
			} {
				if _, err := s.src.Find(ctx, sample.coll, bson.M{}, sample.fields, 3); err != nil {
					return "", err
				}
			}
			return detail, nil
		}},
	}
	for _, q := range mongoQueries {
		steps = append(steps, runner.Step{Name: q.name, Run: func(ctx context.Context) (string, error) {
			docs, err := s.src.Find(ctx, q.coll, q.filter, q.fields, 0)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d %s", len(docs), q.noun), nil
		}})
	}
	steps = append(steps,
		runner.Step{Name: "category-totals", Run: func(ctx context.Context) (string, error) {
			totals, err := s.src.CategoryTotals(ctx)
			if err != nil {
				return "", err
			}
			parts := make([]string, 0, len(totals))
			for _, t := range totals {
				parts = append(parts, fmt.Sprintf("%s=%.0f(%d)", t.Category, t.TotalAmount, t.Count))
			}
			return strings.Join(parts, ", "), nil
		}},
		runner.Step{Name: "logstash-pipeline", Run: func(ctx context.Context) (string, error) {
			if env.Logstash == nil {
				return "", report.Warn("logstash not configured")
			}
			node, err := env.Logstash.Probe(ctx)
			if err != nil {
				return "", report.Warn("logstash unavailable: %v", err)
			}
			event := map[string]any{
				"collection":     mongodb.Transactions,
				"transaction_id": "TEST001",
				"customer_id":    "CUST001",
				"amount":         100000,
				"category":       "테스트",
				"merchant":       "테스트상점",
				"timestamp":      env.now().Format("2006-01-02T15:04:05.000000"),
				"is_suspicious":  false,
				"risk_score":     0.1,
			}
			if err := env.Logstash.Send(ctx, event); err != nil {
				return "", report.Warn("logstash rejected test event: %v", err)
			}
			return fmt.Sprintf("logstash %s (%s) accepted test event", node.Version, node.Status), nil
		}},
		runner.Step{Name: "direct-indexing", Run: func(ctx context.Context) (string, error) {
			indexed := 0
			var filled []string
			for _, target := range []struct{ coll, index string }{
				{mongodb.Customers, CustomersDirectIndex},
				{mongodb.Transactions, TransactionsDirectIndex},
			} {
				docs, err := s.src.Documents(ctx, target.coll, 2)
				if err != nil {
					return "", err
				}
				if err := env.OS.DeleteIndex(ctx, target.index); err != nil {
					return "", err
				}
				for _, doc := range docs {
					if _, err := env.OS.IndexDocument(ctx, target.index, "", doc); err != nil {
						return "", err
					}
					indexed++
				}
				if len(docs) > 0 {
					filled = append(filled, target.index)
				}
			}
			if len(filled) > 0 {
				if err := env.OS.Refresh(ctx, filled...); err != nil {
					return "", err
				}
			}
			indices, err := env.OS.CatIndices(ctx, "mongodb*")
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d document(s) indexed; %d mongodb index(es) present", indexed, len(indices)), nil
		}},
	)

	return runner.Suite{
		Name:      "mongodb",
		Threshold: MongoThreshold,
		Setup:     s.setup,
		Steps:     steps,
		NextSteps: []string{
			"Check the Logstash pipeline logs for the shipped test event",
			"Run the transfer suite to compare transferred document counts",
		},
	}
}
