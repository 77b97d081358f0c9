package suites

import (
	"context"
	"fmt"
	"strings"

	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

// Target indices of the transfer suite.
const (
	CustomersTransferIndex    = "mongodb-customers-test"
	TransactionsTransferIndex = "mongodb-transactions-test"

	transferSample = 2
)

var transferTargets = []struct{ coll, index string }{
	{mongodb.Customers, CustomersTransferIndex},
	{mongodb.Transactions, TransactionsTransferIndex},
}

// transferSearches verify the transferred documents stay searchable by their business fields.
var transferSearches = []struct {
	name  string
	index string
	query map[string]any
}{
	{"search-high-risk", CustomersTransferIndex, map[string]any{"match": map[string]any{"risk_level": "HIGH"}}},
	{"search-suspicious", TransactionsTransferIndex, map[string]any{"match": map[string]any{"is_suspicious": true}}},
}

// Transfer copies a sample of MongoDB documents into OpenSearch and checks
// that counts match and the copies are searchable. Targets are recreated on
// every run, so repeated runs leave the same counts.
func Transfer(env *Env) runner.Suite {
	s := &mongoSession{env: env}

	steps := []runner.Step{
		{Name: "mongodb-data", Run: s.availability},
		{Name: "opensearch-info", Run: func(ctx context.Context) (string, error) {
			info, err := env.OS.Info(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s %s", info.Distribution, info.Version), nil
		}},
		{Name: "transfer-documents", Run: func(ctx context.Context) (string, error) {
			parts := make([]string, 0, len(transferTargets))
			for _, t := range transferTargets {
				docs, err := s.src.Documents(ctx, t.coll, transferSample)
				if err != nil {
					return "", err
				}
				batch := make([]opensearch.Document, len(docs))
				for i, d := range docs {
					batch[i] = opensearch.Document{Source: d}
				}
				if _, err := env.Fixtures.Seed(ctx, t.index, nil, batch); err != nil {
					return "", err
				}
				n, err := env.OS.Count(ctx, t.index, nil)
				if err != nil {
					return "", err
				}
				if n != int64(len(docs)) {
					return "", runner.Failf("%s holds %d documents, %d were transferred", t.index, n, len(docs))
				}
				parts = append(parts, fmt.Sprintf("%s=%d", t.index, n))
			}
			return strings.Join(parts, ", "), nil
		}},
	}
	for _, q := range transferSearches {
		steps = append(steps, runner.Step{Name: q.name, Run: func(ctx context.Context) (string, error) {
			res, err := env.OS.Search(ctx, q.index, map[string]any{"query": q.query})
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d hit(s) in %s", res.Total, q.index), nil
		}})
	}

	return runner.Suite{
		Name:      "transfer",
		Threshold: MongoThreshold,
		Setup:     s.setup,
		Steps:     steps,
		NextSteps: []string{
			"Replace the sample copy with the Logstash MongoDB pipeline for continuous sync",
		},
	}
}
