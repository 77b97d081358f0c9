package mongodb

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

//go:embed seed.yml
var seedYAML []byte

// SeedData is the lab data set keyed by collection.
type SeedData struct {
	DateFields   []string         `yaml:"date_fields"`
	Customers    []map[string]any `yaml:"customers"`
	Transactions []map[string]any `yaml:"transactions"`
	SystemLogs   []map[string]any `yaml:"system_logs"`
}

// Collections returns the documents of every collection with date fields
// converted to time.Time.
func (d *SeedData) Collections() (map[string][]any, error) {
	out := map[string][]any{
		Customers:    nil,
		Transactions: nil,
		SystemLogs:   nil,
	}
	sets := map[string][]map[string]any{
		Customers:    d.Customers,
		Transactions: d.Transactions,
		SystemLogs:   d.SystemLogs,
	}
	for coll, docs := range sets {
		for i, doc := range docs {
			converted, err := withDates(doc, d.DateFields)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", coll, i, err)
			}
			out[coll] = append(out[coll], converted)
		}
	}
	return out, nil
}

// LoadSeedData parses the embedded lab data set.
func LoadSeedData() (*SeedData, error) {
	var d SeedData
	if err := yaml.Unmarshal(seedYAML, &d); err != nil {
		return nil, fmt.Errorf("parse seed data: %w", err)
	}
	return &d, nil
}

func withDates(doc map[string]any, fields []string) (bson.M, error) {
	out := make(bson.M, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	for _, f := range fields {
		raw, ok := out[f].(string)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", f, err)
		}
		out[f] = ts.UTC()
	}
	return out, nil
}

var seedIndexes = map[string][]mongo.IndexModel{
	Customers: {
		{Keys: bson.D{{Key: "customer_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "risk_level", Value: 1}}},
		{Keys: bson.D{{Key: "location.coordinates", Value: "2dsphere"}}},
	},
	Transactions: {
		{Keys: bson.D{{Key: "transaction_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "customer_id", Value: 1}}},
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "is_suspicious", Value: 1}}},
		{Keys: bson.D{{Key: "location.coordinates", Value: "2dsphere"}}},
	},
	SystemLogs: {
		{Keys: bson.D{{Key: "timestamp", Value: -1}}},
		{Keys: bson.D{{Key: "level", Value: 1}}},
		{Keys: bson.D{{Key: "service", Value: 1}}},
	},
}

// Seed drops the lab collections, inserts data and recreates the secondary
// indexes. It returns the number of documents inserted per collection.
func (s *Store) Seed(ctx context.Context, data *SeedData) (map[string]int, error) {
	if data == nil {
		var err error
		if data, err = LoadSeedData(); err != nil {
			return nil, err
		}
	}

	sets, err := data.Collections()
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int, len(sets))
	for _, coll := range []string{Customers, Transactions, SystemLogs} {
		docs := sets[coll]
		c := s.db.Collection(coll)

		if err := c.Drop(ctx); err != nil {
			return nil, fmt.Errorf("drop %s: %w", coll, err)
		}
		if len(docs) > 0 {
			res, err := c.InsertMany(ctx, docs)
			if err != nil {
				return nil, fmt.Errorf("insert %s: %w", coll, err)
			}
			counts[coll] = len(res.InsertedIDs)
		}
		if models := seedIndexes[coll]; len(models) > 0 {
			if _, err := c.Indexes().CreateMany(ctx, models); err != nil {
				return nil, fmt.Errorf("create indexes on %s: %w", coll, err)
			}
		}

		s.log.Info("mongodb collection seeded",
			slog.String("collection", coll),
			slog.Int("documents", counts[coll]),
		)
	}
	return counts, nil
}
