// Package mongodb reads and seeds the lab MongoDB database that the mongodb
// and transfer suites use as their source of documents.
package mongodb

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/DeafMist/plugin-smoke/internal/logger"
)

// Collection names of the lab data set.
const (
	Customers    = "customers"
	Transactions = "transactions"
	SystemLogs   = "system_logs"
)

// Store wraps one database.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *slog.Logger
}

// CategoryTotal is one row of the per-category transaction aggregation.
type CategoryTotal struct {
	Category    string  `bson:"_id" json:"category"`
	TotalAmount float64 `bson:"total_amount" json:"total_amount"`
	Count       int64   `bson:"count" json:"count"`
}

// Connect dials uri and pings the server. timeout bounds server selection.
func Connect(ctx context.Context, uri, database string, timeout time.Duration, log *slog.Logger) (*Store, error) {
	if database == "" {
		return nil, fmt.Errorf("mongodb database name required")
	}
	if log == nil {
		log = logger.Discard()
	}

	opts := options.Client().ApplyURI(uri)
	if timeout > 0 {
		opts.SetServerSelectionTimeout(timeout)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	s := &Store{client: client, db: client.Database(database), log: log}
	if err := s.Ping(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	log.Info("connected to mongodb", slog.String("database", database))
	return s, nil
}

// Database returns the database name.
func (s *Store) Database() string { return s.db.Name() }

// Ping checks the primary answers.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if err := s.client.Disconnect(ctx); err != nil {
		return fmt.Errorf("disconnect mongodb: %w", err)
	}
	return nil
}

// CollectionCounts returns the document count of every collection.
func (s *Store) CollectionCounts(ctx context.Context) (map[string]int64, error) {
	names, err := s.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	sort.Strings(names)

	out := make(map[string]int64, len(names))
	for _, name := range names {
		n, err := s.db.Collection(name).CountDocuments(ctx, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", name, err)
		}
		out[name] = n
	}
	return out, nil
}

// CountWhere counts documents in coll matching filter.
func (s *Store) CountWhere(ctx context.Context, coll string, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	n, err := s.db.Collection(coll).CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", coll, err)
	}
	return n, nil
}

// Find returns documents matching filter with only the listed fields. An
// empty fields list returns whole documents. _id is always dropped. limit <= 0
// means no limit.
func (s *Store) Find(ctx context.Context, coll string, filter bson.M, fields []string, limit int64) ([]map[string]any, error) {
	if filter == nil {
		filter = bson.M{}
	}

	projection := bson.M{"_id": 0}
	for _, f := range fields {
		projection[f] = 1
	}

	opts := options.Find().SetProjection(projection)
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cur, err := s.db.Collection(coll).Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", coll, err)
	}
	defer cur.Close(ctx)

	var raw []bson.M
	if err := cur.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("read %s: %w", coll, err)
	}

	out := make([]map[string]any, 0, len(raw))
	for _, doc := range raw {
		out = append(out, Normalize(doc))
	}
	return out, nil
}

// Sample returns up to limit documents of coll restricted to fields.
func (s *Store) Sample(ctx context.Context, coll string, fields []string, limit int64) ([]map[string]any, error) {
	return s.Find(ctx, coll, nil, fields, limit)
}

// Documents returns up to limit whole documents of coll without _id, ready to
// be indexed elsewhere.
func (s *Store) Documents(ctx context.Context, coll string, limit int64) ([]map[string]any, error) {
	return s.Find(ctx, coll, nil, nil, limit)
}

// CategoryTotals sums transaction amounts per category, largest first.
func (s *Store) CategoryTotals(ctx context.Context) ([]CategoryTotal, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$category"},
			{Key: "total_amount", Value: bson.D{{Key: "$sum", Value: "$amount"}}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "total_amount", Value: -1}}}},
	}

	cur, err := s.db.Collection(Transactions).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate categories: %w", err)
	}
	defer cur.Close(ctx)

	var out []CategoryTotal
	if err := cur.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("read category totals: %w", err)
	}
	return out, nil
}
