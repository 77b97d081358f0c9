// Package suites defines the smoke suites run against a lab cluster. Each
// suite is a flat list of steps built over a shared Env; the runner package
// executes them and the report package scores them.
package suites

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/logstash"
	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/probe"
	"github.com/DeafMist/plugin-smoke/internal/runner"
)

// Default pass thresholds.
const (
	DefaultThreshold = 0.8
	MongoThreshold   = 0.7
	StrictThreshold  = 1.0
)

// MongoSource is the read side of the lab MongoDB used by the mongodb and
// transfer suites.
type MongoSource interface {
	CollectionCounts(ctx context.Context) (map[string]int64, error)
	Find(ctx context.Context, coll string, filter bson.M, fields []string, limit int64) ([]map[string]any, error)
	Documents(ctx context.Context, coll string, limit int64) ([]map[string]any, error)
	CategoryTotals(ctx context.Context) ([]mongodb.CategoryTotal, error)
}

// Logstash is the part of the Logstash client the mongodb suite uses.
type Logstash interface {
	Probe(ctx context.Context) (*logstash.NodeInfo, error)
	Send(ctx context.Context, event any) error
}

// Prober checks a side endpoint such as the Performance Analyzer.
type Prober interface {
	Check(ctx context.Context) (*probe.Result, error)
}

// Env carries the clients every suite builds on.
type Env struct {
	OS       *opensearch.Client
	Fixtures *fixtures.Loader
	// Mongo dials MongoDB on first use. Nil disables the Mongo-backed suites.
	Mongo        func(ctx context.Context) (MongoSource, error)
	Logstash     Logstash
	PerfAnalyzer Prober
	Log          *slog.Logger
	Seed         uint64
	// RealtimeDays is how many days of realtime transactions the financial
	// seed generates.
	RealtimeDays int
	Now          func() time.Time
}

func (e *Env) logger() *slog.Logger {
	if e.Log == nil {
		return logger.Discard()
	}
	return e.Log
}

func (e *Env) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Env) realtimeDays() int {
	if e.RealtimeDays <= 0 {
		return 3
	}
	return e.RealtimeDays
}

// connect is the setup shared by every OpenSearch suite.
func (e *Env) connect(ctx context.Context) error {
	info, err := e.OS.Info(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", e.OS.Addr(), err)
	}
	e.logger().Info("connected to opensearch",
		slog.String("cluster", info.ClusterName),
		slog.String("version", info.Version),
	)
	return nil
}

// Builder assembles one suite over env.
type Builder func(env *Env) runner.Suite

var builders = map[string]Builder{
	"connection": Connection,
	"security":   Security,
	"sql":        SQL,
	"knn":        KNN,
	"alerting":   Alerting,
	"anomaly":    Anomaly,
	"ml":         ML,
	"full":       Full,
	"mongodb":    MongoDB,
	"transfer":   Transfer,
}

// order is the sequence used by "all".
var order = []string{
	"connection", "security", "sql", "knn", "alerting",
	"anomaly", "ml", "full", "mongodb", "transfer",
}

// Names lists every suite in run order.
func Names() []string {
	return append([]string(nil), order...)
}

// Build returns the named suite.
func Build(name string, env *Env) (runner.Suite, error) {
	b, ok := builders[name]
	if !ok {
		known := make([]string, 0, len(builders))
		for n := range builders {
			known = append(known, n)
		}
		sort.Strings(known)
		return runner.Suite{}, fmt.Errorf("unknown suite %q (known: %s)", name, strings.Join(known, ", "))
	}
	return b(env), nil
}
