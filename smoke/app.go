package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/fixtures"
	"github.com/DeafMist/plugin-smoke/internal/logstash"
	"github.com/DeafMist/plugin-smoke/internal/mongodb"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/probe"
	"github.com/DeafMist/plugin-smoke/internal/report"
	"github.com/DeafMist/plugin-smoke/internal/runner"
	"github.com/DeafMist/plugin-smoke/internal/suites"
)

const perfAnalyzerMetrics = "/_plugins/_performanceanalyzer/metrics"

// errNotPassed is returned when at least one suite ends below its threshold
// or cannot reach the cluster.
var errNotPassed = errors.New("smoke suites did not pass")

type app struct {
	log        *slog.Logger
	out        io.Writer
	loadConfig func() (*config.Runner, error)

	threshold float64
	seed      uint64
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "smoke",
		Short: "Smoke-test the plugins of a lab OpenSearch cluster",
		Long: `smoke runs suites of checks against an OpenSearch cluster and its
plugins (security, SQL, k-NN, alerting, anomaly detection, ML Commons), the
lab MongoDB and the Logstash pipeline between them. Each suite prints a
summary and fails when its success rate falls below the threshold.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Float64Var(&a.threshold, "threshold", 0, "pass threshold in (0,1], overrides the suite default")
	root.PersistentFlags().Uint64Var(&a.seed, "seed", 0, "seed for generated data, overrides SMOKE_SEED")

	for _, name := range suites.Names() {
		root.AddCommand(&cobra.Command{
			Use:   name,
			Short: fmt.Sprintf("Run the %s suite", name),
			Args:  cobra.NoArgs,
			RunE:  a.runSuites(name),
		})
	}
	root.AddCommand(&cobra.Command{
		Use:   "all",
		Short: "Run every suite in sequence",
		Args:  cobra.NoArgs,
		RunE:  a.runSuites(suites.Names()...),
	})
	root.AddCommand(&cobra.Command{
		Use:   "seed-mongo",
		Short: "Drop and reload the lab MongoDB data set",
		Args:  cobra.NoArgs,
		RunE:  a.seedMongo,
	})
	return root
}

func (a *app) runnerConfig(cmd *cobra.Command) (*config.Runner, error) {
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("seed") {
		cfg.Seed = a.seed
	}
	if cmd.Flags().Changed("threshold") && (a.threshold <= 0 || a.threshold > 1) {
		return nil, fmt.Errorf("--threshold must be in (0,1], got %g", a.threshold)
	}
	return cfg, nil
}

func (a *app) runSuites(names ...string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		cfg, err := a.runnerConfig(cmd)
		if err != nil {
			return err
		}

		env, err := a.newEnv(cfg)
		if err != nil {
			return err
		}
		dialer := &mongoDialer{cfg: cfg, log: a.log}
		env.Mongo = dialer.dial
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := dialer.close(closeCtx); err != nil {
				a.log.Warn("close mongodb", slog.Any("err", err))
			}
		}()

		var sink report.Sink = report.NopSink{}
		if cfg.PublishingEnabled() {
			sink = report.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
			a.log.Info("publishing outcomes",
				slog.String("topic", cfg.KafkaTopic),
				slog.String("brokers", strings.Join(cfg.KafkaBrokers, ",")),
			)
		}
		defer func() {
			if err := sink.Close(); err != nil {
				a.log.Warn("close outcome sink", slog.Any("err", err))
			}
		}()

		r := runner.New(runner.WithSink(sink), runner.WithLogger(a.log))
		runID := uuid.NewString()

		failed := 0
		for _, name := range names {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s, err := suites.Build(name, env)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("threshold") {
				s.Threshold = a.threshold
			}

			rep, err := r.Run(ctx, runID, s)
			rep.Print(a.out)
			switch {
			case err != nil:
				a.log.Error("suite could not start", slog.String("suite", name), slog.Any("err", err))
				failed++
			case !rep.Passed():
				failed++
			}
		}

		if failed > 0 {
			return fmt.Errorf("%w: %d of %d suite(s) failed (run %s)", errNotPassed, failed, len(names), runID)
		}
		return nil
	}
}

func (a *app) newEnv(cfg *config.Runner) (*suites.Env, error) {
	client, err := opensearch.New(opensearch.ConfigFrom(cfg.Common), a.log)
	if err != nil {
		return nil, fmt.Errorf("init opensearch: %w", err)
	}
	loader, err := fixtures.New(client, fixtures.WithLogger(a.log))
	if err != nil {
		return nil, fmt.Errorf("init fixtures: %w", err)
	}

	env := &suites.Env{
		OS:       client,
		Fixtures: loader,
		Logstash: logstash.New(cfg.LogstashAddr, cfg.LogstashHTTPAddr, cfg.ProbeTimeout, cfg.IngestTimeout),
		Log:      a.log,
		Seed:     cfg.Seed,
	}
	if cfg.PerfAnalyzerAddr != "" {
		env.PerfAnalyzer = probe.New(strings.TrimRight(cfg.PerfAnalyzerAddr, "/")+perfAnalyzerMetrics, cfg.ProbeTimeout)
	}
	return env, nil
}

func (a *app) seedMongo(cmd *cobra.Command, _ []string) error {
	cfg, err := a.runnerConfig(cmd)
	if err != nil {
		return err
	}
	store, err := mongodb.Connect(cmd.Context(), cfg.MongoURI, cfg.MongoDatabase, cfg.ProbeTimeout, a.log)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close(context.Background())
	}()

	counts, err := store.Seed(cmd.Context(), nil)
	if err != nil {
		return err
	}

	colls := make([]string, 0, len(counts))
	for coll := range counts {
		colls = append(colls, coll)
	}
	sort.Strings(colls)
	for _, coll := range colls {
		fmt.Fprintf(a.out, "%s.%s: %d document(s)\n", store.Database(), coll, counts[coll])
	}
	return nil
}

// mongoDialer connects once per process and hands the same store to every
// Mongo-backed suite.
type mongoDialer struct {
	cfg *config.Runner
	log *slog.Logger

	mu    sync.Mutex
	store *mongodb.Store
}

func (d *mongoDialer) dial(ctx context.Context) (suites.MongoSource, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store != nil {
		return d.store, nil
	}
	store, err := mongodb.Connect(ctx, d.cfg.MongoURI, d.cfg.MongoDatabase, d.cfg.ProbeTimeout, d.log)
	if err != nil {
		return nil, err
	}
	d.store = store
	return store, nil
}

func (d *mongoDialer) close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.store == nil {
		return nil
	}
	err := d.store.Close(ctx)
	d.store = nil
	return err
}
