package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/DeafMist/plugin-smoke/internal/config"
	"github.com/DeafMist/plugin-smoke/internal/dedupe"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/metrics"
	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/opensearch"
	"github.com/DeafMist/plugin-smoke/internal/processing"
)

// rawOutcome is the message as published by the smoke runner. Timestamp stays
// a string so older producers with a space-separated layout still parse.
type rawOutcome struct {
	RunID      string `json:"run_id"`
	Suite      string `json:"suite"`
	Step       string `json:"step"`
	Status     string `json:"status"`
	Detail     string `json:"detail"`
	DurationMS int64  `json:"duration_ms"`
	Timestamp  string `json:"timestamp"`
}

type outcomeIndexer interface {
	IndexOutcome(ctx context.Context, doc models.OutcomeDocument) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

func main() {
	log := logger.New("worker")
	cfg, err := config.LoadWorker()
	if err != nil {
		log.Error("load config", slog.Any("err", err))
		os.Exit(1)
	}

	client, err := opensearch.New(opensearch.ConfigFrom(cfg.Common), log)
	if err != nil {
		log.Error("init opensearch", slog.Any("err", err))
		os.Exit(1)
	}
	store := opensearch.NewOutcomeStore(client, cfg.ResultsIndex)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := opensearch.WaitForCluster(ctx, store.Ping, opensearch.DefaultWaitPolicy, log); err != nil {
		log.Error("connect to opensearch", slog.Any("err", err))
		os.Exit(1)
	}
	if err := store.EnsureIndex(ctx); err != nil {
		log.Error("ensure results index", slog.Any("err", err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	w := &worker{
		log:   log,
		store: store,
		cache: dedupe.NewCache(cfg.DedupeCapacity, cfg.DedupeTTL),
		stats: metrics.NewWorker(registry),
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaConsumer,
		QueueCapacity:  cfg.BatchSize,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit only
	})
	defer reader.Close()

	dlqWriter := kafka.NewWriter(kafka.WriterConfig{
		Brokers:     cfg.KafkaBrokers,
		Topic:       cfg.KafkaTopic + "_dlq",
		MaxAttempts: 3,
	})
	defer dlqWriter.Close()
	w.dlq = dlqWriter

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("worker started",
		slog.String("topic", cfg.KafkaTopic),
		slog.String("group", cfg.KafkaConsumer),
		slog.String("dlq_topic", cfg.KafkaTopic+"_dlq"),
		slog.String("index", store.Index()),
		slog.String("metrics_addr", cfg.MetricsAddr),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.consume(gctx, reader)
	})
	g.Go(func() error {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("worker stopped", slog.Any("err", err))
		stop()
		os.Exit(1)
	}
	log.Info("worker stopped")
}

type worker struct {
	log   *slog.Logger
	store outcomeIndexer
	cache *dedupe.Cache
	stats *metrics.Worker
	dlq   messageWriter
	// dlqBackoff is the first DLQ retry delay, doubled on every attempt.
	dlqBackoff time.Duration
}

// consume runs until ctx is cancelled. A message is committed once it is
// indexed, recognised as a duplicate or parked on the DLQ.
func (w *worker) consume(ctx context.Context, reader messageReader) error {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.log.Info("context canceled, stopping")
				return nil
			}
			w.log.Error("fetch message", slog.Any("err", err))
			continue
		}

		result, err := w.processMessage(ctx, msg)
		if err != nil {
			w.log.Warn("process message failed, sending to DLQ",
				slog.Any("err", err),
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
			)
			if !w.sendToDLQ(ctx, msg, err) {
				w.stats.Observe(metrics.ResultLost)
				if ctx.Err() != nil {
					return nil
				}
				// No commit: the message is redelivered after a restart.
				continue
			}
			result = metrics.ResultDLQ
		}
		w.stats.Observe(result)

		if err := reader.CommitMessages(ctx, msg); err != nil {
			w.log.Error("commit message", slog.Any("err", err))
		}
	}
}

func (w *worker) sendToDLQ(ctx context.Context, msg kafka.Message, cause error) bool {
	dlqMsg := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: append(msg.Headers,
			kafka.Header{Key: "original_partition", Value: []byte(fmt.Sprintf("%d", msg.Partition))},
			kafka.Header{Key: "original_offset", Value: []byte(fmt.Sprintf("%d", msg.Offset))},
			kafka.Header{Key: "error", Value: []byte(cause.Error())},
			kafka.Header{Key: "timestamp", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		),
	}

	base := w.dlqBackoff
	if base <= 0 {
		base = time.Second
	}
	for attempt := range 5 {
		dlqErr := w.dlq.WriteMessages(ctx, dlqMsg)
		if dlqErr == nil {
			w.log.Info("message sent to DLQ",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Int("attempt", attempt+1),
			)
			return true
		}

		backoff := base << uint(attempt)
		w.log.Warn("DLQ write failed, retrying",
			slog.Any("err", dlqErr),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", backoff),
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			w.log.Info("context canceled during DLQ retry")
			return false
		}
	}

	w.log.Error("DLQ write exhausted retries, message left uncommitted",
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	return false
}

// processMessage validates one outcome and indexes it unless it was seen
// recently. The returned result feeds the message counter.
func (w *worker) processMessage(ctx context.Context, msg kafka.Message) (string, error) {
	var payload rawOutcome
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		return "", fmt.Errorf("decode outcome: %w", err)
	}

	runID := strings.TrimSpace(payload.RunID)
	suite := strings.TrimSpace(payload.Suite)
	step := strings.TrimSpace(payload.Step)
	if runID == "" || suite == "" || step == "" {
		return "", errors.New("outcome needs run_id, suite and step")
	}

	status, ok := processing.NormalizeStatus(payload.Status)
	if !ok {
		return "", fmt.Errorf("unknown status %q", payload.Status)
	}

	ts := processing.ParseTimestamp(payload.Timestamp)
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	doc := models.OutcomeDocument{
		ID:         processing.BuildDocumentID(runID, suite, step),
		RunID:      runID,
		Suite:      suite,
		Step:       step,
		Status:     status,
		Detail:     processing.CleanDetail(payload.Detail, processing.MaxDetailLength),
		DurationMS: max(payload.DurationMS, 0),
		Timestamp:  ts,
	}

	if w.cache.IsSeen(doc.ID) {
		w.log.Debug("duplicate outcome", slog.String("id", doc.ID))
		return metrics.ResultDuplicate, nil
	}

	start := time.Now()
	if err := w.store.IndexOutcome(ctx, doc); err != nil {
		return "", err
	}
	w.stats.IndexLatency.Observe(time.Since(start).Seconds())

	w.cache.MarkSeen(doc.ID)
	w.log.Info("indexed outcome",
		slog.String("id", doc.ID),
		slog.String("suite", doc.Suite),
		slog.String("step", doc.Step),
		slog.String("status", doc.Status),
	)
	return metrics.ResultIndexed, nil
}
