package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/dedupe"
	"github.com/DeafMist/plugin-smoke/internal/logger"
	"github.com/DeafMist/plugin-smoke/internal/metrics"
	"github.com/DeafMist/plugin-smoke/internal/models"
	"github.com/DeafMist/plugin-smoke/internal/processing"
)

type stubIndexer struct {
	docs []models.OutcomeDocument
	err  error
}

func (s *stubIndexer) IndexOutcome(_ context.Context, doc models.OutcomeDocument) error {
	if s.err != nil {
		return s.err
	}
	s.docs = append(s.docs, doc)
	return nil
}

// stubReader hands out msgs, then cancels the consumer.
type stubReader struct {
	msgs      []kafka.Message
	cancel    context.CancelFunc
	committed []int64
}

func (r *stubReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.msgs) == 0 {
		r.cancel()
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := r.msgs[0]
	r.msgs = r.msgs[1:]
	return m, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

type stubDLQ struct {
	msgs  []kafka.Message
	fails int
}

func (d *stubDLQ) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if d.fails > 0 {
		d.fails--
		return errors.New("broker unavailable")
	}
	d.msgs = append(d.msgs, msgs...)
	return nil
}

func newWorker(idx *stubIndexer, dlq *stubDLQ) *worker {
	return &worker{
		log:        logger.Discard(),
		store:      idx,
		cache:      dedupe.NewCache(100, time.Hour),
		stats:      metrics.NewWorker(prometheus.NewRegistry()),
		dlq:        dlq,
		dlqBackoff: time.Millisecond,
	}
}

func outcomeMessage(t *testing.T, offset int64, payload rawOutcome) kafka.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Key: []byte(payload.RunID), Value: data}
}

func TestProcessMessageIndexesOutcome(t *testing.T) {
	idx := &stubIndexer{}
	w := newWorker(idx, &stubDLQ{})

	msg := outcomeMessage(t, 1, rawOutcome{
		RunID:      "run-1",
		Suite:      "sql",
		Step:       "count-matches-fixture",
		Status:     "PASSED",
		Detail:     "\x1b[32mCOUNT(*) = 10\x1b[0m",
		DurationMS: 42,
		Timestamp:  "2025-08-12T10:00:00Z",
	})

	result, err := w.processMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, metrics.ResultIndexed, result)
	require.Len(t, idx.docs, 1)

	doc := idx.docs[0]
	require.Equal(t, processing.BuildDocumentID("run-1", "sql", "count-matches-fixture"), doc.ID)
	require.Equal(t, "passed", doc.Status)
	require.Equal(t, "COUNT(*) = 10", doc.Detail)
	require.EqualValues(t, 42, doc.DurationMS)
	require.Equal(t, time.Date(2025, time.August, 12, 10, 0, 0, 0, time.UTC), doc.Timestamp)

	result, err = w.processMessage(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, metrics.ResultDuplicate, result)
	require.Len(t, idx.docs, 1)
}

func TestProcessMessageDefaultsTimestampAndDuration(t *testing.T) {
	idx := &stubIndexer{}
	w := newWorker(idx, &stubDLQ{})

	before := time.Now().UTC()
	_, err := w.processMessage(context.Background(), outcomeMessage(t, 1, rawOutcome{
		RunID: "run-2", Suite: "knn", Step: "basic-search", Status: "not-run", DurationMS: -5,
	}))
	require.NoError(t, err)

	doc := idx.docs[0]
	require.Equal(t, "not_run", doc.Status)
	require.Zero(t, doc.DurationMS)
	require.False(t, doc.Timestamp.Before(before))
}

func TestProcessMessageRejectsInvalid(t *testing.T) {
	tests := map[string][]byte{
		"not json":       []byte("{"),
		"missing step":   []byte(`{"run_id":"r","suite":"sql","status":"passed"}`),
		"unknown status": []byte(`{"run_id":"r","suite":"sql","step":"s","status":"green"}`),
	}
	for name, value := range tests {
		t.Run(name, func(t *testing.T) {
			idx := &stubIndexer{}
			w := newWorker(idx, &stubDLQ{})

			_, err := w.processMessage(context.Background(), kafka.Message{Value: value})
			require.Error(t, err)
			require.Empty(t, idx.docs)
		})
	}
}

func TestConsumeCommitsIndexedAndParkedMessages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := &stubIndexer{}
	dlq := &stubDLQ{fails: 1}
	w := newWorker(idx, dlq)
	good := rawOutcome{RunID: "run-3", Suite: "ml", Step: "seed-customers", Status: "passed"}
	reader := &stubReader{
		cancel: cancel,
		msgs: []kafka.Message{
			outcomeMessage(t, 10, good),
			{Offset: 11, Value: []byte("garbage")},
			outcomeMessage(t, 12, good),
		},
	}

	require.NoError(t, w.consume(ctx, reader))

	require.Equal(t, []int64{10, 11, 12}, reader.committed)
	require.Len(t, idx.docs, 1)
	require.Len(t, dlq.msgs, 1)
	require.Equal(t, []byte("garbage"), dlq.msgs[0].Value)

	headers := map[string]string{}
	for _, h := range dlq.msgs[0].Headers {
		headers[h.Key] = string(h.Value)
	}
	require.Equal(t, "11", headers["original_offset"])
	require.Contains(t, headers["error"], "decode outcome")

	require.Equal(t, 1.0, testutil.ToFloat64(w.stats.Messages.WithLabelValues(metrics.ResultIndexed)))
	require.Equal(t, 1.0, testutil.ToFloat64(w.stats.Messages.WithLabelValues(metrics.ResultDuplicate)))
	require.Equal(t, 1.0, testutil.ToFloat64(w.stats.Messages.WithLabelValues(metrics.ResultDLQ)))
}

func TestConsumeLeavesMessageUncommittedWhenDLQDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	idx := &stubIndexer{err: errors.New("cluster read-only")}
	w := newWorker(idx, &stubDLQ{fails: 10})
	reader := &stubReader{
		cancel: cancel,
		msgs:   []kafka.Message{outcomeMessage(t, 20, rawOutcome{RunID: "r", Suite: "sql", Step: "s", Status: "failed"})},
	}

	require.NoError(t, w.consume(ctx, reader))
	require.Empty(t, reader.committed)
	require.Equal(t, 1.0, testutil.ToFloat64(w.stats.Messages.WithLabelValues(metrics.ResultLost)))
}
