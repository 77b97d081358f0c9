package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/DeafMist/plugin-smoke/internal/models"
)

func TestSuccessRateIgnoresWarnings(t *testing.T) {
	r := New("run-1", "full", 0.8)
	r.Add(Outcome{Step: "security", Status: Passed})
	r.Add(Outcome{Step: "sql", Status: Passed})
	r.Add(Outcome{Step: "knn", Status: Passed})
	r.Add(Outcome{Step: "perf", Status: Warning})

	require.InDelta(t, 0.75, r.SuccessRate(), 1e-9)
	require.False(t, r.Passed())

	r.Add(Outcome{Step: "ism", Status: Passed})
	require.InDelta(t, 0.8, r.SuccessRate(), 1e-9)
	require.True(t, r.Passed())
}

func TestEmptyReportFails(t *testing.T) {
	r := New("run", "sql", 0)
	require.Zero(t, r.SuccessRate())
	require.False(t, r.Passed())
}

func TestWarnClassification(t *testing.T) {
	err := fmt.Errorf("audit: %w", Warn("needs setup (%d)", 405))
	require.True(t, IsWarning(err))
	require.False(t, IsWarning(errors.New("boom")))
	require.Equal(t, "audit: needs setup (405)", err.Error())
}

func TestPrintSummary(t *testing.T) {
	r := New("abc", "mongodb", 0.7)
	r.Add(Outcome{Step: "data", Status: Passed, Duration: 12 * time.Millisecond})
	r.Add(Outcome{Step: "logstash", Status: Warning, Detail: "HTTP input not configured"})
	r.Add(Outcome{Step: "transfer", Status: Failed, Detail: "status 500"})
	r.NextSteps = []string{"Configure the Logstash pipeline"}

	var buf bytes.Buffer
	r.Print(&buf)
	out := buf.String()

	require.Contains(t, out, "mongodb summary (run abc)")
	require.Contains(t, out, "PASSED")
	require.Contains(t, out, "HTTP input not configured")
	require.Contains(t, out, "Success rate: 33.3% (threshold 70%)")
	require.Contains(t, out, "Result: FAIL")
	require.Contains(t, out, "1. Configure the Logstash pipeline")
	require.Contains(t, out, "passed=1, warning=1, failed=1")
}

func TestDocumentsHaveStableIDs(t *testing.T) {
	r := New("run-9", "sql", 0.8)
	r.Add(Outcome{Step: "count", Status: Passed, Duration: time.Second})
	r.Add(Outcome{Step: "ppl", Status: Errored, Detail: "  multi\n line  "})

	docs := r.Documents()
	require.Len(t, docs, 2)
	require.NotEqual(t, docs[0].ID, docs[1].ID)
	require.Equal(t, "errored", docs[1].Status)
	require.Equal(t, "multi line", docs[1].Detail)
	require.EqualValues(t, 1000, docs[0].DurationMS)
	require.Equal(t, r.Started.Add(time.Second), docs[1].Timestamp)

	again := r.Documents()
	require.Equal(t, docs[0].ID, again[0].ID)
}

type recordingWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaSinkPublishes(t *testing.T) {
	w := &recordingWriter{}
	sink := newKafkaSinkWithWriter(w)

	docs := []models.OutcomeDocument{
		{ID: "1", RunID: "r", Suite: "knn", Step: "basic", Status: "passed"},
		{ID: "2", RunID: "r", Suite: "knn", Step: "filtered", Status: "failed"},
	}
	require.NoError(t, sink.Publish(context.Background(), docs...))
	require.Len(t, w.msgs, 2)
	require.Equal(t, "r", string(w.msgs[0].Key))

	var decoded models.OutcomeDocument
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	require.Equal(t, "filtered", decoded.Step)

	require.NoError(t, sink.Publish(context.Background()))
	require.Len(t, w.msgs, 2)

	require.NoError(t, sink.Close())
	require.True(t, w.closed)
}

func TestKafkaSinkWrapsWriteError(t *testing.T) {
	sink := newKafkaSinkWithWriter(&recordingWriter{err: errors.New("broker down")})
	err := sink.Publish(context.Background(), models.OutcomeDocument{ID: "x"})
	require.ErrorContains(t, err, "broker down")
}
