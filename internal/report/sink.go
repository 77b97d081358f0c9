package report

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/DeafMist/plugin-smoke/internal/models"
)

// Sink receives outcome documents once a suite finishes.
type Sink interface {
	Publish(ctx context.Context, docs ...models.OutcomeDocument) error
	Close() error
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Publish(context.Context, ...models.OutcomeDocument) error { return nil }
func (NopSink) Close() error                                           { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes outcomes as JSON keyed by run id.
type KafkaSink struct {
	w messageWriter
}

// NewKafkaSink writes to topic on brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{w: kafka.NewWriter(kafka.WriterConfig{
		Brokers:     brokers,
		Topic:       topic,
		Balancer:    &kafka.Hash{},
		MaxAttempts: 3,
	})}
}

func newKafkaSinkWithWriter(w messageWriter) *KafkaSink {
	return &KafkaSink{w: w}
}

// Publish sends one message per document.
func (s *KafkaSink) Publish(ctx context.Context, docs ...models.OutcomeDocument) error {
	if len(docs) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(docs))
	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal outcome %s: %w", doc.ID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(doc.RunID), Value: payload})
	}

	if err := s.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish outcomes: %w", err)
	}
	return nil
}

// Close flushes and closes the writer.
func (s *KafkaSink) Close() error {
	return s.w.Close()
}
