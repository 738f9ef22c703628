// Package kafka produces audit events to a Kafka topic for SIEM pipelines.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	audit "itroad-gateway/pkg/platform/audit"
)

// Store produces audit events to a topic. Delivery is fire-and-forget:
// auditing must never block or fail a request.
type Store struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// New creates a Kafka-backed audit store.
func New(brokers []string, topic string, logger *slog.Logger) (*Store, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Store{client: client, topic: topic, logger: logger}, nil
}

// Append serializes the event and hands it to the producer. Broker errors are
// logged from the delivery callback, never surfaced to the request path.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	record := &kgo.Record{
		Key:   []byte(event.Action),
		Value: payload,
	}
	s.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			s.logger.Error("audit event delivery failed",
				"action", event.Action,
				"error", err,
			)
		}
	})
	return nil
}

// Close flushes outstanding records and releases the client.
func (s *Store) Close() {
	_ = s.client.Flush(context.Background())
	s.client.Close()
}
