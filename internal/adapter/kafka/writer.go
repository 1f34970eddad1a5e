package kafka

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/couchcryptid/hass-ingest-service/internal/config"
	"github.com/couchcryptid/hass-ingest-service/internal/domain"
	kafkago "github.com/segmentio/kafka-go"
)

// Writer publishes canonical events to the event topic, keyed by entity so
// one entity's events stay on one partition.
// It implements delivery.Transport.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured event topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		MaxAttempts:  1,
	}
	return &Writer{writer: w, logger: logger}
}

// Deliver publishes one encoded event. Retries are left to the delivery client.
func (w *Writer) Deliver(ctx context.Context, event domain.CanonicalEvent, body []byte) error {
	if err := w.writer.WriteMessages(ctx, buildMessage(event, body)); err != nil {
		return fmt.Errorf("publish %s: %w", event.EntityID, err)
	}
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// buildMessage wraps an encoded event in a Kafka message.
func buildMessage(event domain.CanonicalEvent, body []byte) kafkago.Message {
	return kafkago.Message{
		Key:   []byte(event.EntityID),
		Value: body,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(event.EventType)},
			{Key: "occurred_at", Value: []byte(event.OccurredAt.Format(time.RFC3339Nano))},
		},
	}
}
