// Package kafka publishes the integrated city dataset to a Kafka topic so
// downstream consumers can pick up each run without polling the database.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/couchcryptid/comuni-risk-etl/internal/domain"
	"github.com/couchcryptid/comuni-risk-etl/internal/observability"
	kafkago "github.com/segmentio/kafka-go"
)

// messageWriter is the subset of *kafkago.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Writer produces one message per city to a Kafka topic.
// It implements pipeline.Publisher.
type Writer struct {
	writer  messageWriter
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewWriter creates a Kafka producer for the dataset topic. metrics may be nil.
func NewWriter(brokers []string, topic string, logger *slog.Logger, metrics *observability.Metrics) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger, metrics: metrics}
}

// Publish serializes every record of the dataset and writes them in a single
// WriteMessages call. Messages are keyed by uid so a city always lands on the
// same partition.
func (w *Writer) Publish(ctx context.Context, ds domain.Dataset) error {
	if ds.Len() == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, ds.Len())
	for i := range ds.Records {
		msg, err := serializeToMessage(ds.Records[i], ds.GeneratedAt)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish dataset: %w", err)
	}

	if w.metrics != nil {
		w.metrics.MessagesProduced.Add(float64(len(msgs)))
	}
	w.logger.Info("dataset published", "messages", len(msgs))
	return nil
}

// Close flushes pending messages and closes the producer.
func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals an IntegratedRecord into a Kafka message.
func serializeToMessage(r domain.IntegratedRecord, generatedAt time.Time) (kafkago.Message, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize city %d: %w", r.UID, err)
	}
	return kafkago.Message{
		Key:   []byte(strconv.FormatInt(r.UID, 10)),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "srid", Value: []byte(strconv.Itoa(domain.SRID))},
			{Key: "generated_at", Value: []byte(generatedAt.UTC().Format(time.RFC3339))},
		},
	}, nil
}
