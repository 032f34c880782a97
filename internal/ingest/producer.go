// Package ingest moves location samples through Kafka: the HTTP surface
// produces them, the consumer loop feeds them into each session's geofence
// monitor.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tripsync/internal/general/config"
	"tripsync/internal/general/contracts"

	"github.com/segmentio/kafka-go"
)

// Producer publishes location samples keyed by user id, so one user's
// samples stay ordered within a partition.
type Producer struct {
	writer *kafka.Writer
}

// NewProducer builds a writer for the configured location topic.
func NewProducer(cfg *config.Config) *Producer {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.LocationTopic,
		Balancer: &kafka.LeastBytes{},
	})
	return &Producer{writer: w}
}

// PublishSample writes one sample, stamping the send time if missing.
func (producer *Producer) PublishSample(ctx context.Context, sample contracts.LocationSample) error {
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	sample.SentAt = time.Now().UTC()

	body, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("encode location sample: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return producer.writer.WriteMessages(wctx, kafka.Message{
		Key:   []byte(sample.UserID),
		Value: body,
	})
}

// Close flushes and closes the writer.
func (producer *Producer) Close() error {
	if producer.writer == nil {
		return nil
	}
	return producer.writer.Close()
}
