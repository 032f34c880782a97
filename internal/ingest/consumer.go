package ingest

import (
	"context"
	"encoding/json"
	"time"

	"tripsync/internal/general/config"
	"tripsync/internal/general/contracts"
	"tripsync/internal/general/logger"

	"github.com/segmentio/kafka-go"
)

// SampleHandler routes one decoded location sample into the right session.
type SampleHandler func(ctx context.Context, sample contracts.LocationSample) error

// Consumer reads location samples off Kafka and hands them to the handler.
type Consumer struct {
	reader  *kafka.Reader
	handler SampleHandler
	logger  *logger.Logger
}

// NewConsumer builds a group reader for the configured location topic.
func NewConsumer(cfg *config.Config, handler SampleHandler, log *logger.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Kafka.Brokers,
		Topic:    cfg.Kafka.LocationTopic,
		GroupID:  cfg.Kafka.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Consumer{reader: r, handler: handler, logger: log}
}

// Run consumes until ctx is cancelled. Read errors back off exponentially;
// malformed or unroutable samples are logged and skipped, never retried.
func (consumer *Consumer) Run(ctx context.Context) error {
	defer consumer.reader.Close()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := consumer.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			consumer.logger.Error(ctx, "location_read_failed", "Kafka read error, backing off", err, map[string]any{
				"backoff": backoff.String(),
			})
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		var sample contracts.LocationSample
		if err := json.Unmarshal(m.Value, &sample); err != nil {
			consumer.logger.Error(ctx, "location_decode_failed", "Dropping malformed location sample", err, map[string]any{
				"offset": m.Offset,
			})
			continue
		}

		if err := consumer.handler(ctx, sample); err != nil {
			consumer.logger.Error(ctx, "location_handle_failed", "Could not apply location sample", err, map[string]any{
				"user_id": sample.UserID,
			})
		}
	}
}
