package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"mercator-hq/prgate/pkg/config"
	"mercator-hq/prgate/pkg/governance"
	"mercator-hq/prgate/pkg/telemetry/tracing"
)

type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource bridges a topic of JSON-encoded governance.Event values into a
// Queue.
type KafkaSource struct {
	reader kafkaReader
	queue  Queue
	logger *slog.Logger
}

// NewKafkaSource creates a consumer group reader for cfg.
func NewKafkaSource(cfg config.KafkaConfig, q Queue) (*KafkaSource, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic required")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, fmt.Errorf("kafka group id required")
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return newKafkaSource(r, q), nil
}

func newKafkaSource(r kafkaReader, q Queue) *KafkaSource {
	return &KafkaSource{
		reader: r,
		queue:  q,
		logger: slog.Default().With("component", "queue.kafka"),
	}
}

// Run consumes until ctx is done. An offset is committed only after its
// event was enqueued; undecodable or invalid records are committed and
// skipped.
func (s *KafkaSource) Run(ctx context.Context) error {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		if err := s.bridge(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := s.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("kafka commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (s *KafkaSource) bridge(ctx context.Context, msg kafka.Message) error {
	var event governance.Event
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		s.logger.Warn("skipping undecodable record",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}
	if err := event.Validate(); err != nil {
		s.logger.Warn("skipping invalid event", "offset", msg.Offset, "error", err)
		return nil
	}
	if event.DeliveryID == "" {
		event.DeliveryID = fmt.Sprintf("kafka:%s:%d:%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = msg.Time
	}

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	m := NewMessage(tracing.ExtractFromMap(ctx, headers), event)

	if err := s.queue.Enqueue(ctx, m); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		return fmt.Errorf("enqueue kafka offset %d: %w", msg.Offset, err)
	}

	s.logger.Debug("bridged kafka event",
		"delivery_id", event.DeliveryID,
		"repo", event.RepoFullName(),
		"commit_sha", event.HeadSHA,
	)
	return nil
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	if s == nil || s.reader == nil {
		return nil
	}
	return s.reader.Close()
}
