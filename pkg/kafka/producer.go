package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Producer publishes resolution events to one topic. Messages are keyed by
// record id so a record's events stay on one partition.
type Producer struct {
	writer *kafka.Writer
	logger ectologger.Logger
	topic  string
}

type ProducerConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	RequiredAcks int
	// Compression is one of none, gzip, snappy, lz4, zstd. Empty means snappy.
	Compression string
}

// ParseCompression maps a codec name to its kafka-go value.
func ParseCompression(name string) (kafka.Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return kafka.Snappy, nil
	case "none":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, fmt.Errorf("unknown kafka compression %q", name)
}

func NewProducer(cfg ProducerConfig, logger ectologger.Logger) (*Producer, error) {
	compression, err := ParseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.Hash{},
			BatchSize:              cfg.BatchSize,
			BatchTimeout:           cfg.BatchTimeout,
			RequiredAcks:           kafka.RequiredAcks(cfg.RequiredAcks),
			Compression:            compression,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		topic:  cfg.Topic,
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}

// Publish writes one message.
func (p *Producer) Publish(ctx context.Context, key string, value []byte, headers map[string]string) error {
	return p.PublishBatch(ctx, []OutgoingMessage{{Key: key, Value: value, Headers: headers}})
}

func (p *Producer) PublishBatch(ctx context.Context, messages []OutgoingMessage) error {
	ctx, span := tracing.StartSpan(ctx, "kafka.Producer.PublishBatch")
	defer span.End()

	if len(messages) == 0 {
		return nil
	}

	out := make([]kafka.Message, len(messages))
	for i, m := range messages {
		out[i] = m.toKafka()
	}

	if err := p.writer.WriteMessages(ctx, out...); err != nil {
		metrics.RecordKafkaPublish(p.topic, "error")
		p.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"topic":      p.topic,
			"batch_size": len(messages),
		}).Error("Failed to publish events")
		return err
	}

	metrics.RecordKafkaPublish(p.topic, "success")
	p.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":      p.topic,
		"batch_size": len(messages),
	}).Debug("Published events")

	return nil
}
