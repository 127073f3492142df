package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	defaultMaxBytes     = 10e6
	defaultMaxWait      = 500 * time.Millisecond
	defaultRetries      = 3
	defaultRetryBackoff = 200 * time.Millisecond
)

// MessageHandler handles one decoded message.
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// ErrPermanent marks a handler failure that retrying cannot fix. The
// consumer commits such messages instead of redelivering them forever.
var ErrPermanent = errors.New("permanent failure")

// ConsumerConfig configures a group reader. Zero values fall back to the
// package defaults.
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string

	// Retries is how many times a transiently failing message is handed to
	// the handler again before it is left uncommitted.
	Retries      int
	RetryBackoff time.Duration
	MaxWait      time.Duration
}

// Consumer feeds messages from one topic to a handler. Offsets are
// committed only after success or a permanent failure, so a crash replays
// the in-flight message.
type Consumer struct {
	reader  *kafka.Reader
	logger  ectologger.Logger
	handler MessageHandler
	topic   string
	retries int
	backoff time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = defaultRetryBackoff
	}
	maxWait := cfg.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.ConsumerGroup,
			MinBytes:    1,
			MaxBytes:    defaultMaxBytes,
			MaxWait:     maxWait,
			StartOffset: kafka.FirstOffset,
		}),
		logger:  logger,
		handler: handler,
		topic:   cfg.Topic,
		retries: retries,
		backoff: backoff,
	}
}

func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":   c.topic,
		"retries": c.retries,
	}).Info("Kafka consumer started")
	return nil
}

// Stop waits for the in-flight message before closing the reader.
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				c.logger.WithContext(ctx).Info("Kafka consumer stopping")
				return
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
			if !sleep(ctx, c.backoff) {
				return
			}
			continue
		}

		if c.handle(ctx, msg) {
			if err := c.reader.CommitMessages(ctx, msg); err != nil {
				c.logger.WithContext(ctx).WithError(err).Error("Failed to commit message")
			}
		}
	}
}

// handle reports whether the message should be committed.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) bool {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.handle")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	var err error
	for attempt := range c.retries {
		if attempt > 0 && !sleep(ctx, c.backoff*time.Duration(attempt)) {
			return false
		}
		err = c.handler(ctx, newIncoming(msg))
		switch {
		case err == nil:
			metrics.RecordKafkaConsume(msg.Topic, "success")
			return true
		case errors.Is(err, ErrPermanent):
			metrics.RecordKafkaConsume(msg.Topic, "dropped")
			log.WithError(err).Warn("Dropping message after permanent failure")
			return true
		}
		log.WithError(err).WithFields(map[string]any{"attempt": attempt + 1}).Warn("Message handling failed")
	}

	metrics.RecordKafkaConsume(msg.Topic, "retry")
	log.WithError(err).Error("Giving up on message for now, leaving it uncommitted")
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
