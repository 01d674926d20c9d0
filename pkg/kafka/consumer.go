package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"

	apperrors "github.com/Ramsey-B/fern/pkg/errors"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	consumeHandled   = "handled"
	consumeRejected  = "rejected"
	consumeAbandoned = "abandoned"
)

// MessageHandler processes one intake message. Validation errors are final;
// any other error is retried.
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// MessageReader is the part of kafka.Reader the consumer uses
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
	// HandlerAttempts bounds how often one message is handed to the handler
	HandlerAttempts int
	// RetryBackoff is the first wait between attempts; it doubles per retry
	RetryBackoff time.Duration
}

// Consumer feeds producer batches from the intake topic to a handler
type Consumer struct {
	reader   MessageReader
	topic    string
	logger   ectologger.Logger
	handler  MessageHandler
	attempts int
	backoff  time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewConsumer(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       1,
		MaxBytes:       10e6,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	c := NewConsumerWithReader(reader, cfg.Topic, logger, handler)
	return c.WithRetry(cfg.HandlerAttempts, cfg.RetryBackoff)
}

// NewConsumerWithReader builds a consumer over any reader, one attempt per message
func NewConsumerWithReader(reader MessageReader, topic string, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return &Consumer{
		reader:   reader,
		topic:    topic,
		logger:   logger,
		handler:  handler,
		attempts: 1,
	}
}

// WithRetry sets the per-message attempt budget. Non-positive values keep the current setting.
func (c *Consumer) WithRetry(attempts int, backoff time.Duration) *Consumer {
	if attempts > 0 {
		c.attempts = attempts
	}
	if backoff > 0 {
		c.backoff = backoff
	}
	return c
}

func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":    c.topic,
		"attempts": c.attempts,
	}).Info("Intake consumer started")
	return nil
}

// Stop waits for the in-flight message before closing the reader
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	for ctx.Err() == nil {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				break
			}
			c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch intake message")
			continue
		}
		c.handle(ctx, msg)
	}
	c.logger.WithContext(ctx).Info("Intake consumer stopped")
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.handle")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	incoming := toIncoming(msg)
	wait := c.backoff
	var err error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err = c.handler(ctx, incoming); err == nil || apperrors.IsValidation(err) {
			break
		}
		if attempt == c.attempts {
			break
		}
		log.WithError(err).WithField("attempt", attempt).Warn("Intake message failed, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
		wait *= 2
	}

	switch {
	case err == nil:
		metrics.RecordKafkaConsume(c.topic, consumeHandled)
	case apperrors.IsValidation(err):
		// a batch that can never be accepted is committed so it does not block the partition
		metrics.RecordKafkaConsume(c.topic, consumeRejected)
		log.WithError(err).Warn("Intake message rejected")
	default:
		// left uncommitted; a later commit on the partition moves past it
		metrics.RecordKafkaConsume(c.topic, consumeAbandoned)
		log.WithError(err).Error("Intake message abandoned after retries")
		return
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit intake message")
	}
}

func toIncoming(msg kafka.Message) *IncomingMessage {
	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &IncomingMessage{
		Key:       string(msg.Key),
		Value:     msg.Value,
		Headers:   headers,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
		Topic:     msg.Topic,
	}
}
