// Package consumer reads JSON messages of one type from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/logfleet/pkg/lg"
)

type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	GroupID string   `yaml:"group_id" json:"group_id"`
	Topic   string   `yaml:"topic" json:"topic"`
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one decoded message. Its error is logged; the message is
// committed either way.
type Handler[T any] func(ctx context.Context, payload T) error

type Consumer[T any] struct {
	reader messageReader
	lg     lg.Logger
}

func NewConsumer[T any](cfg Config, logger lg.Logger) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r, lg: logger}
}

// Read fetches and decodes the next message and commits it.
func (c *Consumer[T]) Read(ctx context.Context) (T, error) {
	var zero T
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return zero, err
	}
	var payload T
	decodeErr := json.Unmarshal(msg.Value, &payload)
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return zero, fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	if decodeErr != nil {
		return zero, fmt.Errorf("decode offset %d: %w", msg.Offset, decodeErr)
	}
	return payload, nil
}

// Run feeds every message to handle until ctx is cancelled. Messages that
// do not decode are logged and skipped.
func (c *Consumer[T]) Run(ctx context.Context, handle Handler[T]) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		logger := c.lg.With(lg.String("topic", msg.Topic), lg.Int64("offset", msg.Offset))

		var payload T
		if err := json.Unmarshal(msg.Value, &payload); err != nil {
			logger.Warn("skipping undecodable message", lg.Err(err))
		} else if err := handle(ctx, payload); err != nil {
			logger.Error("message handler failed", lg.Err(err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
