package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/example/eventcore/internal/broadcast"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

type MessageHandler func(ctx context.Context, key, value []byte) error

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type Consumer struct {
	reader messageReader
	log    zerolog.Logger
}

func NewConsumer(brokers []string, topic, groupID string, log zerolog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 10e3, // 10KB
		MaxBytes: 10e6, // 10MB
	})
	return newConsumer(reader, log)
}

func newConsumer(r messageReader, log zerolog.Logger) *Consumer {
	return &Consumer{reader: r, log: log.With().Str("component", "kafka-consumer").Logger()}
}

// Consume hands every message to handler until ctx is cancelled. Handler
// errors are logged and the message is not retried.
func (c *Consumer) Consume(ctx context.Context, handler MessageHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.log.Error().Err(err).Msg("error reading message")
				continue
			}

			if err := handler(ctx, msg.Key, msg.Value); err != nil {
				c.log.Error().Err(err).Str("key", string(msg.Key)).Int64("offset", msg.Offset).Msg("error handling message")
			}
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

// BroadcastHandler decodes forwarded changes and publishes them to b.
func BroadcastHandler(b *broadcast.Broadcaster) MessageHandler {
	return func(_ context.Context, _, value []byte) error {
		var c broadcast.Change
		if err := json.Unmarshal(value, &c); err != nil {
			return fmt.Errorf("decode change: %w", err)
		}
		b.Publish(c)
		return nil
	}
}
