package queue

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jkaninda/chorus/internal/config"
	"github.com/jkaninda/chorus/internal/domain"
)

// NewClient opens a Redis client for the configured server.
func NewClient(cfg *config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// Producer appends submissions to the stream. It satisfies the trigger
// scheduler's Submitter, returning the stream entry ID in place of a job ID.
type Producer struct {
	client *redis.Client
	stream string
	logger *slog.Logger
}

// NewProducer creates a producer writing to stream.
func NewProducer(client *redis.Client, stream string, logger *slog.Logger) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{client: client, stream: stream, logger: logger}
}

// Submit enqueues msg for the next available consumer.
func (p *Producer) Submit(ctx context.Context, msg domain.ChatMessage) (string, error) {
	if msg.Content == "" {
		return "", fmt.Errorf("message content is required")
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: messageValues(msg, 1),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue submission: %w", err)
	}
	p.logger.InfoContext(ctx, "enqueued submission", "entry_id", id, "session_id", msg.SessionID, "stream", p.stream)
	return id, nil
}
