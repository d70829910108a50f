package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/chorus/internal/domain"
)

// Submitter starts a root job for a dequeued message.
type Submitter interface {
	Submit(ctx context.Context, msg domain.ChatMessage) (string, error)
}

// ConsumerConfig configures a stream consumer.
type ConsumerConfig struct {
	Stream      string
	Group       string
	Consumer    string
	DLQStream   string        // Default: Stream + ":dlq".
	BatchSize   int64         // Default: 10.
	Block       time.Duration // Default: 5s.
	MaxAttempts int           // Default: 3.
	MinIdle     time.Duration // Pending entries idle this long are reclaimed. Default: 1m.
	Interval    time.Duration // Reclaim cycle. Default: 30s.
}

func (c *ConsumerConfig) applyDefaults() {
	if c.DLQStream == "" {
		c.DLQStream = c.Stream + ":dlq"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.Block <= 0 {
		c.Block = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.MinIdle <= 0 {
		c.MinIdle = time.Minute
	}
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
}

// streamWriter is the write side of the stream used while settling a message.
type streamWriter interface {
	ack(ctx context.Context, id string) error
	add(ctx context.Context, stream string, values map[string]any) error
}

type redisWriter struct {
	client *redis.Client
	stream string
	group  string
}

func (w redisWriter) ack(ctx context.Context, id string) error {
	if err := w.client.XAck(ctx, w.stream, w.group, id).Err(); err != nil {
		return fmt.Errorf("xack (stream=%s): %w", w.stream, err)
	}
	return nil
}

func (w redisWriter) add(ctx context.Context, stream string, values map[string]any) error {
	if err := w.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("xadd (stream=%s): %w", stream, err)
	}
	return nil
}

// Consumer reads submissions from a consumer group and hands them to a
// Submitter. Failed submissions are requeued with a bumped attempt counter
// and moved to the dead letter stream once MaxAttempts is reached.
type Consumer struct {
	client    *redis.Client
	writer    streamWriter
	cfg       ConsumerConfig
	submitter Submitter
	logger    *slog.Logger
}

// NewConsumer creates the consumer group if needed and returns a consumer.
func NewConsumer(ctx context.Context, client *redis.Client, cfg ConsumerConfig, submitter Submitter, logger *slog.Logger) (*Consumer, error) {
	if cfg.Stream == "" || cfg.Group == "" || cfg.Consumer == "" {
		return nil, fmt.Errorf("stream, group and consumer names are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()
	c := &Consumer{
		client:    client,
		writer:    redisWriter{client: client, stream: cfg.Stream, group: cfg.Group},
		cfg:       cfg,
		submitter: submitter,
		logger:    logger.With("component", "queue.consumer", "stream", cfg.Stream),
	}
	if err := c.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consumer) ensureGroup(ctx context.Context) error {
	// "0" so a recreated group still sees entries already in the stream.
	err := c.client.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("creating consumer group: %w", err)
	}
	return nil
}

// Run reads and reclaims until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started",
		"group", c.cfg.Group,
		"consumer", c.cfg.Consumer,
		"max_attempts", c.cfg.MaxAttempts)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(ctx) })
	g.Go(func() error { return c.reclaimLoop(ctx) })
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (c *Consumer) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		messages, err := c.read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("reading from stream", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range messages {
			c.handle(ctx, msg)
		}
	}
}

func (c *Consumer) read(ctx context.Context) ([]Message, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.BatchSize,
		Block:    c.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading from stream: %w", err)
	}

	var messages []Message
	for _, stream := range streams {
		for _, raw := range stream.Messages {
			if msg, ok := c.parse(ctx, raw); ok {
				messages = append(messages, msg)
			}
		}
	}
	return messages, nil
}

// parse acks entries that can never be processed so they do not loop.
func (c *Consumer) parse(ctx context.Context, raw redis.XMessage) (Message, bool) {
	msg, err := ParseMessage(raw)
	if err != nil {
		c.logger.Error("dropping malformed entry", "entry_id", raw.ID, "error", err)
		if ackErr := c.writer.ack(ctx, raw.ID); ackErr != nil {
			c.logger.Warn("ack malformed entry", "entry_id", raw.ID, "error", ackErr)
		}
		return Message{}, false
	}
	return msg, true
}

// handle submits msg and settles the entry.
func (c *Consumer) handle(ctx context.Context, msg Message) {
	jobID, err := c.submitter.Submit(ctx, msg.Chat)
	if err == nil {
		if ackErr := c.writer.ack(ctx, msg.ID); ackErr != nil {
			c.logger.Warn("ack submitted entry", "entry_id", msg.ID, "error", ackErr)
		}
		c.logger.Info("submission dequeued", "entry_id", msg.ID, "job_id", jobID, "attempt", msg.Attempt)
		return
	}

	if msg.Attempt >= c.cfg.MaxAttempts {
		if dlqErr := c.sendDLQ(ctx, msg, err.Error()); dlqErr != nil {
			c.logger.Error("dead-lettering entry", "entry_id", msg.ID, "error", dlqErr)
		}
		return
	}
	if reqErr := c.requeue(ctx, msg, err.Error()); reqErr != nil {
		c.logger.Error("requeueing entry", "entry_id", msg.ID, "error", reqErr)
	}
}

func (c *Consumer) requeue(ctx context.Context, msg Message, reason string) error {
	if err := c.writer.ack(ctx, msg.ID); err != nil {
		return fmt.Errorf("acking failed entry for requeue: %w", err)
	}
	values := messageValues(msg.Chat, msg.Attempt+1)
	values["last_error"] = reason
	if err := c.writer.add(ctx, c.cfg.Stream, values); err != nil {
		return err
	}
	c.logger.Warn("submission requeued", "entry_id", msg.ID, "next_attempt", msg.Attempt+1, "reason", reason)
	return nil
}

func (c *Consumer) sendDLQ(ctx context.Context, msg Message, reason string) error {
	if err := c.writer.ack(ctx, msg.ID); err != nil {
		return fmt.Errorf("acking failed entry for dlq: %w", err)
	}
	values := messageValues(msg.Chat, msg.Attempt)
	values["error"] = reason
	if err := c.writer.add(ctx, c.cfg.DLQStream, values); err != nil {
		return err
	}
	c.logger.Error("submission sent to dead letter stream", "entry_id", msg.ID, "dlq_stream", c.cfg.DLQStream, "final_error", reason)
	return nil
}

// reclaimLoop takes over entries left pending by consumers that died
// between XREADGROUP and XACK.
func (c *Consumer) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := c.reclaimOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("reclaim cycle", "error", err)
			}
		}
	}
}

func (c *Consumer) reclaimOnce(ctx context.Context) error {
	pending, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.cfg.Stream,
		Group:  c.cfg.Group,
		Idle:   c.cfg.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  c.cfg.BatchSize,
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}
	claimed, err := c.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.cfg.Stream,
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		MinIdle:  c.cfg.MinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	c.logger.Info("reclaimed stale entries", "pending", len(pending), "claimed", len(claimed))
	for _, raw := range claimed {
		if msg, ok := c.parse(ctx, raw); ok {
			c.handle(ctx, msg)
		}
	}
	return nil
}
