package broker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

type StreamsConfig struct {
	Addr     string
	Password string
	DB       int

	DLQStream string

	// Consumer-side settings; unused when the broker only publishes.
	Stream   string
	Group    string
	Consumer string

	ReadCount    int64
	BlockTimeout time.Duration

	// Entries claimed by any consumer but idle past MinIdle are reclaimed
	// by this consumer every SweepInterval.
	MinIdle       time.Duration
	SweepInterval time.Duration
}

// StreamsBroker implements Publisher and Consumer on Redis Streams.
type StreamsBroker struct {
	client *redis.Client
	cfg    StreamsConfig
	logger *zap.Logger
}

func NewStreamsBroker(ctx context.Context, cfg StreamsConfig, logger *zap.Logger) (*StreamsBroker, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "sys_dead_letters"
	}
	if cfg.ReadCount <= 0 {
		cfg.ReadCount = 10
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	if cfg.MinIdle <= 0 {
		cfg.MinIdle = 60 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	b := &StreamsBroker{
		client: client,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "broker")),
	}
	if cfg.Stream != "" && cfg.Group != "" {
		if err := b.ensureGroup(ctx); err != nil {
			client.Close()
			return nil, err
		}
	}
	return b, nil
}

func (b *StreamsBroker) Close() error {
	return b.client.Close()
}

func (b *StreamsBroker) Publish(ctx context.Context, stream string, entry domain.TaskEntry) error {
	_, err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: entryValues(entry),
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to stream %s: %w", stream, err)
	}
	return nil
}

func (b *StreamsBroker) PublishBatch(ctx context.Context, stream string, entries []domain.TaskEntry) []error {
	results := make([]error, len(entries))
	if len(entries) == 0 {
		return results
	}

	pipeline := b.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(entries))
	for i, entry := range entries {
		cmds[i] = pipeline.XAdd(ctx, &redis.XAddArgs{
			Stream: stream,
			Values: entryValues(entry),
		})
	}
	if _, err := pipeline.Exec(ctx); err != nil {
		// Per-command errors below still tell entries apart; Exec returns
		// the first error it saw.
		b.logger.Warn("publish pipeline failed", zap.String("stream", stream), zap.Error(err))
	}
	for i, cmd := range cmds {
		if err := cmd.Err(); err != nil {
			results[i] = fmt.Errorf("publish to stream %s: %w", stream, err)
		}
	}
	return results
}

// RecoverPending reads this consumer's own pending-entry list from the
// beginning and replays every entry through the handler. Entries the
// handler resolves are acknowledged; the rest stay pending.
func (b *StreamsBroker) RecoverPending(ctx context.Context, handler Handler) (int, error) {
	recovered := 0
	cursor := "0"
	for {
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, cursor},
			Count:    b.cfg.ReadCount,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return recovered, nil
			}
			return recovered, fmt.Errorf("read pending entries: %w", err)
		}

		empty := true
		for _, stream := range streams {
			for _, item := range stream.Messages {
				empty = false
				cursor = item.ID
				recovered++
				b.dispatch(ctx, item, handler)
			}
		}
		if empty {
			return recovered, nil
		}
	}
}

// Consume blocks reading entries newly assigned to this consumer, and
// periodically reclaims entries other consumers abandoned.
func (b *StreamsBroker) Consume(ctx context.Context, handler Handler) error {
	// First sweep runs immediately so entries abandoned by dead consumers
	// are picked up without waiting a full interval.
	lastSweep := time.Now().Add(-b.cfg.SweepInterval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(lastSweep) >= b.cfg.SweepInterval {
			lastSweep = time.Now()
			b.reclaimAbandoned(ctx, handler)
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.cfg.Stream, ">"},
			Count:    b.cfg.ReadCount,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				b.dispatch(ctx, item, handler)
			}
		}
	}
}

// reclaimAbandoned pulls entries idle past MinIdle into this consumer's
// ownership and replays them. Failures are logged, not fatal; the next
// sweep retries.
func (b *StreamsBroker) reclaimAbandoned(ctx context.Context, handler Handler) {
	start := "0-0"
	for {
		messages, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   b.cfg.Stream,
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.MinIdle,
			Start:    start,
			Count:    b.cfg.ReadCount,
		}).Result()
		if err != nil {
			b.logger.Warn("xautoclaim failed", zap.Error(err))
			return
		}
		if len(messages) > 0 {
			b.logger.Info("reclaimed abandoned entries", zap.Int("count", len(messages)))
		}
		for _, item := range messages {
			b.dispatch(ctx, item, handler)
		}
		if next == "0-0" || len(messages) == 0 {
			return
		}
		start = next
	}
}

// dispatch parses one raw entry and runs the handler. Undecodable entries
// go to the DLQ and are acknowledged so they cannot loop forever. The
// entry is acknowledged only when the handler reports the outcome durably
// written.
func (b *StreamsBroker) dispatch(ctx context.Context, item redis.XMessage, handler Handler) {
	entry, parseErr := parseEntry(item)
	if parseErr != nil {
		b.sendToDLQ(ctx, item, parseErr.Error())
		b.ack(ctx, item.ID)
		return
	}

	err := handler(ctx, Delivery{ID: item.ID, Entry: entry})
	switch {
	case err == nil:
		b.ack(ctx, item.ID)
	case errors.Is(err, ErrRetryLater):
		b.logger.Debug("entry left pending for redelivery",
			zap.String("entry_id", item.ID),
			zap.String("task_id", entry.TaskID),
		)
	default:
		b.logger.Warn("handler failed, entry stays pending",
			zap.String("entry_id", item.ID),
			zap.String("task_id", entry.TaskID),
			zap.Error(err),
		)
	}
}

func (b *StreamsBroker) ack(ctx context.Context, entryID string) {
	if err := b.client.XAck(ctx, b.cfg.Stream, b.cfg.Group, entryID).Err(); err != nil {
		b.logger.Error("xack failed", zap.String("entry_id", entryID), zap.Error(err))
	}
}

func (b *StreamsBroker) sendToDLQ(ctx context.Context, item redis.XMessage, reason string) {
	values := map[string]any{
		"original_id":   item.ID,
		"source_stream": b.cfg.Stream,
		"error":         reason,
		"moved_at":      time.Now().UTC().Format(time.RFC3339Nano),
	}
	for key, value := range item.Values {
		values["entry_"+key] = value
	}
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.cfg.DLQStream,
		MaxLen: 10000,
		Approx: true,
		Values: values,
	}).Err(); err != nil {
		b.logger.Error("dead letter write failed", zap.String("entry_id", item.ID), zap.Error(err))
		return
	}
	b.logger.Warn("entry moved to dead letter stream", zap.String("entry_id", item.ID), zap.String("reason", reason))
}

// Group reading starts at "0" so entries published before the first worker
// of a family comes up are still delivered.
func (b *StreamsBroker) ensureGroup(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.cfg.Stream, b.cfg.Group, "0").Err()
	if err == nil || strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func entryValues(entry domain.TaskEntry) map[string]any {
	return map[string]any{
		"task_id":                  entry.TaskID,
		"batch_id":                 entry.BatchID,
		"model_identifier":         entry.ModelName,
		"prompt":                   entry.Prompt,
		"conversation_context_ref": entry.ConversationID,
		"idempotency_key":          entry.IdempotencyKey,
	}
}

func parseEntry(item redis.XMessage) (domain.TaskEntry, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	var entry domain.TaskEntry
	var err error
	if entry.TaskID, err = getString("task_id"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.BatchID, err = getString("batch_id"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.ModelName, err = getString("model_identifier"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.Prompt, err = getString("prompt"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.ConversationID, err = getString("conversation_context_ref"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.IdempotencyKey, err = getString("idempotency_key"); err != nil {
		return domain.TaskEntry{}, err
	}
	if entry.TaskID == "" {
		return domain.TaskEntry{}, errors.New("empty task_id")
	}
	return entry, nil
}
