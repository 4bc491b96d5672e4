package broker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

// LocalBroker is a channel-backed fallback used when Redis is not
// configured. Entries a handler leaves unresolved are redelivered after a
// short delay; there is no cross-process pending list, so RecoverPending
// is a no-op.
type LocalBroker struct {
	mu      sync.Mutex
	streams map[string]chan Delivery
	size    int
	seq     int
	logger  *zap.Logger
}

func NewLocalBroker(bufferSize int, logger *zap.Logger) *LocalBroker {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	return &LocalBroker{
		streams: make(map[string]chan Delivery),
		size:    bufferSize,
		logger:  logger.With(zap.String("component", "local_broker")),
	}
}

func (b *LocalBroker) channel(stream string) chan Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.streams[stream]
	if !ok {
		ch = make(chan Delivery, b.size)
		b.streams[stream] = ch
	}
	return ch
}

func (b *LocalBroker) Publish(ctx context.Context, stream string, entry domain.TaskEntry) error {
	b.mu.Lock()
	b.seq++
	id := strconv.Itoa(b.seq)
	b.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case b.channel(stream) <- Delivery{ID: id, Entry: entry}:
		return nil
	}
}

func (b *LocalBroker) PublishBatch(ctx context.Context, stream string, entries []domain.TaskEntry) []error {
	results := make([]error, len(entries))
	for i, entry := range entries {
		results[i] = b.Publish(ctx, stream, entry)
	}
	return results
}

// StreamConsumer binds the broker to one stream so it satisfies Consumer.
func (b *LocalBroker) StreamConsumer(stream string) *LocalConsumer {
	return &LocalConsumer{broker: b, stream: stream}
}

type LocalConsumer struct {
	broker *LocalBroker
	stream string
}

func (c *LocalConsumer) RecoverPending(context.Context, Handler) (int, error) {
	return 0, nil
}

func (c *LocalConsumer) Consume(ctx context.Context, handler Handler) error {
	ch := c.broker.channel(c.stream)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery := <-ch:
			err := handler(ctx, delivery)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrRetryLater) {
				c.broker.logger.Warn("handler failed, redelivering",
					zap.String("task_id", delivery.Entry.TaskID),
					zap.Error(err),
				)
			}
			go func(redeliver Delivery) {
				timer := time.NewTimer(500 * time.Millisecond)
				defer timer.Stop()
				select {
				case <-ctx.Done():
				case <-timer.C:
					select {
					case ch <- redeliver:
					case <-ctx.Done():
					}
				}
			}(delivery)
		}
	}
}
