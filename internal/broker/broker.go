package broker

import (
	"context"
	"errors"

	"github.com/renwei/ai-chat-dispatch/internal/domain"
)

// ErrRetryLater tells the consumer to leave the current entry in the
// pending list without acknowledging it, so the reclaim mechanism can
// redeliver it after the inactivity window.
var ErrRetryLater = errors.New("leave entry pending for redelivery")

// Delivery is one claimed broker entry.
type Delivery struct {
	ID    string
	Entry domain.TaskEntry
}

// Handler processes one delivery. Returning nil acknowledges the entry;
// any error leaves it in the pending list.
type Handler func(ctx context.Context, delivery Delivery) error

// Publisher appends task entries to model-family streams.
type Publisher interface {
	Publish(ctx context.Context, stream string, entry domain.TaskEntry) error
	// PublishBatch appends all entries in one round trip and reports the
	// outcome per entry, aligned with the input slice.
	PublishBatch(ctx context.Context, stream string, entries []domain.TaskEntry) []error
}

// Consumer reads entries assigned to one named consumer within a group.
type Consumer interface {
	// RecoverPending replays this consumer's own unacknowledged entries,
	// left behind by a crashed prior instance. Returns how many were seen.
	RecoverPending(ctx context.Context, handler Handler) (int, error)
	// Consume blocks reading new entries until the context is cancelled.
	Consume(ctx context.Context, handler Handler) error
}
