// Package channel delivers live, ordered snapshots of a conversation.
package channel

import (
	"context"
	"sync"
	"time"

	"netrax/internal/models"

	"go.uber.org/zap"
)

const (
	minRetryDelay = 100 * time.Millisecond
	maxRetryDelay = 10 * time.Second
)

// Source is the durable store as seen by the channel.
type Source interface {
	// ListMessages returns the conversation ordered by timestamp ascending.
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	// Watch signals after every write affecting the conversation.
	Watch(conversationID string) (<-chan struct{}, func())
}

// Unsubscribe terminates a subscription. Safe to call more than once.
type Unsubscribe func()

type Channel struct {
	source Source
	logger *zap.SugaredLogger
}

func New(source Source, logger *zap.SugaredLogger) *Channel {
	return &Channel{source: source, logger: logger}
}

// Subscribe delivers the full ordered snapshot of the conversation to onUpdate,
// first right away and then after every change. Deliveries are serialized and
// never shrink. Query failures are logged and retried.
func (c *Channel) Subscribe(conversationID string, onUpdate func([]models.Message)) Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	changes, stopWatch := c.source.Watch(conversationID)

	go c.run(ctx, conversationID, changes, onUpdate)

	// Does not wait for the goroutine, so it may be called from onUpdate.
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			stopWatch()
		})
	}
}

func (c *Channel) run(ctx context.Context, conversationID string, changes <-chan struct{}, onUpdate func([]models.Message)) {
	delivered := -1
	delay := minRetryDelay

	// The first pass runs without waiting for a change.
	pending := true
	for {
		if pending {
			messages, err := c.source.ListMessages(ctx, conversationID)
			switch {
			case err != nil:
				if ctx.Err() != nil {
					return
				}
				c.logger.Warnw("conversation query failed, retrying",
					"conversation_id", conversationID, "retry_in", delay, "error", err)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
				delay = min(delay*2, maxRetryDelay)
				continue
			case len(messages) < delivered:
				c.logger.Debugw("skipping stale snapshot",
					"conversation_id", conversationID, "size", len(messages), "delivered", delivered)
			default:
				if ctx.Err() != nil {
					return
				}
				delivered = len(messages)
				onUpdate(messages)
			}
			delay = minRetryDelay
			pending = false
		}

		select {
		case <-changes:
			pending = true
		case <-ctx.Done():
			return
		}
	}
}
