package presence

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisMirror shares presence between server instances. Local changes are
// written to a Redis hash and announced on a channel; announcements from
// other instances are applied to the local tracker.
type RedisMirror struct {
	client  *redis.Client
	key     string
	channel string
	origin  string
	tracker *Tracker
	logger  *zap.SugaredLogger
}

type presenceEvent struct {
	Origin   string `json:"origin"`
	Username string `json:"username"`
	Status   Status `json:"status"`
}

func NewRedisMirror(client *redis.Client, prefix string, tracker *Tracker, logger *zap.SugaredLogger) *RedisMirror {
	m := &RedisMirror{
		client:  client,
		key:     prefix + ":presence",
		channel: prefix + ":presence:events",
		origin:  uuid.NewString(),
		tracker: tracker,
		logger:  logger,
	}
	tracker.setPublisher(func(username string, status Status) {
		if err := m.publish(context.Background(), username, status); err != nil {
			m.logger.Warnw("failed to publish presence", "username", username, "error", err)
		}
	})
	return m
}

func (m *RedisMirror) publish(ctx context.Context, username string, status Status) error {
	payload, err := json.Marshal(presenceEvent{Origin: m.origin, Username: username, Status: status})
	if err != nil {
		return err
	}
	if err := m.client.HSet(ctx, m.key, username, string(status)).Err(); err != nil {
		return fmt.Errorf("failed to store presence: %w", err)
	}
	return m.client.Publish(ctx, m.channel, payload).Err()
}

// Run loads the shared state and applies remote changes until ctx is done.
func (m *RedisMirror) Run(ctx context.Context) error {
	pubsub := m.client.Subscribe(ctx, m.channel)
	defer func() { _ = pubsub.Close() }()

	all, err := m.client.HGetAll(ctx, m.key).Result()
	if err != nil {
		return fmt.Errorf("failed to load presence: %w", err)
	}
	for username, raw := range all {
		if status, err := ParseStatus(raw); err == nil {
			m.tracker.Apply(username, status)
		}
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev presenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				m.logger.Warnw("malformed presence event", "error", err)
				continue
			}
			if ev.Origin == m.origin {
				continue
			}
			if _, err := ParseStatus(string(ev.Status)); err != nil {
				m.logger.Warnw("unknown presence status", "username", ev.Username, "status", ev.Status)
				continue
			}
			m.tracker.Apply(ev.Username, ev.Status)
		}
	}
}
