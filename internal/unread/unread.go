// Package unread tracks last-read markers and unread counts for one viewer.
package unread

import (
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"netrax/internal/conversation"
	"netrax/internal/models"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const (
	lastReadPrefix = "lastRead_"
	countsKey      = "unreadCounts"
)

func LastReadKey(conversationID string) string {
	return lastReadPrefix + conversationID
}

// Count returns the number of messages not sent by viewer and newer than lastRead.
func Count(viewer string, messages []models.Message, lastRead int64) int {
	n := 0
	for _, m := range messages {
		if m.Sender.Username != viewer && m.Timestamp > lastRead {
			n++
		}
	}
	return n
}

// Counter maintains unread counts for every conversation of one viewer.
// Counts are keyed by counterpart username.
type Counter struct {
	viewer string
	state  StateStore
	now    func() time.Time
	logger *zap.SugaredLogger

	mu        sync.Mutex
	open      map[string]int
	reads     map[string]uint64
	snapshots map[string][]models.Message
	counts    map[string]int
	onChange  func(map[string]int)
	stop      func()
}

func NewCounter(viewer string, state StateStore, logger *zap.SugaredLogger) *Counter {
	c := &Counter{
		viewer:    viewer,
		state:     state,
		now:       time.Now,
		logger:    logger,
		open:      make(map[string]int),
		reads:     make(map[string]uint64),
		snapshots: make(map[string][]models.Message),
		counts:    make(map[string]int),
	}

	counts, err := LoadCounts(state)
	if err != nil {
		logger.Warnw("discarding unread counts", "viewer", viewer, "error", err)
		counts = make(map[string]int)
	}
	c.counts = counts

	c.stop = state.Subscribe(c.handleStateChange)
	return c
}

// LoadCounts reads the persisted aggregated counts of a viewer.
func LoadCounts(state StateStore) (map[string]int, error) {
	counts := make(map[string]int)
	raw, ok, err := state.Get(countsKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load unread counts: %w", err)
	}
	if !ok {
		return counts, nil
	}
	if err := msgpack.Unmarshal(raw, &counts); err != nil {
		return nil, fmt.Errorf("corrupt unread counts: %w", err)
	}
	return counts, nil
}

// OnChange registers fn to receive the aggregated counts after every change.
func (c *Counter) OnChange(fn func(map[string]int)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = fn
}

// Stop detaches the counter from its state store.
func (c *Counter) Stop() {
	c.stop()
}

func (c *Counter) Counts() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.counts)
}

func (c *Counter) LastRead(conversationID string) (int64, error) {
	raw, ok, err := c.state.Get(LastReadKey(conversationID))
	if err != nil || !ok {
		return 0, err
	}
	var ts int64
	if err := msgpack.Unmarshal(raw, &ts); err != nil {
		return 0, fmt.Errorf("corrupt last-read marker for %s: %w", conversationID, err)
	}
	return ts, nil
}

// MarkRead moves the last-read marker of a conversation to now and zeroes
// its count. The marker never moves backwards and never falls behind the
// newest message already observed.
func (c *Counter) MarkRead(conversationID string) error {
	ts := c.now().UnixMilli()

	c.mu.Lock()
	for _, m := range c.snapshots[conversationID] {
		ts = max(ts, m.Timestamp)
	}
	c.mu.Unlock()

	prev, err := c.LastRead(conversationID)
	if err != nil {
		c.logger.Warnw("overwriting unreadable last-read marker", "conversation_id", conversationID, "error", err)
	}
	ts = max(ts, prev)

	raw, err := msgpack.Marshal(ts)
	if err != nil {
		return err
	}
	if err := c.state.Set(LastReadKey(conversationID), raw); err != nil {
		return fmt.Errorf("failed to store last-read marker: %w", err)
	}

	c.mu.Lock()
	c.reads[conversationID]++
	changed := c.setCount(conversationID, 0)
	c.mu.Unlock()
	if changed {
		return c.publish()
	}
	return nil
}

// Open marks a conversation as being read and zeroes its count at once.
func (c *Counter) Open(conversationID string) error {
	c.mu.Lock()
	c.open[conversationID]++
	c.mu.Unlock()
	return c.MarkRead(conversationID)
}

func (c *Counter) Close(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.open[conversationID] <= 1 {
		delete(c.open, conversationID)
		return
	}
	c.open[conversationID]--
}

// Observe takes a new snapshot of a conversation and returns its unread count.
func (c *Counter) Observe(conversationID string, messages []models.Message) (int, error) {
	c.mu.Lock()
	c.snapshots[conversationID] = messages
	open := c.open[conversationID] > 0
	reads := c.reads[conversationID]
	c.mu.Unlock()

	if open {
		return 0, c.MarkRead(conversationID)
	}

	lastRead, err := c.LastRead(conversationID)
	if err != nil {
		return 0, err
	}
	n := Count(c.viewer, messages, lastRead)

	// A read or an open that landed after lastRead was loaded owns the count.
	c.mu.Lock()
	if c.open[conversationID] > 0 || c.reads[conversationID] != reads {
		n = c.counts[c.counterpart(conversationID)]
		c.mu.Unlock()
		return n, nil
	}
	changed := c.setCount(conversationID, n)
	c.mu.Unlock()
	if changed {
		return n, c.publish()
	}
	return n, nil
}

// handleStateChange keeps counts in step with markers set by other views.
func (c *Counter) handleStateChange(key string, value []byte) {
	conversationID, ok := strings.CutPrefix(key, lastReadPrefix)
	if !ok {
		return
	}
	var lastRead int64
	if err := msgpack.Unmarshal(value, &lastRead); err != nil {
		c.logger.Warnw("ignoring corrupt last-read marker", "conversation_id", conversationID, "error", err)
		return
	}

	c.mu.Lock()
	c.reads[conversationID]++
	messages, known := c.snapshots[conversationID]
	changed := false
	if known {
		n := Count(c.viewer, messages, lastRead)
		if c.open[conversationID] > 0 {
			n = 0
		}
		changed = c.setCount(conversationID, n)
	}
	c.mu.Unlock()

	if changed {
		if err := c.publish(); err != nil {
			c.logger.Warnw("failed to store unread counts", "viewer", c.viewer, "error", err)
		}
	}
}

// setCount must be called with c.mu held.
func (c *Counter) setCount(conversationID string, n int) bool {
	key := c.counterpart(conversationID)
	if prev, ok := c.counts[key]; ok && prev == n {
		return false
	}
	c.counts[key] = n
	return true
}

func (c *Counter) counterpart(conversationID string) string {
	conv, err := conversation.Parse(conversationID)
	if err != nil {
		return conversationID
	}
	if other, ok := conv.Other(c.viewer); ok {
		return other
	}
	return conversationID
}

func (c *Counter) publish() error {
	c.mu.Lock()
	counts := maps.Clone(c.counts)
	onChange := c.onChange
	c.mu.Unlock()

	raw, err := msgpack.Marshal(counts)
	if err != nil {
		return err
	}
	if err := c.state.Set(countsKey, raw); err != nil {
		return fmt.Errorf("failed to store unread counts: %w", err)
	}
	if onChange != nil {
		onChange(counts)
	}
	return nil
}
