// Package unread keeps per-recipient unread counters at unreads/{recipient}/{key}.
package unread

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

var ErrNotParticipant = errors.New("unread: recipient is not a participant of the conversation")

type Counter struct {
	db *storage.DB
}

func NewCounter(db *storage.DB) *Counter {
	return &Counter{db: db}
}

func check(recipient, key string) error {
	if !convkey.Has(key, recipient) {
		return fmt.Errorf("%w: %s in %s", ErrNotParticipant, recipient, key)
	}
	return nil
}

// Increment adds one unread message using the store's atomic increment, so
// concurrent senders never lose an update.
func (c *Counter) Increment(ctx context.Context, recipient, key string) (int64, error) {
	defer logger.DeferLogDuration("unread.Increment", time.Now())()
	if err := check(recipient, key); err != nil {
		return 0, err
	}
	n, err := c.db.Increment(ctx, paths.Unread(recipient, key), 1)
	if err != nil {
		return 0, fmt.Errorf("unread.Increment: %w", err)
	}
	return n, nil
}

// Clear removes the counter; clearing an absent counter is fine.
func (c *Counter) Clear(ctx context.Context, recipient, key string) error {
	if err := check(recipient, key); err != nil {
		return err
	}
	if err := c.db.Remove(ctx, paths.Unread(recipient, key)); err != nil {
		return fmt.Errorf("unread.Clear: %w", err)
	}
	return nil
}

func (c *Counter) Get(ctx context.Context, recipient, key string) (int64, error) {
	snap, err := c.db.Get(ctx, paths.Unread(recipient, key))
	if err != nil {
		return 0, fmt.Errorf("unread.Get: %w", err)
	}
	return snap.Int(), nil
}

func counts(snap storage.Snapshot) map[string]int64 {
	out := make(map[string]int64)
	for _, child := range snap.Children() {
		if n := child.Int(); n > 0 {
			out[child.Key()] = n
		}
	}
	return out
}

// All returns every non-zero counter of recipient by conversation key.
func (c *Counter) All(ctx context.Context, recipient string) (map[string]int64, error) {
	snap, err := c.db.Get(ctx, paths.UnreadsOf(recipient))
	if err != nil {
		return nil, fmt.Errorf("unread.All: %w", err)
	}
	return counts(snap), nil
}

func (c *Counter) Watch(recipient string, cb func(map[string]int64)) (*storage.Subscription, error) {
	sub, err := c.db.OnValue(paths.UnreadsOf(recipient), func(snap storage.Snapshot) {
		cb(counts(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("unread.Watch: %w", err)
	}
	return sub, nil
}
