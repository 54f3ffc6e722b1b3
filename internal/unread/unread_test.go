package unread

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
)

func newCounter(t *testing.T) *Counter {
	t.Helper()
	db := storage.New(memory.New())
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return NewCounter(db)
}

func TestConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)
	key := convkey.MustKey("alice", "bob")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Increment(ctx, "bob", key)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := c.Get(ctx, "bob", key)
	require.NoError(t, err)
	assert.Equal(t, int64(50), n)
}

func TestClearIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)
	key := convkey.MustKey("alice", "bob")

	_, err := c.Increment(ctx, "bob", key)
	require.NoError(t, err)
	require.NoError(t, c.Clear(ctx, "bob", key))
	require.NoError(t, c.Clear(ctx, "bob", key))

	n, err := c.Get(ctx, "bob", key)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)
	key := convkey.MustKey("alice", "bob")

	_, err := c.Increment(ctx, "carol", key)
	assert.ErrorIs(t, err, ErrNotParticipant)
	assert.ErrorIs(t, c.Clear(ctx, "carol", key), ErrNotParticipant)
}

func TestAllAndWatch(t *testing.T) {
	ctx := context.Background()
	c := newCounter(t)
	k1 := convkey.MustKey("alice", "bob")
	k2 := convkey.MustKey("bob", "carol")

	got := make(chan map[string]int64, 16)
	sub, err := c.Watch("bob", func(m map[string]int64) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Empty(t, <-got)

	_, _ = c.Increment(ctx, "bob", k1)
	_, _ = c.Increment(ctx, "bob", k2)
	_, _ = c.Increment(ctx, "bob", k2)

	all, err := c.All(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{k1: 1, k2: 2}, all)

	assert.Eventually(t, func() bool {
		for {
			select {
			case m := <-got:
				if m[k2] == 2 && m[k1] == 1 {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}
