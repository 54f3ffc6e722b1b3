package typing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
)

const quiet = 40 * time.Millisecond

func setup(t *testing.T) (*storage.DB, *storage.Conn, string) {
	t.Helper()
	db := storage.New(memory.New())
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return db, db.Connect("c"), convkey.MustKey("x", "y")
}

func flag(t *testing.T, db *storage.DB, key, uid string) bool {
	t.Helper()
	snap, err := db.Get(context.Background(), paths.TypingFlag(key, uid))
	require.NoError(t, err)
	return snap.Bool()
}

func TestExpiresAfterQuietPeriod(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)
	in := NewIndicator(db, conn, key, "x", quiet)

	require.NoError(t, in.Keystroke(ctx))
	assert.Equal(t, Typing, in.State())
	assert.True(t, flag(t, db, key, "x"))

	assert.Eventually(t, func() bool { return !flag(t, db, key, "x") }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Idle, in.State())
}

func TestKeystrokeRestartsTimer(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)
	in := NewIndicator(db, conn, key, "x", quiet)

	require.NoError(t, in.Keystroke(ctx))
	for i := 0; i < 4; i++ {
		time.Sleep(quiet / 2)
		require.NoError(t, in.Keystroke(ctx))
	}
	assert.True(t, flag(t, db, key, "x"), "still typing while keys keep coming")
	assert.Eventually(t, func() bool { return in.State() == Idle }, time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)
	in := NewIndicator(db, conn, key, "x", time.Hour)

	require.NoError(t, in.Keystroke(ctx))
	in.Stop(ctx)
	assert.Equal(t, Idle, in.State())
	assert.False(t, flag(t, db, key, "x"))
	in.Stop(ctx)
}

func TestDropClearsFlag(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)
	in := NewIndicator(db, conn, key, "x", time.Hour)

	require.NoError(t, in.Keystroke(ctx))
	require.NoError(t, conn.Drop(ctx))

	snap, err := db.Get(ctx, paths.TypingFlag(key, "x"))
	require.NoError(t, err)
	assert.False(t, snap.Exists())
}

func TestCloseCancelsLease(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)
	in := NewIndicator(db, conn, key, "x", time.Hour)

	require.NoError(t, in.Keystroke(ctx))
	in.Close(ctx)
	assert.False(t, flag(t, db, key, "x"))
	require.NoError(t, in.Keystroke(ctx))
	assert.False(t, flag(t, db, key, "x"), "closed indicator ignores input")

	require.NoError(t, db.Set(ctx, paths.TypingFlag(key, "x"), false))
	require.NoError(t, conn.Drop(ctx))
	snap, _ := db.Get(ctx, paths.TypingFlag(key, "x"))
	assert.True(t, snap.Exists(), "cancelled remove must not run")
}

func TestWatchFiltersSelf(t *testing.T) {
	ctx := context.Background()
	db, conn, key := setup(t)

	got := make(chan []string, 16)
	sub, err := Watch(db, key, "x", func(p []string) { got <- p })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Empty(t, <-got)

	require.NoError(t, NewIndicator(db, conn, key, "x", time.Hour).Keystroke(ctx))
	require.NoError(t, NewIndicator(db, conn, key, "y", time.Hour).Keystroke(ctx))

	assert.Eventually(t, func() bool {
		for {
			select {
			case p := <-got:
				if len(p) == 1 && p[0] == "y" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}
