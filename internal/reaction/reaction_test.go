package reaction

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
)

func newAggregator(t *testing.T) *Aggregator {
	t.Helper()
	db := storage.New(memory.New())
	t.Cleanup(func() { _ = db.Close(context.Background()) })
	return NewAggregator(db)
}

func TestToggleIsItsOwnInverse(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(t)
	key := convkey.MustKey("x", "y")

	added, err := a.Toggle(ctx, key, "m1", "👍", "x")
	require.NoError(t, err)
	assert.True(t, added)

	groups, err := a.ForMessage(ctx, key, "m1")
	require.NoError(t, err)
	assert.Equal(t, []model.ReactionGroup{{Emoji: "👍", Count: 1, Users: []string{"x"}}}, groups)

	added, err = a.Toggle(ctx, key, "m1", "👍", "x")
	require.NoError(t, err)
	assert.False(t, added)

	groups, err = a.ForMessage(ctx, key, "m1")
	require.NoError(t, err)
	assert.Empty(t, groups, "zero-count emojis are omitted")
}

func TestAggregateOrdering(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(t)
	key := convkey.MustKey("x", "y")

	for _, r := range []struct{ emoji, uid string }{
		{"😂", "x"}, {"❤️", "x"}, {"❤️", "y"}, {"👍", "y"},
	} {
		_, err := a.Toggle(ctx, key, "m1", r.emoji, r.uid)
		require.NoError(t, err)
	}
	groups, err := a.ForMessage(ctx, key, "m1")
	require.NoError(t, err)
	require.Len(t, groups, 3)
	assert.Equal(t, "❤️", groups[0].Emoji)
	assert.Equal(t, 2, groups[0].Count)
	assert.ElementsMatch(t, []string{"x", "y"}, groups[0].Users)
	assert.Equal(t, 1, groups[1].Count)
	assert.Less(t, groups[1].Emoji, groups[2].Emoji)
}

func TestToggleValidation(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(t)
	key := convkey.MustKey("x", "y")

	for _, emoji := range []string{"", ".", "..", " 👍"} {
		_, err := a.Toggle(ctx, key, "m1", emoji, "x")
		assert.ErrorIs(t, err, ErrInvalidEmoji, "%q", emoji)
	}
	_, err := a.Toggle(ctx, key, "m1", "...", "x")
	assert.NoError(t, err, "only dot segments are rejected")
	_, err = a.Toggle(ctx, key, "", "👍", "x")
	assert.ErrorIs(t, err, ErrEmptyMessageID)
	_, err = a.Toggle(ctx, key, "m1", "👍", "z")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestEmojiWithSlash(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(t)
	key := convkey.MustKey("x", "y")

	_, err := a.Toggle(ctx, key, "m1", "a/b", "x")
	require.NoError(t, err)
	groups, err := a.ForMessage(ctx, key, "m1")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "a/b", groups[0].Emoji)
}

func TestWatchConversation(t *testing.T) {
	ctx := context.Background()
	a := newAggregator(t)
	key := convkey.MustKey("x", "y")

	got := make(chan map[string][]model.ReactionGroup, 16)
	sub, err := a.WatchConversation(key, func(m map[string][]model.ReactionGroup) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()
	assert.Empty(t, <-got)

	_, err = a.Toggle(ctx, key, "m1", "👍", "x")
	require.NoError(t, err)
	_, err = a.Toggle(ctx, key, "m2", "🔥", "y")
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		for {
			select {
			case m := <-got:
				if len(m) == 2 && m["m2"][0].Emoji == "🔥" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
}
