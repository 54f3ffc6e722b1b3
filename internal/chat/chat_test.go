package chat

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/events"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/presence"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
	"github.com/playchat/internal/unread"
)

type fakeNotifier struct {
	mu   sync.Mutex
	sent []model.Message
	name []string
}

func (f *fakeNotifier) NotifyMessage(_ context.Context, senderName string, msg model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	f.name = append(f.name, senderName)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	db       *storage.DB
	svc      *Service
	counter  *unread.Counter
	tracker  *presence.Tracker
	notifier *fakeNotifier
	rec      *events.Recorder
	now      atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{notifier: &fakeNotifier{}, rec: &events.Recorder{}}
	f.now.Store(1000)
	f.db = storage.New(memory.New(), storage.WithClock(func() time.Time { return time.UnixMilli(f.now.Load()) }))
	t.Cleanup(func() { _ = f.db.Close(context.Background()) })
	f.counter = unread.NewCounter(f.db)
	f.tracker = presence.NewTracker(f.db)
	f.svc = NewService(f.db, f.counter, f.tracker, f.notifier, f.rec)
	return f
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := convkey.MustKey("x", "y")

	_, err := f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = f.svc.Send(ctx, SendRequest{Key: "y_x", SenderID: "x", RecipientID: "y", Text: "hi"})
	assert.ErrorIs(t, err, ErrKeyMismatch)

	_, err = f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "x", Text: "hi"})
	assert.ErrorIs(t, err, convkey.ErrSameUser)

	_, err = f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: strings.Repeat("a", MaxTextRunes+1)})
	assert.ErrorIs(t, err, ErrMessageTooLong)

	msgs, err := f.svc.History(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, msgs, "rejected sends never reach the store")
}

func TestSendAttachmentPlaceholder(t *testing.T) {
	f := newFixture(t)
	key := convkey.MustKey("x", "y")

	msg, err := f.svc.Send(context.Background(), SendRequest{Key: key, SenderID: "x", RecipientID: "y", HasAttachment: true})
	require.NoError(t, err)
	assert.Equal(t, model.AttachmentPlaceholder, msg.Text)
}

// X sends "hello" to offline Y at t=1000; Y opens the conversation.
func TestSendToOfflineRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := convkey.MustKey("x", "y")
	require.NoError(t, f.db.Set(ctx, paths.User("x"), map[string]any{"name": "Xavier"}))

	msg, err := f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: " hello "})
	require.NoError(t, err)
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, int64(1000), msg.SentAt)
	assert.Equal(t, model.MessageStatusSent, msg.Status)

	n, err := f.counter.Get(ctx, "y", key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	last, err := f.svc.LastMessage(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, msg.ID, last.MessageID)
	assert.Equal(t, "hello", last.Text)

	assert.Eventually(t, func() bool { return f.notifier.count() == 1 }, time.Second, 5*time.Millisecond)
	f.notifier.mu.Lock()
	assert.Equal(t, "Xavier", f.notifier.name[0])
	f.notifier.mu.Unlock()
	assert.Equal(t, []string{events.MessageSent}, f.rec.Subjects())

	f.now.Store(2000)
	_, err = f.svc.Send(ctx, SendRequest{Key: key, SenderID: "y", RecipientID: "x", Text: "later"})
	require.NoError(t, err)

	require.NoError(t, f.counter.Clear(ctx, "y", key))
	n, _ = f.counter.Get(ctx, "y", key)
	assert.Zero(t, n)

	msgs, err := f.svc.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "x", msgs[0].SenderID)
	assert.Equal(t, key, msgs[0].ConversationKey)
}

func TestNoPushWhenOnline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.tracker.SetOnline(ctx, f.db.Connect("c"), "y")
	require.NoError(t, err)

	_, err = f.svc.Send(ctx, SendRequest{Key: convkey.MustKey("x", "y"), SenderID: "x", RecipientID: "y", Text: "hi"})
	require.NoError(t, err)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, f.notifier.count())
}

func TestSortBySentAt(t *testing.T) {
	msgs := []model.Message{
		{ID: "c", SentAt: 3},
		{ID: "b", SentAt: 1},
		{ID: "a", SentAt: 1},
	}
	SortBySentAt(msgs)
	assert.Equal(t, "a", msgs[0].ID)
	assert.Equal(t, "b", msgs[1].ID)
	assert.Equal(t, "c", msgs[2].ID)
}

func TestSubscribeSortsOutOfOrderWrites(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := convkey.MustKey("x", "y")

	// ids in reverse time order
	require.NoError(t, f.db.Set(ctx, paths.Message(key, "m1"), model.Message{SenderID: "x", RecipientID: "y", Text: "second", SentAt: 20}))
	require.NoError(t, f.db.Set(ctx, paths.Message(key, "m2"), model.Message{SenderID: "y", RecipientID: "x", Text: "first", SentAt: 10}))

	got := make(chan []model.Message, 4)
	sub, err := f.svc.Subscribe(key, func(m []model.Message) { got <- m })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case msgs := <-got:
		require.Len(t, msgs, 2)
		assert.Equal(t, "first", msgs[0].Text)
		assert.Equal(t, "m2", msgs[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no delivery")
	}

	_, err = f.svc.Subscribe("bad", func([]model.Message) {})
	assert.ErrorIs(t, err, convkey.ErrBadKey)
}

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := convkey.MustKey("x", "y")

	for _, text := range []string{"a", "b"} {
		_, err := f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: text})
		require.NoError(t, err)
	}
	_, err := f.svc.Send(ctx, SendRequest{Key: key, SenderID: "y", RecipientID: "x", Text: "c"})
	require.NoError(t, err)

	n, err := f.svc.MarkRead(ctx, key, "y")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := f.svc.History(ctx, key)
	require.NoError(t, err)
	for _, m := range msgs {
		if m.RecipientID == "y" {
			assert.Equal(t, model.MessageStatusRead, m.Status)
			assert.NotEmpty(t, m.Text, "status update keeps the rest of the message")
		} else {
			assert.Equal(t, model.MessageStatusSent, m.Status)
		}
	}

	n, err = f.svc.MarkRead(ctx, key, "y")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMarkDeliveredNeverLowersStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	key := convkey.MustKey("x", "y")

	first, err := f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: "a"})
	require.NoError(t, err)
	_, err = f.svc.MarkRead(ctx, key, "y")
	require.NoError(t, err)
	_, err = f.svc.Send(ctx, SendRequest{Key: key, SenderID: "x", RecipientID: "y", Text: "b"})
	require.NoError(t, err)

	n, err := f.svc.MarkDelivered(ctx, key, "y")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := f.svc.History(ctx, key)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		if m.ID == first.ID {
			assert.Equal(t, model.MessageStatusRead, m.Status)
		} else {
			assert.Equal(t, model.MessageStatusDelivered, m.Status)
		}
	}

	n, err = f.svc.MarkDelivered(ctx, key, "y")
	require.NoError(t, err)
	assert.Zero(t, n)
	n, err = f.svc.MarkRead(ctx, key, "y")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "delivered moves on to read")
}
