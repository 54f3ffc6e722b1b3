package push

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/model"
)

type fakeSender struct {
	mu       sync.Mutex
	status   map[string]int
	payloads []map[string]any
}

func (f *fakeSender) Send(_ context.Context, payload []byte, sub PushSubscription) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var p map[string]any
	if err := json.Unmarshal(payload, &p); err != nil {
		return 0, err
	}
	f.payloads = append(f.payloads, p)
	if s, ok := f.status[sub.Endpoint]; ok {
		return s, nil
	}
	return http.StatusCreated, nil
}

func subscription(endpoint string) PushSubscription {
	var s PushSubscription
	s.Endpoint = endpoint
	s.Keys.P256dh = "p256"
	s.Keys.Auth = "auth"
	return s
}

func newStore(t *testing.T) *Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewStore(rdb)
}

func endpoints(subs []PushSubscription) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.Endpoint
	}
	return out
}

func TestStoreAddRemove(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	require.NoError(t, st.Add(ctx, "ann", subscription("https://push/a")))
	require.NoError(t, st.Add(ctx, "ann", subscription("https://push/b")))
	require.NoError(t, st.Add(ctx, "ann", subscription("https://push/a")))
	subs, err := st.List(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/b", "https://push/a"}, endpoints(subs))

	require.NoError(t, st.Remove(ctx, "ann", "https://push/b"))
	require.NoError(t, st.Remove(ctx, "ann", "https://push/missing"))
	subs, err = st.List(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/a"}, endpoints(subs))
}

func TestStoreKeepsLatest(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	for i := 0; i < maxSubsPerUser+3; i++ {
		require.NoError(t, st.Add(ctx, "ann", subscription("https://push/"+strconv.Itoa(i))))
	}
	subs, err := st.List(ctx, "ann")
	require.NoError(t, err)
	require.Len(t, subs, maxSubsPerUser)
	assert.Equal(t, "https://push/3", subs[0].Endpoint)
}

func TestDeliverPrunesGone(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sender := &fakeSender{status: map[string]int{"https://push/gone": http.StatusGone}}
	srv := NewServer(st, sender, "pub")

	require.NoError(t, st.Add(ctx, "bob", subscription("https://push/ok")))
	require.NoError(t, st.Add(ctx, "bob", subscription("https://push/gone")))

	sent, err := srv.Deliver(ctx, NotifyRequest{UserID: "bob", Title: "Ann", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Len(t, sender.payloads, 2)
	assert.Equal(t, "Ann", sender.payloads[0]["title"])

	subs, err := st.List(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push/ok"}, endpoints(subs))
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	sender := &fakeSender{}
	ts := httptest.NewServer(NewServer(st, sender, "pub-key").Routes())
	defer ts.Close()
	c := NewClient(ts.URL)
	require.True(t, c.Enabled())

	require.NoError(t, c.Subscribe(ctx, "bob", subscription("https://push/1")))
	msg := model.Message{ID: "m1", ConversationKey: "ann_bob", SenderID: "ann", RecipientID: "bob", Text: "hello"}
	require.NoError(t, c.NotifyMessage(ctx, "Ann", msg))
	require.Len(t, sender.payloads, 1)
	assert.Equal(t, "hello", sender.payloads[0]["body"])
	data := sender.payloads[0]["data"].(map[string]any)
	assert.Equal(t, "ann_bob", data["conversation_key"])

	require.NoError(t, c.Unsubscribe(ctx, "bob", "https://push/1"))
	subs, err := st.List(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, subs)

	resp, err := http.Get(ts.URL + "/api/vapid-public")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var bad PushSubscription
	assert.Error(t, c.Subscribe(ctx, "bob", bad))
}

func TestDisabledClientIsNoop(t *testing.T) {
	c := NewClient("")
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Notify(context.Background(), "bob", "t", "b", nil))
}

func TestPreview(t *testing.T) {
	short := "привет"
	assert.Equal(t, short, preview(short))
	long := string(make([]rune, previewRunes+5))
	assert.Equal(t, previewRunes+1, len([]rune(preview(long))))
}
