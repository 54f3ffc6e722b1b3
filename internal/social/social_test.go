package social

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/playchat/internal/events"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/storage/memory"
)

var errInjected = errors.New("injected write failure")

// flaky fails writes touching one path until healed.
type flaky struct {
	storage.Backend
	mu     sync.Mutex
	failOn string
}

func (f *flaky) breakOn(path string) {
	f.mu.Lock()
	f.failOn = path
	f.mu.Unlock()
}

func (f *flaky) heal() { f.breakOn("") }

func (f *flaky) Write(ctx context.Context, ops []storage.Op) error {
	f.mu.Lock()
	target := f.failOn
	f.mu.Unlock()
	for _, op := range ops {
		if target != "" && op.Path == target {
			return errInjected
		}
	}
	return f.Backend.Write(ctx, ops)
}

type fixture struct {
	db      *storage.DB
	backend *flaky
	engine  *Engine
	rec     *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{backend: &flaky{Backend: memory.New()}, rec: &events.Recorder{}}
	f.db = storage.New(f.backend, storage.WithClock(func() time.Time { return time.UnixMilli(5000) }))
	t.Cleanup(func() { _ = f.db.Close(context.Background()) })
	f.engine = NewEngine(f.db, f.rec)
	return f
}

func (f *fixture) has(t *testing.T, path string) bool {
	t.Helper()
	snap, err := f.db.Get(context.Background(), path)
	require.NoError(t, err)
	return snap.Exists()
}

func (f *fixture) relation(t *testing.T, me, other string) model.Relation {
	t.Helper()
	r, err := f.engine.Relationship(context.Background(), me, other)
	require.NoError(t, err)
	return r
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		facts Facts
		want  model.RelationState
	}{
		{"nothing", Facts{}, model.RelationStranger},
		{"sent", Facts{Sent: true}, model.RelationRequestSent},
		{"incoming", Facts{Incoming: true}, model.RelationRequestReceived},
		{"friends", Facts{Friend: true}, model.RelationFriends},
		{"incoming beats friends", Facts{Friend: true, Incoming: true}, model.RelationRequestReceived},
		{"friends beat sent", Facts{Friend: true, Sent: true}, model.RelationFriends},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.facts).State)
		})
	}
	assert.True(t, Classify(Facts{Following: true}).Following)
}

func TestRequestAcceptFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	assert.Equal(t, model.RelationRequestSent, f.relation(t, "ann", "bob").State)
	assert.Equal(t, model.RelationRequestReceived, f.relation(t, "bob", "ann").State)

	in, err := f.engine.IncomingRequests(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, "ann", in[0].From)
	assert.Equal(t, model.RequestStatusPending, in[0].Status)
	assert.Equal(t, int64(5000), in[0].CreatedAt)

	// repeat is a no-op, reverse direction is refused
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	assert.ErrorIs(t, f.engine.SendRequest(ctx, "bob", "ann"), ErrIncomingRequest)

	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	assert.Equal(t, model.RelationFriends, f.relation(t, "ann", "bob").State)
	assert.Equal(t, model.RelationFriends, f.relation(t, "bob", "ann").State)
	assert.False(t, f.has(t, paths.FriendRequest("bob", "ann")))
	assert.False(t, f.has(t, paths.SentRequest("ann", "bob")))

	// accepting again changes nothing
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	assert.ErrorIs(t, f.engine.SendRequest(ctx, "ann", "bob"), ErrAlreadyFriends)

	assert.Equal(t, []string{events.RequestSent, events.RequestAccepted}, f.rec.Subjects())
}

func TestSendRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.SendRequest(ctx, "ann", "ann"), ErrSelfRequest)
	assert.ErrorIs(t, f.engine.SendRequest(ctx, "", "bob"), ErrInvalidUser)
	assert.ErrorIs(t, f.engine.SendRequest(ctx, "ann", "b/ob"), ErrInvalidUser)
	assert.ErrorIs(t, f.engine.Accept(ctx, "bob", "ann"), ErrNoRequest)
	assert.ErrorIs(t, f.engine.Follow(ctx, "ann", "ann"), ErrSelfFollow)
}

func TestDeclineAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Decline(ctx, "bob", "ann"))
	assert.Equal(t, model.RelationStranger, f.relation(t, "ann", "bob").State)
	assert.Equal(t, model.RelationStranger, f.relation(t, "bob", "ann").State)

	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Cancel(ctx, "ann", "bob"))
	assert.Equal(t, model.RelationStranger, f.relation(t, "bob", "ann").State)

	// nothing left to cancel: still fine, no event
	require.NoError(t, f.engine.Cancel(ctx, "ann", "bob"))
	assert.Equal(t, []string{
		events.RequestSent, events.RequestDeclined,
		events.RequestSent, events.RequestCancelled,
	}, f.rec.Subjects())
}

func TestUnfriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))

	require.NoError(t, f.engine.Unfriend(ctx, "ann", "bob"))
	assert.False(t, f.has(t, paths.Friend("ann", "bob")))
	assert.False(t, f.has(t, paths.Friend("bob", "ann")))
	assert.Equal(t, model.RelationStranger, f.relation(t, "bob", "ann").State)
	require.NoError(t, f.engine.Unfriend(ctx, "ann", "bob"))
}

func TestInterruptedAcceptIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))

	f.backend.breakOn(paths.Friend("ann", "bob"))
	require.ErrorIs(t, f.engine.Accept(ctx, "bob", "ann"), errInjected)
	assert.True(t, f.has(t, paths.Friend("bob", "ann")))
	assert.False(t, f.has(t, paths.Friend("ann", "bob")))

	// the request survives, so a retry can finish the job
	f.backend.heal()
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	assert.True(t, f.has(t, paths.Friend("ann", "bob")))
	assert.False(t, f.has(t, paths.FriendRequest("bob", "ann")))
}

func TestAcceptIgnoresEdgeLeftByUnfriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))

	// ann's unfriend stops after her own edge is gone
	f.backend.breakOn(paths.Friend("bob", "ann"))
	require.ErrorIs(t, f.engine.Unfriend(ctx, "ann", "bob"), errInjected)
	f.backend.heal()

	require.ErrorIs(t, f.engine.Accept(ctx, "bob", "ann"), ErrNoRequest)
	assert.False(t, f.has(t, paths.Friend("ann", "bob")))
	assert.True(t, f.has(t, paths.Friend("bob", "ann")))
}

func TestAcceptAgainIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	n := len(f.rec.Events())

	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	assert.Len(t, f.rec.Events(), n)
	assert.Equal(t, model.RelationFriends, f.relation(t, "ann", "bob").State)
}

func TestUnfriendRetryFromOtherSide(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))

	f.backend.breakOn(paths.Friend("bob", "ann"))
	require.ErrorIs(t, f.engine.Unfriend(ctx, "ann", "bob"), errInjected)
	f.backend.heal()

	require.NoError(t, f.engine.Unfriend(ctx, "bob", "ann"))
	assert.False(t, f.has(t, paths.Friend("ann", "bob")))
	assert.False(t, f.has(t, paths.Friend("bob", "ann")))
	assert.Equal(t, model.RelationStranger, f.relation(t, "ann", "bob").State)
	assert.Equal(t, model.RelationStranger, f.relation(t, "bob", "ann").State)
}

func TestRepairCompletesInterruptedAccept(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))

	f.backend.breakOn(paths.Friend("ann", "bob"))
	require.Error(t, f.engine.Accept(ctx, "bob", "ann"))
	f.backend.heal()

	rep, err := f.engine.Repair(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FriendsCompleted)
	assert.Equal(t, 1, rep.RequestsRemoved)
	assert.Equal(t, model.RelationFriends, f.relation(t, "ann", "bob").State)
	assert.False(t, f.has(t, paths.SentRequest("ann", "bob")))
}

func TestRepairRemovesInterruptedUnfriend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))

	f.backend.breakOn(paths.Friend("bob", "ann"))
	require.Error(t, f.engine.Unfriend(ctx, "ann", "bob"))
	f.backend.heal()
	assert.True(t, f.has(t, paths.Friend("bob", "ann")))

	rep, err := f.engine.Repair(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FriendsRemoved)
	assert.False(t, f.has(t, paths.Friend("bob", "ann")))

	rep, err = f.engine.Repair(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, rep.Changed())
}

func TestRepairRestoresRequestHalf(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.breakOn(paths.SentRequest("ann", "bob"))
	require.Error(t, f.engine.SendRequest(ctx, "ann", "bob"))
	f.backend.heal()

	rep, err := f.engine.Repair(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RequestsRestored)
	assert.True(t, f.has(t, paths.SentRequest("ann", "bob")))
	assert.Equal(t, model.RelationRequestSent, f.relation(t, "ann", "bob").State)
}

func TestFollow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.Follow(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Follow(ctx, "ann", "bob"))
	followers, err := f.engine.Followers(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"ann"}, followers)

	rel := f.relation(t, "ann", "bob")
	assert.True(t, rel.Following)
	assert.Equal(t, model.RelationStranger, rel.State)
	assert.False(t, f.relation(t, "bob", "ann").Following)

	require.NoError(t, f.engine.Unfollow(ctx, "ann", "bob"))
	followers, err = f.engine.Followers(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, followers)
	assert.Equal(t, []string{events.FollowCreated, events.FollowRemoved}, f.rec.Subjects())
}

func TestRepairFollowers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.backend.breakOn(paths.Follower("bob", "ann"))
	require.Error(t, f.engine.Follow(ctx, "ann", "bob"))
	f.backend.heal()
	require.NoError(t, f.db.Set(ctx, paths.Follower("ann", "zed"), true))

	rep, err := f.engine.Repair(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, 1, rep.FollowersAdded)
	assert.Equal(t, 1, rep.FollowersRemoved)
	assert.True(t, f.has(t, paths.Follower("bob", "ann")))
	assert.False(t, f.has(t, paths.Follower("ann", "zed")))
}

func TestDirectory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for id, u := range map[string]model.User{
		"ann": {Name: "Ann", Handle: "ann"},
		"bob": {Name: "Bob Stone", Handle: "bobby"},
		"cat": {Name: "Catherine", Handle: "cat"},
		"dan": {Name: "dan", Handle: "dstone"},
	} {
		require.NoError(t, f.db.Set(ctx, paths.User(id), u))
	}
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	require.NoError(t, f.engine.Accept(ctx, "bob", "ann"))
	require.NoError(t, f.engine.SendRequest(ctx, "cat", "ann"))
	require.NoError(t, f.engine.Follow(ctx, "ann", "dan"))
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "dan"))

	all, err := f.engine.Directory(ctx, "ann", Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "bob", all[0].User.ID)
	assert.Equal(t, model.RelationFriends, all[0].Relation.State)
	assert.Equal(t, "cat", all[1].User.ID)
	assert.Equal(t, model.RelationRequestReceived, all[1].Relation.State)
	assert.Equal(t, "dan", all[2].User.ID)
	assert.True(t, all[2].Relation.Following)
	assert.Equal(t, model.RelationRequestSent, all[2].Relation.State)

	ids := func(entries []model.DirectoryEntry) []string {
		var out []string
		for _, e := range entries {
			out = append(out, e.User.ID)
		}
		return out
	}
	stone, err := f.engine.Directory(ctx, "ann", Filter{Query: "STONE"})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob", "dan"}, ids(stone))

	friends, err := f.engine.Directory(ctx, "ann", Filter{Tab: model.TabFriends})
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, ids(friends))

	following, err := f.engine.Directory(ctx, "ann", Filter{Tab: model.TabFollowing})
	require.NoError(t, err)
	assert.Equal(t, []string{"dan"}, ids(following))

	requests, err := f.engine.Directory(ctx, "ann", Filter{Tab: model.TabRequests})
	require.NoError(t, err)
	assert.Equal(t, []string{"cat"}, ids(requests), "outgoing requests stay off the requests tab")
}

func TestWatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := make(chan model.Relationships, 16)
	subs, err := f.engine.Watch("bob", func(r model.Relationships) { got <- r })
	require.NoError(t, err)
	defer subs.Unsubscribe()

	select {
	case r := <-got:
		assert.Empty(t, r.Incoming)
	case <-time.After(time.Second):
		t.Fatal("no initial state")
	}

	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))
	assert.Eventually(t, func() bool {
		select {
		case r := <-got:
			return len(r.Incoming) == 1 && r.Incoming[0] == "ann"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestRequestRecordShape(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.engine.SendRequest(ctx, "ann", "bob"))

	snap, err := f.db.Get(ctx, paths.FriendRequest("bob", "ann"))
	require.NoError(t, err)
	raw, err := snap.JSON()
	require.NoError(t, err)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "ann", rec["from"])
	assert.Equal(t, "pending", rec["status"])
}
