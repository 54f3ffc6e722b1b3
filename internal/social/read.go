package social

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

func keys(snap storage.Snapshot) []string {
	var out []string
	for _, c := range snap.Children() {
		out = append(out, c.Key())
	}
	return out
}

func set(ids []string) map[string]bool {
	m := make(map[string]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func (e *Engine) list(ctx context.Context, path string) ([]string, error) {
	snap, err := e.db.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return keys(snap), nil
}

func (e *Engine) Friends(ctx context.Context, uid string) ([]string, error) {
	ids, err := e.list(ctx, paths.FriendsOf(uid))
	if err != nil {
		return nil, fmt.Errorf("social.Friends: %w", err)
	}
	return ids, nil
}

func (e *Engine) Following(ctx context.Context, uid string) ([]string, error) {
	ids, err := e.list(ctx, paths.FollowingOf(uid))
	if err != nil {
		return nil, fmt.Errorf("social.Following: %w", err)
	}
	return ids, nil
}

func (e *Engine) Followers(ctx context.Context, uid string) ([]string, error) {
	ids, err := e.list(ctx, paths.FollowersOf(uid))
	if err != nil {
		return nil, fmt.Errorf("social.Followers: %w", err)
	}
	return ids, nil
}

func decodeRequests(snap storage.Snapshot, uid string, incoming bool) []model.FriendRequest {
	var out []model.FriendRequest
	for _, c := range snap.Children() {
		var r model.FriendRequest
		if err := c.Decode(&r); err != nil {
			logger.Errorf("social: skip request %s: %v", c.Path(), err)
			continue
		}
		if incoming {
			r.From, r.To = c.Key(), uid
		} else {
			r.From, r.To = uid, c.Key()
		}
		r.Status = model.RequestStatusPending
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out
}

// IncomingRequests: pending requests addressed to uid, oldest first.
func (e *Engine) IncomingRequests(ctx context.Context, uid string) ([]model.FriendRequest, error) {
	snap, err := e.db.Get(ctx, paths.IncomingRequests(uid))
	if err != nil {
		return nil, fmt.Errorf("social.IncomingRequests: %w", err)
	}
	return decodeRequests(snap, uid, true), nil
}

func (e *Engine) OutgoingRequests(ctx context.Context, uid string) ([]model.FriendRequest, error) {
	snap, err := e.db.Get(ctx, paths.OutgoingRequests(uid))
	if err != nil {
		return nil, fmt.Errorf("social.OutgoingRequests: %w", err)
	}
	return decodeRequests(snap, uid, false), nil
}

// Graph loads the four sets of me concurrently.
func (e *Engine) Graph(ctx context.Context, me string) (Graph, error) {
	defer logger.DeferLogDuration("social.Graph", time.Now())()
	var g Graph
	eg, ctx := errgroup.WithContext(ctx)
	load := func(path string, dst *map[string]bool) {
		eg.Go(func() error {
			ids, err := e.list(ctx, path)
			if err != nil {
				return err
			}
			*dst = set(ids)
			return nil
		})
	}
	load(paths.FriendsOf(me), &g.Friends)
	load(paths.IncomingRequests(me), &g.Incoming)
	load(paths.OutgoingRequests(me), &g.Outgoing)
	load(paths.FollowingOf(me), &g.Following)
	if err := eg.Wait(); err != nil {
		return Graph{}, fmt.Errorf("social.Graph: %w", err)
	}
	return g, nil
}

// Relationship classifies how me sees other.
func (e *Engine) Relationship(ctx context.Context, me, other string) (model.Relation, error) {
	if err := validPair(me, other); err != nil {
		return model.Relation{}, err
	}
	var f Facts
	eg, gctx := errgroup.WithContext(ctx)
	check := func(path string, dst *bool) {
		eg.Go(func() error {
			ok, err := e.exists(gctx, path)
			*dst = ok
			return err
		})
	}
	check(paths.Friend(me, other), &f.Friend)
	check(paths.FriendRequest(me, other), &f.Incoming)
	check(paths.SentRequest(me, other), &f.Sent)
	check(paths.Follow(me, other), &f.Following)
	if err := eg.Wait(); err != nil {
		return model.Relation{}, fmt.Errorf("social.Relationship: %w", err)
	}
	return Classify(f), nil
}

// Filter narrows the user directory.
type Filter struct {
	Query string
	Tab   model.DirectoryTab
}

func (f Filter) match(u model.User, rel model.Relation, g Graph) bool {
	switch f.Tab {
	case model.TabFriends:
		if !g.Friends[u.ID] {
			return false
		}
	case model.TabFollowing:
		if !rel.Following {
			return false
		}
	case model.TabRequests:
		if !g.Incoming[u.ID] {
			return false
		}
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(u.Name), q) || strings.Contains(strings.ToLower(u.Handle), q)
}

// Directory lists every other user with the viewer's relation to them,
// filtered by tab and a case-insensitive name/handle query.
func (e *Engine) Directory(ctx context.Context, me string, f Filter) ([]model.DirectoryEntry, error) {
	defer logger.DeferLogDuration("social.Directory", time.Now())()
	var (
		g     Graph
		users storage.Snapshot
	)
	eg, gctx := errgroup.WithContext(ctx)
	eg.Go(func() (err error) {
		g, err = e.Graph(gctx, me)
		return err
	})
	eg.Go(func() (err error) {
		users, err = e.db.Get(gctx, paths.Users)
		return err
	})
	if err := eg.Wait(); err != nil {
		return nil, fmt.Errorf("social.Directory: %w", err)
	}
	var out []model.DirectoryEntry
	for _, c := range users.Children() {
		if c.Key() == me {
			continue
		}
		var u model.User
		if err := c.Decode(&u); err != nil {
			logger.Errorf("social: skip user %s: %v", c.Key(), err)
			continue
		}
		u.ID = c.Key()
		rel := g.Relation(u.ID)
		if !f.match(u, rel, g) {
			continue
		}
		out = append(out, model.DirectoryEntry{User: u, Relation: rel})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := strings.ToLower(out[i].User.DisplayName()), strings.ToLower(out[j].User.DisplayName())
		if a != b {
			return a < b
		}
		return out[i].User.ID < out[j].User.ID
	})
	return out, nil
}

// Watch keeps uid's relationship sets live. cb gets the full state after every
// change of any set; calls are sequential.
func (e *Engine) Watch(uid string, cb func(model.Relationships)) (storage.Subscriptions, error) {
	var (
		mu    sync.Mutex
		state model.Relationships
		ready int
	)
	fields := []struct {
		path string
		dst  *[]string
	}{
		{paths.FriendsOf(uid), &state.Friends},
		{paths.IncomingRequests(uid), &state.Incoming},
		{paths.OutgoingRequests(uid), &state.Outgoing},
		{paths.FollowingOf(uid), &state.Following},
		{paths.FollowersOf(uid), &state.Followers},
	}
	seen := make([]bool, len(fields))
	var subs storage.Subscriptions
	for i, f := range fields {
		sub, err := e.db.OnValue(f.path, func(snap storage.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			*f.dst = keys(snap)
			if !seen[i] {
				seen[i] = true
				ready++
			}
			// first delivery once every set is known
			if ready == len(fields) {
				cb(state)
			}
		})
		if err != nil {
			subs.Unsubscribe()
			return nil, fmt.Errorf("social.Watch: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
