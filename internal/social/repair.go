package social

import (
	"context"
	"fmt"
	"time"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
)

// RepairReport counts what Repair changed.
type RepairReport struct {
	FriendsCompleted int `json:"friendsCompleted"`
	FriendsRemoved   int `json:"friendsRemoved"`
	RequestsRestored int `json:"requestsRestored"`
	RequestsRemoved  int `json:"requestsRemoved"`
	FollowersAdded   int `json:"followersAdded"`
	FollowersRemoved int `json:"followersRemoved"`
}

func (r RepairReport) Changed() bool {
	return r != RepairReport{}
}

// Repair brings every record touching uid back to a consistent state after
// interrupted sagas:
//   - a one-sided friend edge is completed when a request between the pair
//     still exists (interrupted Accept) and removed otherwise (interrupted Unfriend);
//   - requests between friends are dropped, a request with one half restores the other;
//   - followers/* is rebuilt from following/* in both directions around uid.
func (e *Engine) Repair(ctx context.Context, uid string) (RepairReport, error) {
	defer logger.DeferLogDuration("social.Repair", time.Now())()
	var rep RepairReport
	if err := validUser(uid); err != nil {
		return rep, err
	}
	g, err := e.Graph(ctx, uid)
	if err != nil {
		return rep, fmt.Errorf("social.Repair: %w", err)
	}
	// candidates for friendship: my edges and everyone a request links me to
	peers := make(map[string]bool)
	for _, m := range []map[string]bool{g.Friends, g.Incoming, g.Outgoing} {
		for id := range m {
			peers[id] = true
		}
	}
	for other := range peers {
		if err := e.repairPair(ctx, uid, other, &rep); err != nil {
			return rep, fmt.Errorf("social.Repair %s: %w", other, err)
		}
	}
	if err := e.repairFollows(ctx, uid, g, &rep); err != nil {
		return rep, fmt.Errorf("social.Repair: %w", err)
	}
	if rep.Changed() {
		logger.Infof("social: repaired %s: %+v", uid, rep)
	}
	return rep, nil
}

func (e *Engine) repairPair(ctx context.Context, uid, other string, rep *RepairReport) error {
	st, err := e.existsAll(ctx,
		paths.Friend(uid, other), paths.Friend(other, uid),
		paths.FriendRequest(uid, other), paths.SentRequest(other, uid),
		paths.FriendRequest(other, uid), paths.SentRequest(uid, other),
	)
	if err != nil {
		return err
	}
	mine, theirs := st[0], st[1]
	inRec, inSent, outRec, outSent := st[2], st[3], st[4], st[5]
	request := inRec || inSent || outRec || outSent

	switch {
	case mine != theirs && request:
		missing := paths.Friend(other, uid)
		if theirs {
			missing = paths.Friend(uid, other)
		}
		if err := e.db.Set(ctx, missing, true); err != nil {
			return err
		}
		rep.FriendsCompleted++
		mine, theirs = true, true
	case mine != theirs:
		stray := paths.Friend(uid, other)
		if theirs {
			stray = paths.Friend(other, uid)
		}
		if err := e.db.Remove(ctx, stray); err != nil {
			return err
		}
		rep.FriendsRemoved++
		return nil
	}

	if mine && theirs {
		if request {
			if err := e.removeRequests(ctx, uid, other); err != nil {
				return err
			}
			rep.RequestsRemoved++
		}
		return nil
	}
	// no friendship: make every half-written request whole
	now := e.db.Now().UnixMilli()
	if inSent && !inRec || inRec && !inSent {
		if err := e.restoreRequest(ctx, other, uid, inRec, now); err != nil {
			return err
		}
		rep.RequestsRestored++
	}
	if outSent && !outRec || outRec && !outSent {
		if err := e.restoreRequest(ctx, uid, other, outRec, now); err != nil {
			return err
		}
		rep.RequestsRestored++
	}
	return nil
}

// restoreRequest writes the missing half of from -> to. hasIncoming tells
// which half is present.
func (e *Engine) restoreRequest(ctx context.Context, from, to string, hasIncoming bool, now int64) error {
	if hasIncoming {
		return e.db.Set(ctx, paths.SentRequest(from, to), model.FriendRequest{To: to, CreatedAt: now})
	}
	return e.db.Set(ctx, paths.FriendRequest(to, from),
		model.FriendRequest{From: from, Status: model.RequestStatusPending, CreatedAt: now})
}

func (e *Engine) repairFollows(ctx context.Context, uid string, g Graph, rep *RepairReport) error {
	// uid follows t: followers/t/uid must exist
	for t := range g.Following {
		ok, err := e.exists(ctx, paths.Follower(t, uid))
		if err != nil {
			return err
		}
		if !ok {
			if err := e.db.Set(ctx, paths.Follower(t, uid), true); err != nil {
				return err
			}
			rep.FollowersAdded++
		}
	}
	// f listed as uid's follower: following/f/uid must exist
	followers, err := e.list(ctx, paths.FollowersOf(uid))
	if err != nil {
		return err
	}
	for _, f := range followers {
		ok, err := e.exists(ctx, paths.Follow(f, uid))
		if err != nil {
			return err
		}
		if !ok {
			if err := e.db.Remove(ctx, paths.Follower(uid, f)); err != nil {
				return err
			}
			rep.FollowersRemoved++
		}
	}
	return nil
}
