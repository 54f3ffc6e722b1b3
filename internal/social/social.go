// Package social is the friend request, friendship and follow graph.
//
// Every mutation is an idempotent saga: each step checks the current state
// before writing, so re-running an interrupted operation converges to the same
// end state. Friendship is mutual (friends/a/b and friends/b/a); a one-sided
// edge only exists transiently and is fixed by a retry or by Repair.
package social

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/playchat/internal/events"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

var (
	ErrInvalidUser     = errors.New("social: invalid user id")
	ErrSelfRequest     = errors.New("social: cannot send a friend request to yourself")
	ErrAlreadyFriends  = errors.New("social: already friends")
	ErrIncomingRequest = errors.New("social: this user has already sent you a request")
	ErrNoRequest       = errors.New("social: no pending request")
	ErrSelfFollow      = errors.New("social: cannot follow yourself")
)

type Engine struct {
	db     *storage.DB
	events events.Publisher
}

func NewEngine(db *storage.DB, pub events.Publisher) *Engine {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Engine{db: db, events: pub}
}

func validUser(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidUser, id)
	}
	return nil
}

func validPair(a, b string) error {
	if err := validUser(a); err != nil {
		return err
	}
	return validUser(b)
}

func (e *Engine) exists(ctx context.Context, path string) (bool, error) {
	snap, err := e.db.Get(ctx, path)
	if err != nil {
		return false, err
	}
	return snap.Exists(), nil
}

// existsAll looks up several paths in order and stops at the first error.
func (e *Engine) existsAll(ctx context.Context, ps ...string) ([]bool, error) {
	out := make([]bool, len(ps))
	for i, p := range ps {
		ok, err := e.exists(ctx, p)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

func (e *Engine) publish(ctx context.Context, subject, from, to string) {
	e.events.Publish(ctx, subject, events.Pair{From: from, To: to, At: e.db.Now().UnixMilli()})
}

// SendRequest records a pending request from -> to: first the recipient's
// incoming record, then the sender's outgoing record. Repeating it is a no-op
// that also restores a missing half.
func (e *Engine) SendRequest(ctx context.Context, from, to string) error {
	defer logger.DeferLogDuration("social.SendRequest", time.Now())()
	if err := validPair(from, to); err != nil {
		return err
	}
	if from == to {
		return ErrSelfRequest
	}
	st, err := e.existsAll(ctx,
		paths.Friend(from, to), paths.Friend(to, from),
		paths.FriendRequest(from, to), paths.SentRequest(to, from),
		paths.FriendRequest(to, from), paths.SentRequest(from, to),
	)
	if err != nil {
		return fmt.Errorf("social.SendRequest: %w", err)
	}
	friendAB, friendBA, reverseIn, reverseSent, incoming, sent := st[0], st[1], st[2], st[3], st[4], st[5]
	switch {
	case friendAB || friendBA:
		return ErrAlreadyFriends
	case reverseIn || reverseSent:
		return ErrIncomingRequest
	case incoming && sent:
		return nil
	}
	now := e.db.Now().UnixMilli()
	if !incoming {
		req := model.FriendRequest{From: from, Status: model.RequestStatusPending, CreatedAt: now}
		if err := e.db.Set(ctx, paths.FriendRequest(to, from), req); err != nil {
			return fmt.Errorf("social.SendRequest: %w", err)
		}
	}
	if !sent {
		if err := e.db.Set(ctx, paths.SentRequest(from, to), model.FriendRequest{To: to, CreatedAt: now}); err != nil {
			return fmt.Errorf("social.SendRequest: %w", err)
		}
	}
	if !incoming && !sent {
		e.publish(ctx, events.RequestSent, from, to)
	}
	return nil
}

// removeRequests drops the request records of both directions between a and b.
func (e *Engine) removeRequests(ctx context.Context, a, b string) error {
	for _, p := range []string{
		paths.FriendRequest(b, a), paths.SentRequest(a, b),
		paths.FriendRequest(a, b), paths.SentRequest(b, a),
	} {
		if err := e.db.Remove(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Accept makes me and requester friends: friends/me/requester, then
// friends/requester/me, then the request records go. Safe to call again after
// a partial failure or a successful run.
func (e *Engine) Accept(ctx context.Context, me, requester string) error {
	defer logger.DeferLogDuration("social.Accept", time.Now())()
	if err := validPair(me, requester); err != nil {
		return err
	}
	if me == requester {
		return ErrSelfRequest
	}
	st, err := e.existsAll(ctx,
		paths.FriendRequest(me, requester), paths.SentRequest(requester, me),
		paths.Friend(me, requester), paths.Friend(requester, me),
	)
	if err != nil {
		return fmt.Errorf("social.Accept: %w", err)
	}
	incoming, sent, edgeMine, edgeTheirs := st[0], st[1], st[2], st[3]
	if !incoming && !sent {
		// Without a request only a finished friendship is accepted again. A
		// single edge is what an interrupted unfriend leaves behind.
		if edgeMine && edgeTheirs {
			return nil
		}
		return ErrNoRequest
	}
	if !edgeMine {
		if err := e.db.Set(ctx, paths.Friend(me, requester), true); err != nil {
			return fmt.Errorf("social.Accept: %w", err)
		}
	}
	if !edgeTheirs {
		if err := e.db.Set(ctx, paths.Friend(requester, me), true); err != nil {
			return fmt.Errorf("social.Accept: %w", err)
		}
	}
	if err := e.removeRequests(ctx, me, requester); err != nil {
		return fmt.Errorf("social.Accept: %w", err)
	}
	if incoming || sent {
		e.publish(ctx, events.RequestAccepted, requester, me)
	}
	return nil
}

// Decline removes the request requester -> me. Missing halves are fine.
func (e *Engine) Decline(ctx context.Context, me, requester string) error {
	defer logger.DeferLogDuration("social.Decline", time.Now())()
	if err := validPair(me, requester); err != nil {
		return err
	}
	existed, err := e.dropRequest(ctx, requester, me)
	if err != nil {
		return fmt.Errorf("social.Decline: %w", err)
	}
	if existed {
		e.publish(ctx, events.RequestDeclined, requester, me)
	}
	return nil
}

// Cancel withdraws the request me -> target. Missing halves are fine.
func (e *Engine) Cancel(ctx context.Context, me, target string) error {
	defer logger.DeferLogDuration("social.Cancel", time.Now())()
	if err := validPair(me, target); err != nil {
		return err
	}
	existed, err := e.dropRequest(ctx, me, target)
	if err != nil {
		return fmt.Errorf("social.Cancel: %w", err)
	}
	if existed {
		e.publish(ctx, events.RequestCancelled, me, target)
	}
	return nil
}

func (e *Engine) dropRequest(ctx context.Context, from, to string) (bool, error) {
	st, err := e.existsAll(ctx, paths.FriendRequest(to, from), paths.SentRequest(from, to))
	if err != nil {
		return false, err
	}
	if err := e.db.Remove(ctx, paths.FriendRequest(to, from)); err != nil {
		return false, err
	}
	if err := e.db.Remove(ctx, paths.SentRequest(from, to)); err != nil {
		return false, err
	}
	return st[0] || st[1], nil
}

// Unfriend removes both directions and any request left between the pair.
// A retry from either side finishes an interrupted run.
func (e *Engine) Unfriend(ctx context.Context, me, other string) error {
	defer logger.DeferLogDuration("social.Unfriend", time.Now())()
	if err := validPair(me, other); err != nil {
		return err
	}
	st, err := e.existsAll(ctx, paths.Friend(me, other), paths.Friend(other, me))
	if err != nil {
		return fmt.Errorf("social.Unfriend: %w", err)
	}
	if err := e.db.Remove(ctx, paths.Friend(me, other)); err != nil {
		return fmt.Errorf("social.Unfriend: %w", err)
	}
	if err := e.db.Remove(ctx, paths.Friend(other, me)); err != nil {
		return fmt.Errorf("social.Unfriend: %w", err)
	}
	if err := e.removeRequests(ctx, me, other); err != nil {
		return fmt.Errorf("social.Unfriend: %w", err)
	}
	if st[0] || st[1] {
		e.publish(ctx, events.FriendshipRemoved, me, other)
	}
	return nil
}

// Follow writes following/me/target, then the followers/target/me index.
func (e *Engine) Follow(ctx context.Context, me, target string) error {
	defer logger.DeferLogDuration("social.Follow", time.Now())()
	if err := validPair(me, target); err != nil {
		return err
	}
	if me == target {
		return ErrSelfFollow
	}
	had, err := e.exists(ctx, paths.Follow(me, target))
	if err != nil {
		return fmt.Errorf("social.Follow: %w", err)
	}
	if err := e.db.Set(ctx, paths.Follow(me, target), true); err != nil {
		return fmt.Errorf("social.Follow: %w", err)
	}
	if err := e.db.Set(ctx, paths.Follower(target, me), true); err != nil {
		return fmt.Errorf("social.Follow: %w", err)
	}
	if !had {
		e.publish(ctx, events.FollowCreated, me, target)
	}
	return nil
}

func (e *Engine) Unfollow(ctx context.Context, me, target string) error {
	defer logger.DeferLogDuration("social.Unfollow", time.Now())()
	if err := validPair(me, target); err != nil {
		return err
	}
	had, err := e.exists(ctx, paths.Follow(me, target))
	if err != nil {
		return fmt.Errorf("social.Unfollow: %w", err)
	}
	if err := e.db.Remove(ctx, paths.Follow(me, target)); err != nil {
		return fmt.Errorf("social.Unfollow: %w", err)
	}
	if err := e.db.Remove(ctx, paths.Follower(target, me)); err != nil {
		return fmt.Errorf("social.Unfollow: %w", err)
	}
	if had {
		e.publish(ctx, events.FollowRemoved, me, target)
	}
	return nil
}
