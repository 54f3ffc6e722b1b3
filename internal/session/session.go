// Package session is the per-client context: one connected user, its store
// connection, presence lease, the open conversation and the live views
// pushed to a Renderer.
//
// A Session is single-threaded. Operations and store callbacks are queued
// onto the loop started by Run, so no two of them ever run concurrently.
// Store callbacks only enqueue, which keeps Unsubscribe safe to call from
// the loop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/presence"
	"github.com/playchat/internal/reaction"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/unread"
)

var (
	ErrClosed         = errors.New("session: closed")
	ErrNotStarted     = errors.New("session: not started")
	ErrNoConversation = errors.New("session: no open conversation")
)

const shutdownTimeout = 5 * time.Second

// Renderer receives everything the client shows. Calls come from the session
// loop one at a time and must not block for long.
type Renderer interface {
	Presence(p model.Presence)
	Messages(key string, msgs []model.Message)
	Typing(key, name string, typing bool)
	Reactions(key string, byMessage map[string][]model.ReactionGroup)
	Unread(counts map[string]int64)
	Relationships(r model.Relationships)
	// Notice reports a failed user action; background failures are only logged.
	Notice(op string, err error)
}

// Deps are the shared services a session composes.
type Deps struct {
	DB          *storage.DB
	Chat        *chat.Service
	Presence    *presence.Tracker
	Unread      *unread.Counter
	Reactions   *reaction.Aggregator
	Social      *social.Engine
	Auth        *identity.Listeners
	TypingQuiet time.Duration
}

type Session struct {
	deps   Deps
	user   identity.User
	render Renderer

	qmu     sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}

	// bg outlives single calls; store callbacks use it
	bg     context.Context
	cancel context.CancelFunc

	// loop-owned state
	started    bool
	finished   bool
	conn       *storage.Conn
	lease      *presence.Lease
	background storage.Subscriptions
	friends    map[string]*storage.Subscription
	active     *conversation
	gen        uint64
	// unread counts already marked delivered
	delivered map[string]int64
}

func New(deps Deps, user identity.User, r Renderer) *Session {
	bg, cancel := context.WithCancel(context.Background())
	return &Session{
		bg:      bg,
		cancel:  cancel,
		deps:    deps,
		user:    user,
		render:  r,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		friends: make(map[string]*storage.Subscription),
	}
}

func (s *Session) UserID() string { return s.user.ID }

// Done is closed when the loop has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// post queues fn for the loop. It never blocks.
func (s *Session) post(fn func()) bool {
	s.qmu.Lock()
	if s.stopped {
		s.qmu.Unlock()
		return false
	}
	s.queue = append(s.queue, fn)
	s.qmu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return true
}

func (s *Session) drain() []func() {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	q := s.queue
	s.queue = nil
	return q
}

func (s *Session) stop() {
	s.qmu.Lock()
	s.stopped = true
	s.queue = nil
	s.qmu.Unlock()
}

// Run is the session loop. It returns after Logout, Close or Drop; a
// cancelled ctx counts as a dropped connection.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)
	defer s.stop()
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			s.shutdown(sctx, endDrop)
			cancel()
			return ctx.Err()
		case <-s.wake:
		}
		for _, fn := range s.drain() {
			fn()
			if s.finished {
				return nil
			}
		}
	}
}

// do runs fn on the loop and waits for its result.
func (s *Session) do(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	if !s.post(func() { res <- fn() }) {
		return ErrClosed
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		select {
		case err := <-res:
			return err
		default:
			return ErrClosed
		}
	}
}

// callback wraps a store callback so it runs on the loop.
func (s *Session) callback(fn func()) {
	s.post(func() {
		if !s.finished {
			fn()
		}
	})
}

func (s *Session) fail(op string, err error) error {
	if err != nil {
		s.render.Notice(op, err)
	}
	return err
}

// Start connects to the store, claims presence and starts the background
// views: unread badges, relationship sets and friends' presence.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, func() error {
		if s.started {
			return nil
		}
		s.conn = s.deps.DB.Connect("")
		lease, err := s.deps.Presence.SetOnline(ctx, s.conn, s.user.ID)
		s.lease = lease
		if err != nil {
			if lease == nil {
				_ = s.conn.Close(ctx)
				return s.fail("start", err)
			}
			logger.Errorf("session %s: presence: %v", s.user.ID, err)
		}
		s.started = true

		sub, err := s.deps.Unread.Watch(s.user.ID, func(counts map[string]int64) {
			s.callback(func() { s.onUnread(counts) })
		})
		if err != nil {
			logger.Errorf("session %s: unread watch: %v", s.user.ID, err)
		} else {
			s.background = append(s.background, sub)
		}
		subs, err := s.deps.Social.Watch(s.user.ID, func(r model.Relationships) {
			s.callback(func() {
				s.render.Relationships(r)
				s.syncFriends(r.Friends)
			})
		})
		if err != nil {
			logger.Errorf("session %s: relationships watch: %v", s.user.ID, err)
		} else {
			s.background = append(s.background, subs...)
		}
		s.deps.Auth.Notify(s.user, true)
		logger.Infof("session started user=%s conn=%s", s.user.ID, s.conn.ID())
		return nil
	})
}

// onUnread renders badges. The open conversation is being read, so a count
// that lands there (the increment follows the message) is cleared again.
// A count that grew elsewhere means new messages reached this client: they
// become delivered.
func (s *Session) onUnread(counts map[string]int64) {
	seen := make(map[string]int64, len(counts))
	for key, n := range counts {
		seen[key] = n
		if n <= s.delivered[key] || (s.active != nil && s.active.key == key) {
			continue
		}
		if _, err := s.deps.Chat.MarkDelivered(s.bg, key, s.user.ID); err != nil {
			logger.Errorf("session %s: mark delivered %s: %v", s.user.ID, key, err)
		}
	}
	s.delivered = seen

	if c := s.active; c != nil && counts[c.key] > 0 {
		if err := s.deps.Unread.Clear(s.bg, s.user.ID, c.key); err != nil {
			logger.Errorf("session %s: clear unread %s: %v", s.user.ID, c.key, err)
		}
		delete(counts, c.key)
	}
	s.render.Unread(counts)
}

// syncFriends keeps exactly one presence subscription per current friend.
func (s *Session) syncFriends(ids []string) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
		if _, ok := s.friends[id]; ok {
			continue
		}
		sub, err := s.deps.Presence.Watch(id, func(p model.Presence) {
			s.callback(func() {
				if _, ok := s.friends[p.UserID]; ok {
					s.render.Presence(p)
				}
			})
		})
		if err != nil {
			logger.Errorf("session %s: presence watch %s: %v", s.user.ID, id, err)
			continue
		}
		s.friends[id] = sub
	}
	for id, sub := range s.friends {
		if !want[id] {
			sub.Unsubscribe()
			delete(s.friends, id)
		}
	}
}

type ending int

const (
	endLogout ending = iota
	endClose
	endDrop
)

func (e ending) String() string {
	switch e {
	case endLogout:
		return "logout"
	case endClose:
		return "close"
	default:
		return "drop"
	}
}

// shutdown tears everything down. Logout releases presence explicitly, Close
// and Drop leave it to the disconnect actions.
func (s *Session) shutdown(ctx context.Context, how ending) error {
	if s.finished {
		return nil
	}
	s.finished = true
	defer s.cancel()
	s.closeConversation(ctx, how != endDrop)
	s.background.Unsubscribe()
	s.background = nil
	for id, sub := range s.friends {
		sub.Unsubscribe()
		delete(s.friends, id)
	}
	if !s.started {
		return nil
	}
	var errs []error
	if how == endLogout {
		if err := s.lease.Release(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if how == endDrop {
		errs = append(errs, s.conn.Drop(ctx))
	} else {
		errs = append(errs, s.conn.Close(ctx))
	}
	s.deps.Auth.Notify(s.user, false)
	logger.Infof("session ended user=%s how=%s", s.user.ID, how)
	return errors.Join(errs...)
}

// Logout signs the user out: presence goes offline at once and the session ends.
func (s *Session) Logout(ctx context.Context) error {
	return s.do(ctx, func() error { return s.fail("logout", s.shutdown(ctx, endLogout)) })
}

// Close ends the session cleanly; disconnect actions still run.
func (s *Session) Close(ctx context.Context) error {
	return s.do(ctx, func() error { return s.shutdown(ctx, endClose) })
}

// Drop is the ungraceful end (lost socket, missed pong). Pending typing state
// is not written; the store's disconnect actions take care of it.
func (s *Session) Drop(ctx context.Context) error {
	return s.do(ctx, func() error { return s.shutdown(ctx, endDrop) })
}
