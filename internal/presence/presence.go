// Package presence tracks whether a user is connected. The offline write is armed
// on the store connection before the user is ever marked online, so an abrupt
// disconnect always leaves the user offline with the real disconnect time.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

var ErrEmptyUser = errors.New("presence: empty user id")

type Tracker struct {
	db *storage.DB
}

func NewTracker(db *storage.DB) *Tracker {
	return &Tracker{db: db}
}

// Lease is the online claim held by one connection.
type Lease struct {
	t        *Tracker
	conn     *storage.Conn
	uid      string
	released atomic.Bool
}

func (l *Lease) UserID() string { return l.uid }

func offlineFields() map[string]any {
	return map[string]any{"online": false, "lastSeen": storage.ServerTimestamp}
}

// SetOnline arms the disconnect action on conn and then marks uid online.
// Call it on every (re)connect: actions do not survive a reconnect.
func (t *Tracker) SetOnline(ctx context.Context, conn *storage.Conn, uid string) (*Lease, error) {
	defer logger.DeferLogDuration("presence.SetOnline", time.Now())()
	if uid == "" {
		return nil, ErrEmptyUser
	}
	if err := conn.OnDisconnect(paths.User(uid)).Update(offlineFields()); err != nil {
		return nil, fmt.Errorf("presence.SetOnline arm %s: %w", uid, err)
	}
	lease := &Lease{t: t, conn: conn, uid: uid}
	err := t.db.Update(ctx, paths.User(uid), map[string]any{"online": true, "lastSeen": storage.ServerTimestamp})
	if err != nil {
		// action stays armed; the user is simply not shown online yet
		return lease, fmt.Errorf("presence.SetOnline %s: %w", uid, err)
	}
	return lease, nil
}

// Release is an explicit sign-out. The armed action is cancelled only after the
// offline write succeeded, otherwise it still fires on disconnect.
func (l *Lease) Release(ctx context.Context) error {
	if l == nil || l.released.Load() {
		return nil
	}
	if err := l.t.db.Update(ctx, paths.User(l.uid), offlineFields()); err != nil {
		logger.Errorf("presence.Release %s: %v", l.uid, err)
		return fmt.Errorf("presence.Release %s: %w", l.uid, err)
	}
	l.released.Store(true)
	l.conn.OnDisconnect(paths.User(l.uid)).Cancel()
	return nil
}

func decode(uid string, snap storage.Snapshot) model.Presence {
	p := model.Presence{UserID: uid}
	p.Online = snap.Child("online").Bool()
	p.LastSeen = snap.Child("lastSeen").Int()
	return p
}

func (t *Tracker) Get(ctx context.Context, uid string) (model.Presence, error) {
	snap, err := t.db.Get(ctx, paths.User(uid))
	if err != nil {
		return model.Presence{}, fmt.Errorf("presence.Get %s: %w", uid, err)
	}
	return decode(uid, snap), nil
}

// Watch delivers uid's presence now and after every change of the profile node.
func (t *Tracker) Watch(uid string, cb func(model.Presence)) (*storage.Subscription, error) {
	sub, err := t.db.OnValue(paths.User(uid), func(snap storage.Snapshot) {
		cb(decode(uid, snap))
	})
	if err != nil {
		return nil, fmt.Errorf("presence.Watch %s: %w", uid, err)
	}
	return sub, nil
}

// ResetAll clears online flags left by a previous process. lastSeen is kept.
func (t *Tracker) ResetAll(ctx context.Context) (int, error) {
	defer logger.DeferLogDuration("presence.ResetAll", time.Now())()
	snap, err := t.db.Get(ctx, paths.Users)
	if err != nil {
		return 0, fmt.Errorf("presence.ResetAll: %w", err)
	}
	n := 0
	var errs []error
	for _, u := range snap.Children() {
		if !u.Child("online").Bool() {
			continue
		}
		if err := t.db.Set(ctx, paths.User(u.Key())+"/online", false); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if len(errs) > 0 {
		return n, fmt.Errorf("presence.ResetAll: %w", errors.Join(errs...))
	}
	return n, nil
}
