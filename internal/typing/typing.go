// Package typing implements the self-expiring "is typing" flag of one user in
// one conversation.
package typing

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

// DefaultQuietPeriod is how long the flag stays up after the last keystroke.
const DefaultQuietPeriod = 2 * time.Second

const writeTimeout = 5 * time.Second

type State int

const (
	Idle State = iota
	Typing
)

func (s State) String() string {
	if s == Typing {
		return "typing"
	}
	return "idle"
}

// Indicator is the Idle/Typing state machine of uid in conversation key.
type Indicator struct {
	db    *storage.DB
	conn  *storage.Conn
	key   string
	uid   string
	quiet time.Duration

	mu     sync.Mutex
	state  State
	timer  *time.Timer
	gen    uint64
	armed  bool
	closed bool
}

func NewIndicator(db *storage.DB, conn *storage.Conn, key, uid string, quiet time.Duration) *Indicator {
	if quiet <= 0 {
		quiet = DefaultQuietPeriod
	}
	return &Indicator{db: db, conn: conn, key: key, uid: uid, quiet: quiet}
}

func (in *Indicator) State() State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Keystroke enters Typing and restarts the quiet timer. The flag is written on
// the Idle to Typing transition only; a failed write leaves the indicator Idle
// so the next keystroke tries again.
func (in *Indicator) Keystroke(ctx context.Context) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return nil
	}
	if in.state == Idle {
		if !in.armed {
			// lease: a dropped client never leaves the flag up
			if err := in.conn.OnDisconnect(paths.TypingFlag(in.key, in.uid)).Remove(); err != nil {
				return fmt.Errorf("typing.Keystroke arm: %w", err)
			}
			in.armed = true
		}
		if err := in.db.Set(ctx, paths.TypingFlag(in.key, in.uid), true); err != nil {
			logger.Errorf("typing %s/%s: %v", in.key, in.uid, err)
			return fmt.Errorf("typing.Keystroke: %w", err)
		}
		in.state = Typing
	}
	in.restartTimer()
	return nil
}

func (in *Indicator) restartTimer() {
	if in.timer != nil {
		in.timer.Stop()
	}
	in.gen++
	gen := in.gen
	in.timer = time.AfterFunc(in.quiet, func() { in.expire(gen) })
}

func (in *Indicator) expire(gen uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if gen != in.gen || in.state != Typing {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	in.toIdle(ctx)
}

// Stop leaves Typing at once (input blurred or message sent).
func (in *Indicator) Stop(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.state != Typing {
		return
	}
	in.toIdle(ctx)
}

func (in *Indicator) toIdle(ctx context.Context) {
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.gen++
	in.state = Idle
	if err := in.db.Set(ctx, paths.TypingFlag(in.key, in.uid), false); err != nil {
		logger.Errorf("typing %s/%s: %v", in.key, in.uid, err)
	}
}

// Close stops the indicator for good, e.g. when the conversation is closed.
func (in *Indicator) Close(ctx context.Context) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	if in.state == Typing {
		in.toIdle(ctx)
	}
	in.closed = true
	if in.armed {
		in.conn.OnDisconnect(paths.TypingFlag(in.key, in.uid)).Cancel()
	}
}

// Detach stops the timer without writing. The armed disconnect action clears
// the flag when the connection goes away.
func (in *Indicator) Detach() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	in.gen++
	in.closed = true
}

// Watch reports the users other than self whose flag is up in key, sorted.
func Watch(db *storage.DB, key, self string, cb func(peers []string)) (*storage.Subscription, error) {
	sub, err := db.OnValue(paths.TypingIn(key), func(snap storage.Snapshot) {
		cb(Peers(snap, self))
	})
	if err != nil {
		return nil, fmt.Errorf("typing.Watch: %w", err)
	}
	return sub, nil
}

// Peers extracts typing users other than self from a typing/{key} snapshot.
func Peers(snap storage.Snapshot, self string) []string {
	var out []string
	for _, child := range snap.Children() {
		if child.Key() != self && child.Bool() {
			out = append(out, child.Key())
		}
	}
	sort.Strings(out)
	return out
}
