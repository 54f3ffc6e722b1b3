// Package identity resolves the signed-in user of a request and notifies
// listeners about sign-in and sign-out.
package identity

import (
	"context"
	"errors"
	"net/http"
	"sync"
)

var ErrUnauthorized = errors.New("identity: unauthorized")

type User struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Provider authenticates a request against an external identity source.
type Provider interface {
	Authenticate(r *http.Request) (User, error)
}

type ctxKey struct{}

func WithUser(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

// CurrentUser returns the user stored by the identity middleware.
func CurrentUser(ctx context.Context) (User, bool) {
	u, ok := ctx.Value(ctxKey{}).(User)
	return u, ok && u.ID != ""
}

// Listeners fans auth state changes out to subscribers.
type Listeners struct {
	mu   sync.Mutex
	next int
	cbs  map[int]func(User, bool)
}

// OnAuthStateChanged registers cb; signedIn is false on logout or a lost
// connection. The returned func removes the listener.
func (l *Listeners) OnAuthStateChanged(cb func(u User, signedIn bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cbs == nil {
		l.cbs = make(map[int]func(User, bool))
	}
	id := l.next
	l.next++
	l.cbs[id] = cb
	return func() {
		l.mu.Lock()
		delete(l.cbs, id)
		l.mu.Unlock()
	}
}

func (l *Listeners) Notify(u User, signedIn bool) {
	if l == nil {
		return
	}
	l.mu.Lock()
	cbs := make([]func(User, bool), 0, len(l.cbs))
	for _, cb := range l.cbs {
		cbs = append(cbs, cb)
	}
	l.mu.Unlock()
	for _, cb := range cbs {
		cb(u, signedIn)
	}
}
