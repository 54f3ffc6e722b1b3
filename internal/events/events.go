// Package events publishes domain events (message sent, friendship changes, follows)
// for other services. Publishing never blocks or fails the operation that caused it.
package events

import (
	"context"
	"sync"
)

const (
	MessageSent       = "chat.message.sent"
	RequestSent       = "social.request.sent"
	RequestAccepted   = "social.request.accepted"
	RequestDeclined   = "social.request.declined"
	RequestCancelled  = "social.request.cancelled"
	FriendshipRemoved = "social.friendship.removed"
	FollowCreated     = "social.follow.created"
	FollowRemoved     = "social.follow.removed"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, payload any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, string, any) {}

// Pair is the payload of social events.
type Pair struct {
	From string `json:"from"`
	To   string `json:"to"`
	At   int64  `json:"at"`
}

// Event is one published event as kept by Recorder.
type Event struct {
	Subject string
	Payload any
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, subject string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, Event{Subject: subject, Payload: payload})
	r.mu.Unlock()
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Subjects returns the subjects in publish order.
func (r *Recorder) Subjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Subject
	}
	return out
}
