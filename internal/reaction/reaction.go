// Package reaction toggles and aggregates emoji reactions. A reaction is the
// membership bit messageReactions/{key}/{msgID}/{emoji}/{uid} = true.
package reaction

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/playchat/internal/convkey"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/model"
	"github.com/playchat/internal/paths"
	"github.com/playchat/internal/storage"
)

// maxEmojiBytes bounds one emoji (a ZWJ sequence with modifiers fits easily).
const maxEmojiBytes = 64

var (
	ErrInvalidEmoji   = errors.New("reaction: invalid emoji")
	ErrEmptyMessageID = errors.New("reaction: empty message id")
	ErrNotParticipant = errors.New("reaction: user is not a participant of the conversation")
)

type Aggregator struct {
	db *storage.DB
}

func NewAggregator(db *storage.DB) *Aggregator {
	return &Aggregator{db: db}
}

func validate(key, msgID, emoji, uid string) error {
	if msgID == "" || strings.Contains(msgID, "/") {
		return ErrEmptyMessageID
	}
	if emoji == "" || emoji == "." || emoji == ".." ||
		len(emoji) > maxEmojiBytes || strings.TrimSpace(emoji) != emoji {
		return fmt.Errorf("%w: %q", ErrInvalidEmoji, emoji)
	}
	if !convkey.Has(key, uid) {
		return ErrNotParticipant
	}
	return nil
}

// Toggle flips uid's own reaction and reports whether it is now present.
// Only uid's bit is touched, so a plain check-then-write is enough.
func (a *Aggregator) Toggle(ctx context.Context, key, msgID, emoji, uid string) (bool, error) {
	defer logger.DeferLogDuration("reaction.Toggle", time.Now())()
	if err := validate(key, msgID, emoji, uid); err != nil {
		return false, err
	}
	p := paths.Reaction(key, msgID, emoji, uid)
	snap, err := a.db.Get(ctx, p)
	if err != nil {
		return false, fmt.Errorf("reaction.Toggle: %w", err)
	}
	if snap.Bool() {
		if err := a.db.Remove(ctx, p); err != nil {
			return false, fmt.Errorf("reaction.Toggle: %w", err)
		}
		return false, nil
	}
	if err := a.db.Set(ctx, p, true); err != nil {
		return false, fmt.Errorf("reaction.Toggle: %w", err)
	}
	return true, nil
}

// Aggregate turns a messageReactions/{key}/{msgID} snapshot into groups ordered by
// count (desc), then emoji. Emojis nobody reacts with any more are left out.
func Aggregate(snap storage.Snapshot) []model.ReactionGroup {
	var groups []model.ReactionGroup
	for _, e := range snap.Children() {
		var users []string
		for _, u := range e.Children() {
			if u.Bool() {
				users = append(users, u.Key())
			}
		}
		if len(users) == 0 {
			continue
		}
		groups = append(groups, model.ReactionGroup{
			Emoji: storage.UnescapeSegment(e.Key()),
			Count: len(users),
			Users: users,
		})
	}
	sort.SliceStable(groups, func(i, j int) bool {
		if groups[i].Count != groups[j].Count {
			return groups[i].Count > groups[j].Count
		}
		return groups[i].Emoji < groups[j].Emoji
	})
	return groups
}

// AggregateConversation groups a messageReactions/{key} snapshot by message id.
func AggregateConversation(snap storage.Snapshot) map[string][]model.ReactionGroup {
	out := make(map[string][]model.ReactionGroup)
	for _, m := range snap.Children() {
		if groups := Aggregate(m); len(groups) > 0 {
			out[m.Key()] = groups
		}
	}
	return out
}

func (a *Aggregator) ForMessage(ctx context.Context, key, msgID string) ([]model.ReactionGroup, error) {
	snap, err := a.db.Get(ctx, paths.MessageReactions(key, msgID))
	if err != nil {
		return nil, fmt.Errorf("reaction.ForMessage: %w", err)
	}
	return Aggregate(snap), nil
}

// WatchConversation is one listener for every message of the conversation.
func (a *Aggregator) WatchConversation(key string, cb func(map[string][]model.ReactionGroup)) (*storage.Subscription, error) {
	sub, err := a.db.OnValue(paths.ConversationReactions(key), func(snap storage.Snapshot) {
		cb(AggregateConversation(snap))
	})
	if err != nil {
		return nil, fmt.Errorf("reaction.WatchConversation: %w", err)
	}
	return sub, nil
}
