package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "push:subs:"
	maxSubsPerUser  = 10
	subscriptionTTL = 30 * 24 * time.Hour
	maxTxRetries    = 8
)

var ErrConflict = errors.New("push: concurrent subscription update")

// Store: подписки пользователя в Redis-списке push:subs:{uid} (последние maxSubsPerUser, TTL 30 дней).
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func key(userID string) string { return redisKeyPrefix + userID }

func decodeSubs(list []string) []PushSubscription {
	out := make([]PushSubscription, 0, len(list))
	for _, item := range list {
		var sub PushSubscription
		if json.Unmarshal([]byte(item), &sub) == nil && sub.Endpoint != "" {
			out = append(out, sub)
		}
	}
	return out
}

func (s *Store) List(ctx context.Context, userID string) ([]PushSubscription, error) {
	list, err := s.rdb.LRange(ctx, key(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("push.List: %w", err)
	}
	return decodeSubs(list), nil
}

// rewrite заменяет список результатом edit под WATCH, чтобы параллельные
// подписки одного пользователя не терялись.
func (s *Store) rewrite(ctx context.Context, userID string, edit func([]PushSubscription) []PushSubscription) error {
	k := key(userID)
	txf := func(tx *redis.Tx) error {
		list, err := tx.LRange(ctx, k, 0, -1).Result()
		if err != nil {
			return err
		}
		next := edit(decodeSubs(list))
		if len(next) > maxSubsPerUser {
			next = next[len(next)-maxSubsPerUser:]
		}
		vals := make([]any, 0, len(next))
		for _, sub := range next {
			raw, err := json.Marshal(sub)
			if err != nil {
				return err
			}
			vals = append(vals, string(raw))
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, k)
			if len(vals) > 0 {
				pipe.RPush(ctx, k, vals...)
				pipe.Expire(ctx, k, subscriptionTTL)
			}
			return nil
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, k)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func without(subs []PushSubscription, endpoint string) []PushSubscription {
	kept := subs[:0]
	for _, sub := range subs {
		if sub.Endpoint != endpoint {
			kept = append(kept, sub)
		}
	}
	return kept
}

// Add сохраняет подписку; повторная подписка того же endpoint заменяет старую.
func (s *Store) Add(ctx context.Context, userID string, sub PushSubscription) error {
	err := s.rewrite(ctx, userID, func(subs []PushSubscription) []PushSubscription {
		return append(without(subs, sub.Endpoint), sub)
	})
	if err != nil {
		return fmt.Errorf("push.Add: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, userID, endpoint string) error {
	err := s.rewrite(ctx, userID, func(subs []PushSubscription) []PushSubscription {
		return without(subs, endpoint)
	})
	if err != nil {
		return fmt.Errorf("push.Remove: %w", err)
	}
	return nil
}
