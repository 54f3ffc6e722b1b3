// Package redis: бэкенд хранилища в Redis. Лист хранится строкой rt:{path}, а множество
// всех путей: в ZSET rt:index (score 0), что даёт выборку поддерева через ZRANGEBYLEX.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/playchat/internal/storage"
)

const (
	keyPrefix = "rt:"
	indexKey  = "rt:index"
	// maxTxRetries: попытки оптимистичной транзакции (WATCH/MULTI) до ErrConflict.
	maxTxRetries = 16
)

type Client struct {
	cli *redis.Client
}

var _ storage.Backend = (*Client)(nil)

func New(ctx context.Context, url string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis parse url: %w", err)
	}
	cli := redis.NewClient(opts)
	if err := cli.Ping(ctx).Err(); err != nil {
		if closeErr := cli.Close(); closeErr != nil {
			return nil, fmt.Errorf("redis ping: %w (close: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewFromClient оборачивает готовый клиент (тесты с miniredis, общий пул).
func NewFromClient(cli *redis.Client) *Client {
	return &Client{cli: cli}
}

// Redis возвращает нижележащий клиент (очереди push-подписок используют тот же пул).
func (c *Client) Redis() *redis.Client { return c.cli }

func (c *Client) Close() error {
	return c.cli.Close()
}

// subtree возвращает пути по path и ниже. '0' следует за '/' в ASCII.
func subtree(ctx context.Context, cmd redis.Cmdable, path string) ([]string, error) {
	below, err := cmd.ZRangeByLex(ctx, indexKey, &redis.ZRangeBy{Min: "[" + path + "/", Max: "(" + path + "0"}).Result()
	if err != nil {
		return nil, err
	}
	_, err = cmd.ZScore(ctx, indexKey, path).Result()
	if err == nil {
		below = append(below, path)
	} else if !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return below, nil
}

func (c *Client) Read(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	paths, err := subtree(ctx, c.cli, path)
	if err != nil {
		return nil, fmt.Errorf("redis read index: %w", err)
	}
	out := make(map[string]json.RawMessage, len(paths))
	if len(paths) == 0 {
		return out, nil
	}
	keys := make([]string, len(paths))
	for i, p := range paths {
		keys[i] = keyPrefix + p
	}
	vals, err := c.cli.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis read: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// путь в индексе без значения: запись удалена между ZRANGEBYLEX и MGET
			continue
		}
		out[paths[i]] = json.RawMessage(s)
	}
	return out, nil
}

// writeScript применяет пакет Op атомарно: удаляет поддерево и пишет лист.
// ARGV: число op, затем тройки path, has ("1"/"0"), value.
var writeScript = redis.NewScript(`
local idx = KEYS[1]
local n = tonumber(ARGV[1])
local i = 2
for _ = 1, n do
  local path, has, val = ARGV[i], ARGV[i + 1], ARGV[i + 2]
  i = i + 3
  local below = redis.call('ZRANGEBYLEX', idx, '[' .. path .. '/', '(' .. path .. '0')
  for _, p in ipairs(below) do
    redis.call('DEL', 'rt:' .. p)
    redis.call('ZREM', idx, p)
  end
  redis.call('DEL', 'rt:' .. path)
  redis.call('ZREM', idx, path)
  if has == '1' then
    redis.call('SET', 'rt:' .. path, val)
    redis.call('ZADD', idx, 0, path)
  end
end
return n
`)

func writeArgs(ops []storage.Op) []any {
	args := make([]any, 0, 1+3*len(ops))
	args = append(args, len(ops))
	for _, op := range ops {
		if op.Value == nil {
			args = append(args, op.Path, "0", "")
			continue
		}
		args = append(args, op.Path, "1", string(op.Value))
	}
	return args
}

func (c *Client) Write(ctx context.Context, ops []storage.Op) error {
	if err := writeScript.Run(ctx, c.cli, []string{indexKey}, writeArgs(ops)...).Err(); err != nil {
		return fmt.Errorf("redis write: %w", err)
	}
	return nil
}

func (c *Client) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.cli.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, keyPrefix+path, delta)
		pipe.ZAdd(ctx, indexKey, redis.Z{Member: path})
		return nil
	})
	if err != nil {
		if strings.Contains(err.Error(), "not an integer") {
			return 0, storage.ErrNotInteger
		}
		return 0, fmt.Errorf("redis incr: %w", err)
	}
	return incr.Val(), nil
}

// Transaction: оптимистичная транзакция по листу: WATCH rt:{path}, повтор при конфликте.
func (c *Client) Transaction(ctx context.Context, path string, fn func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	var result json.RawMessage
	txf := func(tx *redis.Tx) error {
		var cur json.RawMessage
		s, err := tx.Get(ctx, keyPrefix+path).Result()
		switch {
		case err == nil:
			cur = json.RawMessage(s)
		case !errors.Is(err, redis.Nil):
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return writeScript.Eval(ctx, pipe, []string{indexKey}, writeArgs([]storage.Op{{Path: path, Value: next}})...).Err()
		})
		if err == nil {
			result = next
		}
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := c.cli.Watch(ctx, txf, keyPrefix+path)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, storage.ErrConflict
}
