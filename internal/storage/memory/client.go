// Package memory: бэкенд хранилища в памяти процесса (dev, тесты, single-instance).
package memory

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/playchat/internal/storage"
)

type Client struct {
	mu     sync.RWMutex
	leaves map[string]json.RawMessage
	closed bool
}

var _ storage.Backend = (*Client)(nil)

func New() *Client {
	return &Client{leaves: make(map[string]json.RawMessage)}
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Read(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, storage.ErrClosed
	}
	out := make(map[string]json.RawMessage)
	for k, v := range c.leaves {
		if storage.IsUnder(k, path) {
			out[k] = v
		}
	}
	return out, nil
}

func (c *Client) Write(ctx context.Context, ops []storage.Op) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.ErrClosed
	}
	for _, op := range ops {
		c.apply(op)
	}
	return nil
}

func (c *Client) apply(op storage.Op) {
	for k := range c.leaves {
		if storage.IsUnder(k, op.Path) {
			delete(c.leaves, k)
		}
	}
	if op.Value != nil {
		c.leaves[op.Path] = append(json.RawMessage(nil), op.Value...)
	}
}

func (c *Client) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, storage.ErrClosed
	}
	var n int64
	if raw, ok := c.leaves[path]; ok {
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, storage.ErrNotInteger
		}
	}
	n += delta
	c.apply(storage.Op{Path: path, Value: json.RawMessage(strconv.FormatInt(n, 10))})
	return n, nil
}

// Transaction выполняет fn под эксклюзивной блокировкой; fn не должна обращаться к хранилищу.
func (c *Client) Transaction(ctx context.Context, path string, fn func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, storage.ErrClosed
	}
	next, err := fn(c.leaves[path])
	if err != nil {
		return nil, err
	}
	c.apply(storage.Op{Path: path, Value: next})
	return next, nil
}
