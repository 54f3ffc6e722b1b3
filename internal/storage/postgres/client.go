// Package postgres: бэкенд хранилища в PostgreSQL: таблица rt_nodes (path → jsonb),
// выборка поддерева по префиксу пути.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/storage"
)

// invalidTextRepresentation: SQLSTATE 22P02 при приведении нечислового jsonb к bigint.
const invalidTextRepresentation = "22P02"

type Client struct {
	pool *pgxpool.Pool
}

var _ storage.Backend = (*Client)(nil)

func New(pool *pgxpool.Pool) *Client {
	return &Client{pool: pool}
}

func (c *Client) Close() error {
	c.pool.Close()
	return nil
}

func (c *Client) Read(ctx context.Context, path string) (map[string]json.RawMessage, error) {
	defer logger.DeferLogDuration("rtNodes.Read", time.Now())()
	rows, err := c.pool.Query(ctx,
		`SELECT path, value FROM rt_nodes WHERE path = $1 OR starts_with(path, $1 || '/')`, path)
	if err != nil {
		return nil, fmt.Errorf("rtNodes.Read: %w", err)
	}
	defer rows.Close()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var p string
		var v []byte
		if err := rows.Scan(&p, &v); err != nil {
			return nil, fmt.Errorf("rtNodes.Read scan: %w", err)
		}
		out[p] = json.RawMessage(v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rtNodes.Read: %w", err)
	}
	return out, nil
}

func apply(ctx context.Context, tx pgx.Tx, op storage.Op) error {
	if _, err := tx.Exec(ctx,
		`DELETE FROM rt_nodes WHERE path = $1 OR starts_with(path, $1 || '/')`, op.Path); err != nil {
		return err
	}
	if op.Value == nil {
		return nil
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO rt_nodes (path, value, updated_at) VALUES ($1, $2::jsonb, NOW())`,
		op.Path, string(op.Value))
	return err
}

func (c *Client) Write(ctx context.Context, ops []storage.Op) error {
	defer logger.DeferLogDuration("rtNodes.Write", time.Now())()
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rtNodes.Write begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, op := range ops {
		if err := apply(ctx, tx, op); err != nil {
			return fmt.Errorf("rtNodes.Write %s: %w", op.Path, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rtNodes.Write commit: %w", err)
	}
	return nil
}

func (c *Client) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	defer logger.DeferLogDuration("rtNodes.Increment", time.Now())()
	var n int64
	err := c.pool.QueryRow(ctx, `
		INSERT INTO rt_nodes (path, value, updated_at) VALUES ($1, to_jsonb($2::bigint), NOW())
		ON CONFLICT (path) DO UPDATE
			SET value = to_jsonb((rt_nodes.value #>> '{}')::bigint + $2::bigint), updated_at = NOW()
		RETURNING (value #>> '{}')::bigint`, path, delta).Scan(&n)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresentation {
			return 0, storage.ErrNotInteger
		}
		return 0, fmt.Errorf("rtNodes.Increment: %w", err)
	}
	return n, nil
}

// Transaction сериализует изменения листа через pg_advisory_xact_lock(hashtext(path)),
// что закрывает и случай отсутствующей строки.
func (c *Client) Transaction(ctx context.Context, path string, fn func(json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error) {
	defer logger.DeferLogDuration("rtNodes.Transaction", time.Now())()
	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtNodes.Transaction begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, path); err != nil {
		return nil, fmt.Errorf("rtNodes.Transaction lock: %w", err)
	}
	var cur json.RawMessage
	var v []byte
	err = tx.QueryRow(ctx, `SELECT value FROM rt_nodes WHERE path = $1 FOR UPDATE`, path).Scan(&v)
	switch {
	case err == nil:
		cur = json.RawMessage(v)
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, fmt.Errorf("rtNodes.Transaction read: %w", err)
	}
	next, err := fn(cur)
	if err != nil {
		return nil, err
	}
	if err := apply(ctx, tx, storage.Op{Path: path, Value: next}); err != nil {
		return nil, fmt.Errorf("rtNodes.Transaction write: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("rtNodes.Transaction commit: %w", err)
	}
	return next, nil
}
