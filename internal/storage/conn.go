package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/playchat/internal/logger"
)

var ErrConnClosed = errors.New("connection closed")

type disconnectKind int

const (
	disconnectSet disconnectKind = iota
	disconnectUpdate
	disconnectRemove
)

type pendingOp struct {
	kind   disconnectKind
	path   string
	value  any
	fields map[string]any
}

// Conn: соединение клиента с хранилищем. Записи, зарегистрированные через
// OnDisconnect, выполняются один раз при Drop или Close.
type Conn struct {
	id string
	db *DB

	mu     sync.Mutex
	ops    []pendingOp
	closed bool
}

// Connect регистрирует соединение. Пустой id заменяется сгенерированным.
func (db *DB) Connect(id string) *Conn {
	if id == "" {
		id = db.newID()
	}
	c := &Conn{id: id, db: db}
	db.mu.Lock()
	db.conns[id] = c
	db.mu.Unlock()
	return c
}

func (c *Conn) ID() string { return c.id }

// DisconnectOp: отложенная запись по пути.
type DisconnectOp struct {
	conn *Conn
	path string
	err  error
}

func (c *Conn) OnDisconnect(path string) *DisconnectOp {
	p, err := CleanPath(path)
	return &DisconnectOp{conn: c, path: p, err: err}
}

func (d *DisconnectOp) arm(op pendingOp) error {
	if d.err != nil {
		return d.err
	}
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.ops = append(c.ops, op)
	return nil
}

// Set ставит в очередь запись v по пути. Возврат nil означает, что запись взведена.
func (d *DisconnectOp) Set(v any) error {
	return d.arm(pendingOp{kind: disconnectSet, path: d.path, value: v})
}

func (d *DisconnectOp) Update(fields map[string]any) error {
	return d.arm(pendingOp{kind: disconnectUpdate, path: d.path, fields: fields})
}

func (d *DisconnectOp) Remove() error {
	return d.arm(pendingOp{kind: disconnectRemove, path: d.path})
}

// Cancel снимает все отложенные записи по пути и ниже.
func (d *DisconnectOp) Cancel() {
	if d.err != nil {
		return
	}
	c := d.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.ops[:0]
	for _, op := range c.ops {
		if !IsUnder(op.path, d.path) {
			kept = append(kept, op)
		}
	}
	c.ops = kept
}

// Drop: обрыв соединения.
func (c *Conn) Drop(ctx context.Context) error {
	return c.finish(ctx, "drop")
}

// Close: штатное закрытие; отложенные записи выполняются так же, как при обрыве.
func (c *Conn) Close(ctx context.Context) error {
	return c.finish(ctx, "close")
}

func (c *Conn) finish(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ops := c.ops
	c.ops = nil
	c.mu.Unlock()

	c.db.mu.Lock()
	delete(c.db.conns, c.id)
	c.db.mu.Unlock()

	var errs []error
	for _, op := range ops {
		var err error
		switch op.kind {
		case disconnectSet:
			err = c.db.Set(ctx, op.path, op.value)
		case disconnectUpdate:
			err = c.db.Update(ctx, op.path, op.fields)
		case disconnectRemove:
			err = c.db.Remove(ctx, op.path)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		logger.Errorf("conn %s %s: %d disconnect writes failed", c.id, reason, len(errs))
		return fmt.Errorf("conn %s: %w", c.id, errors.Join(errs...))
	}
	logger.Infof("conn %s %s: %d disconnect writes applied", c.id, reason, len(ops))
	return nil
}
