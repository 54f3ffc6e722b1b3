package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/playchat/internal/logger"
)

// ServerTimestamp подставляется вместо значения и заменяется временем хранилища (Unix ms)
// в момент применения записи. Допустим как значение Set/Push, поле Update или
// значение внутри map[string]any; внутри структур не поддерживается.
var ServerTimestamp = serverTimestamp{}

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return nil, errors.New("storage.ServerTimestamp inside a struct is not supported")
}

// DB: хранилище реального времени поверх Backend: чтение/запись по путям,
// подписки OnValue и отложенные записи соединений (OnDisconnect).
type DB struct {
	backend Backend
	now     func() time.Time
	newID   func() string

	mu       sync.RWMutex
	watchers map[uint64]*watcher
	nextID   uint64
	conns    map[string]*Conn
	closed   bool
}

type Option func(*DB)

// WithClock задаёт часы хранилища (ServerTimestamp, тесты).
func WithClock(now func() time.Time) Option {
	return func(db *DB) { db.now = now }
}

// WithIDGenerator задаёт генератор ключей Push.
func WithIDGenerator(gen func() string) Option {
	return func(db *DB) { db.newID = gen }
}

func New(backend Backend, opts ...Option) *DB {
	db := &DB{
		backend:  backend,
		now:      time.Now,
		newID:    newPushID,
		watchers: make(map[uint64]*watcher),
		conns:    make(map[string]*Conn),
	}
	for _, o := range opts {
		o(db)
	}
	return db
}

// newPushID: UUIDv7: лексикографический порядок ключей совпадает с порядком вставки.
func newPushID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// Now: часы хранилища.
func (db *DB) Now() time.Time { return db.now() }

// resolve заменяет ServerTimestamp (в том числе внутри map[string]any) временем хранилища.
func (db *DB) resolve(v any) any {
	switch val := v.(type) {
	case serverTimestamp:
		return db.now().UnixMilli()
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			out[k] = db.resolve(x)
		}
		return out
	default:
		return v
	}
}

func (db *DB) encode(v any) (json.RawMessage, error) {
	switch val := db.resolve(v).(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return val, nil
	default:
		return json.Marshal(val)
	}
}

// leafOps раскладывает значение по path на листья: объекты JSON разворачиваются
// по ключам, остальное (числа, строки, массивы) пишется одним листом. Первый Op
// удаляет прежнее поддерево.
func (db *DB) leafOps(path string, v any) ([]Op, error) {
	raw, err := db.encode(v)
	if err != nil {
		return nil, err
	}
	ops := []Op{{Path: path}}
	return flatten(path, raw, ops)
}

func flatten(path string, raw json.RawMessage, ops []Op) ([]Op, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ops, nil
	}
	if trimmed[0] != '{' {
		return append(ops, Op{Path: path, Value: trimmed}), nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	for k, child := range obj {
		if k == "" || strings.Contains(k, "/") {
			return nil, fmt.Errorf("%w: key %q under %s", ErrInvalidPath, k, path)
		}
		var err error
		if ops, err = flatten(path+"/"+k, child, ops); err != nil {
			return nil, err
		}
	}
	return ops, nil
}

func (db *DB) write(ctx context.Context, ops []Op) error {
	db.mu.RLock()
	closed := db.closed
	db.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if err := db.backend.Write(ctx, ops); err != nil {
		return err
	}
	paths := make([]string, len(ops))
	for i, op := range ops {
		paths[i] = op.Path
	}
	db.notify(paths...)
	return nil
}

func (db *DB) Get(ctx context.Context, path string) (Snapshot, error) {
	defer logger.DeferLogDuration("db.Get", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	leaves, err := db.backend.Read(ctx, p)
	if err != nil {
		return Snapshot{}, fmt.Errorf("db.Get %s: %w", p, err)
	}
	return NewSnapshot(p, leaves), nil
}

// Set заменяет поддерево по path значением v (nil: удаление).
func (db *DB) Set(ctx context.Context, path string, v any) error {
	defer logger.DeferLogDuration("db.Set", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	ops, err := db.leafOps(p, v)
	if err != nil {
		return fmt.Errorf("db.Set %s: %w", p, err)
	}
	if err := db.write(ctx, ops); err != nil {
		return fmt.Errorf("db.Set %s: %w", p, err)
	}
	return nil
}

// Update атомарно записывает несколько дочерних путей (ключ fields: относительный путь).
func (db *DB) Update(ctx context.Context, path string, fields map[string]any) error {
	defer logger.DeferLogDuration("db.Update", time.Now())()
	ops, err := db.updateOps(path, fields)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	if err := db.write(ctx, ops); err != nil {
		return fmt.Errorf("db.Update %s: %w", path, err)
	}
	return nil
}

func (db *DB) updateOps(path string, fields map[string]any) ([]Op, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, len(fields))
	for k, v := range fields {
		child, err := CleanPath(p + "/" + k)
		if err != nil {
			return nil, err
		}
		leaves, err := db.leafOps(child, v)
		if err != nil {
			return nil, fmt.Errorf("db.Update %s: %w", child, err)
		}
		ops = append(ops, leaves...)
	}
	return ops, nil
}

func (db *DB) Remove(ctx context.Context, path string) error {
	defer logger.DeferLogDuration("db.Remove", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return err
	}
	if err := db.write(ctx, []Op{{Path: p}}); err != nil {
		return fmt.Errorf("db.Remove %s: %w", p, err)
	}
	return nil
}

// Push добавляет v под новым упорядоченным по времени ключом и возвращает ключ.
func (db *DB) Push(ctx context.Context, path string, v any) (string, error) {
	defer logger.DeferLogDuration("db.Push", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return "", err
	}
	id := db.newID()
	ops, err := db.leafOps(p+"/"+id, v)
	if err != nil {
		return "", fmt.Errorf("db.Push %s: %w", p, err)
	}
	if err := db.write(ctx, ops); err != nil {
		return "", fmt.Errorf("db.Push %s: %w", p, err)
	}
	return id, nil
}

// Increment: атомарный инкремент целого листа.
func (db *DB) Increment(ctx context.Context, path string, delta int64) (int64, error) {
	defer logger.DeferLogDuration("db.Increment", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return 0, err
	}
	n, err := db.backend.Increment(ctx, p, delta)
	if err != nil {
		return 0, fmt.Errorf("db.Increment %s: %w", p, err)
	}
	db.notify(p)
	return n, nil
}

// Transaction атомарно читает лист, передаёт его fn и записывает возвращённое значение.
// Ошибка fn отменяет запись и возвращается вызывающему. Значение должно быть листом
// (не объектом), nil удаляет лист.
func (db *DB) Transaction(ctx context.Context, path string, fn func(current Snapshot) (any, error)) (Snapshot, error) {
	defer logger.DeferLogDuration("db.Transaction", time.Now())()
	p, err := CleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	out, err := db.backend.Transaction(ctx, p, func(cur json.RawMessage) (json.RawMessage, error) {
		var leaves map[string]json.RawMessage
		if cur != nil {
			leaves = map[string]json.RawMessage{p: cur}
		}
		v, err := fn(NewSnapshot(p, leaves))
		if err != nil {
			return nil, err
		}
		raw, err := db.encode(v)
		if err != nil {
			return nil, err
		}
		if t := bytes.TrimSpace(raw); len(t) > 0 && t[0] == '{' {
			return nil, ErrNotLeaf
		}
		return raw, nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("db.Transaction %s: %w", p, err)
	}
	db.notify(p)
	var leaves map[string]json.RawMessage
	if out != nil {
		leaves = map[string]json.RawMessage{p: out}
	}
	return NewSnapshot(p, leaves), nil
}

// Close выполняет отложенные записи всех открытых соединений, останавливает подписки
// и закрывает бэкенд.
func (db *DB) Close(ctx context.Context) error {
	db.mu.Lock()
	conns := make([]*Conn, 0, len(db.conns))
	for _, c := range db.conns {
		conns = append(conns, c)
	}
	db.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	db.mu.Lock()
	db.closed = true
	watchers := make([]*watcher, 0, len(db.watchers))
	for _, w := range db.watchers {
		watchers = append(watchers, w)
	}
	db.mu.Unlock()
	for _, w := range watchers {
		w.unsubscribe()
	}
	if err := db.backend.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
