// Package storage: общее изменяемое хранилище реального времени: дерево JSON-значений
// по путям вида "a/b/c", подписки на изменения и отложенные записи при обрыве соединения.
package storage

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	ErrInvalidPath = errors.New("invalid path")
	ErrNotInteger  = errors.New("value is not an integer")
	ErrConflict    = errors.New("transaction conflict")
	ErrClosed      = errors.New("store closed")
	ErrNotLeaf     = errors.New("transaction value must be a leaf")
)

// Op: одна запись пакета: поддерево по Path удаляется, затем (если Value != nil)
// по Path записывается лист.
type Op struct {
	Path  string
	Value json.RawMessage
}

// Backend: хранилище листьев.
// Реализации: memory.Backend, redis.Backend, postgres.Backend.
type Backend interface {
	// Read возвращает все листья по пути и ниже (ключ: полный путь листа).
	Read(ctx context.Context, path string) (map[string]json.RawMessage, error)
	// Write применяет пакет атомарно.
	Write(ctx context.Context, ops []Op) error
	// Increment атомарно прибавляет delta к целому листу (отсутствующий лист = 0).
	Increment(ctx context.Context, path string, delta int64) (int64, error)
	// Transaction атомарно читает лист, вызывает fn и записывает результат.
	// fn возвращает nil: лист удаляется.
	Transaction(ctx context.Context, path string, fn func(current json.RawMessage) (json.RawMessage, error)) (json.RawMessage, error)
	Close() error
}
