package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playchat/internal/logger"
)

const watchReadTimeout = 5 * time.Second

// Subscription: подписка OnValue.
type Subscription struct {
	w *watcher
}

// Unsubscribe останавливает подписку. После возврата callback больше не вызывается.
// Нельзя вызывать из самого callback.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.w == nil {
		return
	}
	s.w.unsubscribe()
}

type watcher struct {
	id   uint64
	db   *DB
	path string
	cb   func(Snapshot)

	kick   chan struct{}
	stop   chan struct{}
	mu     sync.Mutex
	closed atomic.Bool
}

// OnValue вызывает cb с текущим значением по path и далее после каждого изменения
// по path или внутри него. Вызовы для одной подписки последовательны; пачка быстрых
// изменений может прийти одним снимком.
func (db *DB) OnValue(path string, cb func(Snapshot)) (*Subscription, error) {
	p, err := CleanPath(path)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil, ErrClosed
	}
	db.nextID++
	w := &watcher{
		id:   db.nextID,
		db:   db,
		path: p,
		cb:   cb,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	db.watchers[w.id] = w
	db.mu.Unlock()

	w.kick <- struct{}{}
	go w.run()
	return &Subscription{w: w}, nil
}

func (db *DB) notify(paths ...string) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	for _, w := range db.watchers {
		for _, p := range paths {
			if related(w.path, p) {
				select {
				case w.kick <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

func (w *watcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case <-w.kick:
		}
		ctx, cancel := context.WithTimeout(context.Background(), watchReadTimeout)
		leaves, err := w.db.backend.Read(ctx, w.path)
		cancel()
		if err != nil {
			// Подписчик остаётся на прежних данных до следующего изменения.
			logger.Errorf("watch %s: %v", w.path, err)
			continue
		}
		w.mu.Lock()
		if !w.closed.Load() {
			w.cb(NewSnapshot(w.path, leaves))
		}
		w.mu.Unlock()
	}
}

func (w *watcher) unsubscribe() {
	if w.closed.Swap(true) {
		return
	}
	w.db.mu.Lock()
	delete(w.db.watchers, w.id)
	w.db.mu.Unlock()
	close(w.stop)
	// дождаться callback, который мог уже выполняться
	w.mu.Lock()
	w.mu.Unlock()
}

// Subscriptions: группа подписок с общим Unsubscribe.
type Subscriptions []*Subscription

func (s Subscriptions) Unsubscribe() {
	for _, sub := range s {
		sub.Unsubscribe()
	}
}
