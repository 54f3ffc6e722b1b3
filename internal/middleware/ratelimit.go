package middleware

import (
	"net/http"
	"sync"
	"time"
)

const rateLimitWindow = time.Minute

// windowLimiter считает запросы по ключу за скользящее окно. Ключи без
// запросов дольше окна удаляются при очередной проверке.
type windowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	hits      map[string][]time.Time
	lastSweep time.Time
}

func newWindowLimiter(limit int, window time.Duration) *windowLimiter {
	return &windowLimiter{limit: limit, window: window, now: time.Now, hits: map[string][]time.Time{}}
}

func (l *windowLimiter) allow(key string) bool {
	if l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	since := now.Add(-l.window)
	if now.Sub(l.lastSweep) > l.window {
		l.sweep(since)
		l.lastSweep = now
	}
	recent := dropBefore(l.hits[key], since)
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)
	return true
}

func (l *windowLimiter) sweep(since time.Time) {
	for key, ts := range l.hits {
		if len(ts) == 0 || !ts[len(ts)-1].After(since) {
			delete(l.hits, key)
		}
	}
}

// dropBefore отбрасывает отметки не позже since; ts упорядочен по времени.
func dropBefore(ts []time.Time, since time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(since) {
		i++
	}
	return ts[i:]
}

// RateLimitAPI: лимиты на IP и на пользователя из контекста за минуту, 0 снимает лимит.
func RateLimitAPI(perIP, perUser int) func(http.Handler) http.Handler {
	ips := newWindowLimiter(perIP, rateLimitWindow)
	users := newWindowLimiter(perUser, rateLimitWindow)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok := ips.allow(clientIP(r))
			if uid := GetUserID(r.Context()); ok && uid != "" {
				ok = users.allow(uid)
			}
			if !ok {
				w.Header().Set("Retry-After", "60")
				writeJSONError(w, http.StatusTooManyRequests, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
