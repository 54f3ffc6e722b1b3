package middleware

import (
	"net/http"
	"time"

	"github.com/playchat/internal/logger"
)

// RequestLog пишет длительность каждого запроса; 5xx уходят в лог ошибок,
// 4xx только в debug.
func RequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := r.Method + " " + r.URL.Path
		defer logger.DeferLogDuration("http "+route, time.Now())()
		rec := record(w)
		next.ServeHTTP(rec, r)
		switch {
		case rec.code >= http.StatusInternalServerError:
			logger.Errorf("http %s -> %d", route, rec.code)
		case rec.code >= http.StatusBadRequest:
			logger.Debugf("http %s -> %d", route, rec.code)
		}
	})
}
