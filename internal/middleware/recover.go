package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/playchat/internal/logger"
)

// RecoverJSON превращает панику обработчика в JSON 500. Если заголовки уже
// отправлены, соединение просто закрывается сервером.
func RecoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := record(w)
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logger.Errorf("panic %s %s: %v\n%s", r.Method, r.URL.Path, p, debug.Stack())
			if !rec.written {
				writeJSONError(rec, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(rec, r)
	})
}
