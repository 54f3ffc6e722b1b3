package middleware

import (
	"errors"
	"net/http"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
)

// Identity аутентифицирует запрос через провайдера и кладёт пользователя в контекст.
// Без пользователя: 401 JSON.
func Identity(p identity.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := p.Authenticate(r)
			if err != nil {
				if !errors.Is(err, identity.ErrUnauthorized) {
					logger.Errorf("identity %s %s: %v", r.Method, r.URL.Path, err)
				}
				writeJSONError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			logger.Debugf("identity user=%s %s %s", MaskID(u.ID), r.Method, r.URL.Path)
			next.ServeHTTP(w, r.WithContext(identity.WithUser(r.Context(), u)))
		})
	}
}
