package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/playchat/internal/chat"
	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/middleware"
	"github.com/playchat/internal/push"
	"github.com/playchat/internal/social"
	"github.com/playchat/internal/storage"
	"github.com/playchat/internal/unread"
	"github.com/playchat/internal/ws"
)

// Deps: сервисы, которые обслуживает HTTP API.
type Deps struct {
	DB       *storage.DB
	Chat     *chat.Service
	Unread   *unread.Counter
	Social   *social.Engine
	Hub      *ws.Hub
	Push     *push.Client
	Identity identity.Provider
}

// Options: параметры маршрутизатора из конфигурации.
type Options struct {
	CORSAllowedOrigins string
	RateLimitPerIP     int
	RateLimitPerUser   int
	InternalSecret     string
	VAPIDPublicKey     string
	// AccessLog включает chi middleware.Logger (stdout).
	AccessLog bool
}

func allowedOrigins(s string) []string {
	var out []string
	for _, o := range strings.Split(s, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// NewRouter собирает маршруты API: публичные, под идентификацией и служебные /internal/*.
func NewRouter(d Deps, o Options) chi.Router {
	userH := NewUserHandler(d.DB, d.Social)
	socialH := NewSocialHandler(d.DB, d.Social)
	chatH := NewChatHandler(d.DB, d.Chat, d.Unread, d.Social)
	pushH := NewPushHandler(d.Push, o.VAPIDPublicKey)
	origins := allowedOrigins(o.CORSAllowedOrigins)
	wsH := NewWSHandler(d.Hub, origins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	if o.AccessLog {
		r.Use(chimw.Logger)
	}
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Session-Id", "X-Timestamp", "X-Signature"},
		AllowCredentials: len(origins) > 1 || origins[0] != "*",
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/config/push", pushH.GetConfig)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Identity(d.Identity))
		r.Use(middleware.RateLimitAPI(o.RateLimitPerIP, o.RateLimitPerUser))

		r.Get("/api/me", userH.GetMe)
		r.Get("/api/users", userH.Directory)
		r.Get("/api/users/{id}/relationship", userH.Relationship)

		r.Get("/api/friends", socialH.Friends)
		r.Delete("/api/friends/{id}", socialH.Unfriend())
		r.Get("/api/friends/requests/incoming", socialH.IncomingRequests)
		r.Get("/api/friends/requests/outgoing", socialH.OutgoingRequests)
		r.Post("/api/friends/requests/{id}", socialH.SendRequest())
		r.Delete("/api/friends/requests/{id}", socialH.CancelRequest())
		r.Post("/api/friends/requests/{id}/accept", socialH.Accept())
		r.Post("/api/friends/requests/{id}/decline", socialH.Decline())

		r.Post("/api/follow/{id}", socialH.Follow())
		r.Delete("/api/follow/{id}", socialH.Unfollow())
		r.Get("/api/following", socialH.Following)
		r.Get("/api/followers", socialH.Followers)

		r.Get("/api/conversations/{peer}/messages", chatH.GetMessages)
		r.Post("/api/conversations/{peer}/messages", chatH.SendMessage)
		r.Get("/api/unreads", chatH.GetUnreads)
		r.Get("/api/contacts", chatH.GetContacts)

		r.Post("/api/push/subscribe", pushH.Subscribe)
		r.Delete("/api/push/subscribe", pushH.Unsubscribe)
	})

	// WebSocket без лимита запросов: одно соединение живёт долго.
	r.With(middleware.Identity(d.Identity)).Get("/ws", wsH.ServeWS)

	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.InternalOnly(o.InternalSecret))
		r.Post("/social/repair/{id}", socialH.Repair)
	})
	return r
}
