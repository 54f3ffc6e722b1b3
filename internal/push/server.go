package push

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/playchat/internal/logger"
)

const notifyTimeout = 10 * time.Second

// Sender доставляет одно уведомление и возвращает HTTP-статус push-сервиса браузера.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub PushSubscription) (int, error)
}

// WebPushSender: Sender поверх webpush-go с VAPID.
type WebPushSender struct {
	opts *webpush.Options
}

func NewWebPushSender(keys *VAPIDKeys, subscriber string) *WebPushSender {
	return &WebPushSender{opts: keys.options(subscriber)}
}

func (s *WebPushSender) Send(ctx context.Context, payload []byte, sub PushSubscription) (int, error) {
	resp, err := webpush.SendNotificationWithContext(ctx, payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys:     webpush.Keys{P256dh: sub.Keys.P256dh, Auth: sub.Keys.Auth},
	}, s.opts)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

// Server: HTTP-часть сервиса push. sender == nil: подписки сохраняются, отправка не выполняется.
type Server struct {
	store     *Store
	sender    Sender
	publicKey string
}

func NewServer(store *Store, sender Sender, publicKey string) *Server {
	return &Server{store: store, sender: sender, publicKey: publicKey}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/api/vapid-public", s.handleVAPIDPublic)
	r.Route("/api", func(r chi.Router) {
		r.Post("/subscribe", s.handleSubscribe)
		r.Delete("/subscribe", s.handleUnsubscribe)
		r.Post("/notify", s.handleNotify)
	})
	return r
}

func (s *Server) handleVAPIDPublic(w http.ResponseWriter, r *http.Request) {
	if s.publicKey == "" {
		http.Error(w, "push not configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(s.publicKey))
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || !req.Subscription.Valid() {
		http.Error(w, "user_id and subscription (endpoint, keys.p256dh, keys.auth) required", http.StatusBadRequest)
		return
	}
	if err := s.store.Add(r.Context(), req.UserID, req.Subscription); err != nil {
		logger.Errorf("subscribe %s: %v", req.UserID, err)
		http.Error(w, "failed to save subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" || req.Endpoint == "" {
		http.Error(w, "user_id and endpoint required", http.StatusBadRequest)
		return
	}
	if err := s.store.Remove(r.Context(), req.UserID, req.Endpoint); err != nil {
		logger.Errorf("unsubscribe %s: %v", req.UserID, err)
		http.Error(w, "failed to remove subscription", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), notifyTimeout)
	defer cancel()
	if _, err := s.Deliver(ctx, req); err != nil {
		http.Error(w, "failed to get subscriptions", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func shortEndpoint(e string) string {
	return e[:min(50, len(e))]
}

// Deliver отправляет уведомление на все подписки пользователя. Подписки, на которые
// push-сервис ответил 404/410, удаляются. Возвращает число успешных отправок.
func (s *Server) Deliver(ctx context.Context, req NotifyRequest) (int, error) {
	defer logger.DeferLogDuration("push.Deliver", time.Now())()
	subs, err := s.store.List(ctx, req.UserID)
	if err != nil {
		logger.Errorf("notify %s: %v", req.UserID, err)
		return 0, err
	}
	if s.sender == nil || len(subs) == 0 {
		return 0, nil
	}
	payload, err := json.Marshal(map[string]any{"title": req.Title, "body": req.Body, "data": req.Data})
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, sub := range subs {
		status, err := s.sender.Send(ctx, payload, sub)
		if err != nil {
			logger.Errorf("send %s: %v", shortEndpoint(sub.Endpoint), err)
			continue
		}
		switch {
		case status == http.StatusGone || status == http.StatusNotFound:
			if err := s.store.Remove(ctx, req.UserID, sub.Endpoint); err != nil {
				logger.Errorf("prune %s: %v", shortEndpoint(sub.Endpoint), err)
			}
		case status >= 200 && status < 300:
			sent++
		default:
			logger.Warnf("send %s: status %d", shortEndpoint(sub.Endpoint), status)
		}
	}
	return sent, nil
}
