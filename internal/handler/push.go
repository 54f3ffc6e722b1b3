package handler

import (
	"errors"
	"net/http"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/middleware"
	"github.com/playchat/internal/push"
)

// PushHandler проксирует подписки браузера в сервис push.
type PushHandler struct {
	client    *push.Client
	publicKey string
}

func NewPushHandler(client *push.Client, publicKey string) *PushHandler {
	return &PushHandler{client: client, publicKey: publicKey}
}

var errBadSubscription = errors.New("subscription endpoint and keys required")

type PushConfig struct {
	Enabled        bool   `json:"enabled"`
	VAPIDPublicKey string `json:"vapid_public_key,omitempty"`
}

// GetConfig доступен без идентификации: фронт решает, предлагать ли подписку.
func (h *PushHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := PushConfig{Enabled: h.client.Enabled() && h.publicKey != ""}
	if cfg.Enabled {
		cfg.VAPIDPublicKey = h.publicKey
	}
	writeJSON(w, http.StatusOK, cfg)
}

type SubscribeRequest struct {
	Subscription push.PushSubscription `json:"subscription"`
}

type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

func (h *PushHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	h.forward(w, r, "subscribe", &req, func(me string) error {
		if !req.Subscription.Valid() {
			return errBadSubscription
		}
		return h.client.Subscribe(r.Context(), me, req.Subscription)
	})
}

func (h *PushHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	h.forward(w, r, "unsubscribe", &req, func(me string) error {
		if req.Endpoint == "" {
			return errBadSubscription
		}
		return h.client.Unsubscribe(r.Context(), me, req.Endpoint)
	})
}

// forward декодирует тело в req и вызывает call: 503 без сервиса push,
// 400 на неполную подписку, 502 если сервис ответил ошибкой.
func (h *PushHandler) forward(w http.ResponseWriter, r *http.Request, op string, req any, call func(me string) error) {
	if !h.client.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "push not configured")
		return
	}
	if !decodeBody(w, r, req) {
		return
	}
	me, _ := identity.CurrentUser(r.Context())
	switch err := call(me.ID); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, errBadSubscription):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Errorf("push %s user=%s: %v", op, middleware.MaskID(me.ID), err)
		writeError(w, http.StatusBadGateway, "failed to "+op)
	}
}
