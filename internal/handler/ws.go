package handler

import (
	"errors"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/middleware"
	"github.com/playchat/internal/ws"
)

// WSHandler поднимает WebSocket-сессию для пользователя из контекста.
type WSHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler: origins те же, что у CORS; "*" пропускает любой Origin.
func NewWSHandler(hub *ws.Hub, origins []string) *WSHandler {
	anyOrigin := slices.Contains(origins, "*")
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return anyOrigin || origin == "" || slices.Contains(origins, origin)
			},
		},
	}
}

// ServeWS: a full hub answers with close code 1013 so the client retries later.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	me, ok := identity.CurrentUser(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	// Upgrade сам отвечает 403 на чужой Origin.
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debugf("ws upgrade user=%s: %v", middleware.MaskID(me.ID), err)
		return
	}
	err = h.hub.Register(r.Context(), h.hub.NewClient(conn, me))
	if err == nil {
		return
	}
	logger.Errorf("ws register user=%s: %v", middleware.MaskID(me.ID), err)
	if errors.Is(err, ws.ErrTooManyConnections) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()))
	}
	_ = conn.Close()
}
