package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playchat/internal/identity"
	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/session"
)

// ErrTooManyConnections is returned by Register when the hub is full.
var ErrTooManyConnections = errors.New("ws: connection limit reached")

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int
	deps     session.Deps
	closing  bool
}

func NewHub(deps session.Deps, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:  make(map[string]map[*Client]struct{}),
		maxConns: maxConns,
		deps:     deps,
	}
}

// NewClient builds a client with its own session. Nothing runs until Start.
func (h *Hub) NewClient(conn *websocket.Conn, user identity.User) *Client {
	c := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan OutgoingMessage, sendBufSize),
		userID: user.ID,
		done:   make(chan struct{}),
	}
	c.session = session.New(h.deps, user, renderer{c})
	return c
}

// Run blocks until ctx is done and then closes every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.shutdown()
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	h.closing = true
	all := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.markGraceful()
		c.Close()
	}
	for _, c := range all {
		c.Wait()
	}
}

// Register adds c, starts it and its session. The session is started before
// the client is visible, so the first events already carry state.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		return errors.New("ws: hub closed")
	}
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		return ErrTooManyConnections
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()

	pumpCtx, cancel := context.WithCancel(context.Background())
	c.Start(pumpCtx, cancel)

	startCtx, stop := context.WithTimeout(ctx, opTimeout)
	defer stop()
	if err := c.session.Start(startCtx); err != nil {
		c.Close()
		return err
	}
	return nil
}

func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// Connections returns the number of open sockets of userID.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.total
}

// HandleMessage dispatches incoming WebSocket messages to the session.
// Failed user actions are reported by the session as notices.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, msg IncomingMessage) {
	defer logger.DeferLogDuration("ws.HandleMessage "+string(msg.Type), time.Now())()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	s := c.session
	var err error
	switch msg.Type {
	case EventOpenConversation:
		if msg.Peer == "" {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "peer required"})
			return
		}
		err = s.OpenConversation(ctx, msg.Peer)
	case EventCloseConversation:
		err = s.CloseConversation(ctx)
	case EventSendMessage:
		_, err = s.SendMessage(ctx, msg.Text, msg.Attachment)
	case EventTyping:
		// typing failures are not shown to the user
		_ = s.Keystroke(ctx)
	case EventTypingStop:
		err = s.StopTyping(ctx)
	case EventToggleReaction:
		if msg.MessageID == "" || msg.Emoji == "" {
			h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "message_id and emoji required"})
			return
		}
		_, err = s.ToggleReaction(ctx, msg.MessageID, msg.Emoji)
	case EventLogout:
		err = s.Logout(ctx)
		c.markGraceful()
		c.Close()
	default:
		h.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "unknown event type"})
		return
	}
	if err != nil {
		logger.Debugf("ws %s user=%s: %v", msg.Type, c.userID, err)
	}
}

func (h *Hub) sendToClient(c *Client, msg OutgoingMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
		// Backpressure: send buffer full, close slow client.
		logger.Errorf("ws send buffer full, closing slow client user=%s", c.userID)
		c.Close()
	}
}
