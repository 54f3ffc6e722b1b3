package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playchat/internal/logger"
	"github.com/playchat/internal/session"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 8192
	sendBufSize    = 256
	opTimeout      = 5 * time.Second
)

// Client couples one socket with one session. Three goroutines run per
// client: the reader, the writer and the session loop.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	userID  string
	session *session.Session

	send chan OutgoingMessage
	done chan struct{}

	stop     context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup

	// graceful: the peer said goodbye or the server is shutting down.
	graceful atomic.Bool
}

func (c *Client) UserID() string { return c.userID }

// Start runs the client until ctx is cancelled or the socket fails.
func (c *Client) Start(ctx context.Context, stop context.CancelFunc) {
	c.stop = stop
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.writeLoop(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.readLoop(ctx)
		c.finish()
	}()
	go func() {
		defer c.wg.Done()
		_ = c.session.Run(context.Background())
	}()
}

func (c *Client) Wait() { c.wg.Wait() }

// Close is idempotent; closing the socket unblocks both loops.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *Client) markGraceful() { c.graceful.Store(true) }

// finish ends the session (Close for a goodbye, Drop otherwise) and detaches
// from the hub.
func (c *Client) finish() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	end := c.session.Drop
	if c.graceful.Load() {
		end = c.session.Close
	}
	if err := end(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
		logger.Errorf("ws end session user=%s: %v", c.userID, err)
	}
	c.hub.Unregister(c)
	_ = c.conn.Close()
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	extend := func(string) error { return c.conn.SetReadDeadline(time.Now().Add(pongWait)) }
	if err := extend(""); err != nil {
		return
	}
	c.conn.SetPongHandler(extend)

	for ctx.Err() == nil {
		var msg IncomingMessage
		err := c.conn.ReadJSON(&msg)
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case err == nil:
			c.hub.HandleMessage(ctx, c, msg)
		case errors.As(err, &syntaxErr), errors.As(err, &typeErr), errors.Is(err, io.ErrUnexpectedEOF):
			logger.Debugf("ws bad frame user=%s: %v", c.userID, err)
			c.hub.sendToClient(c, OutgoingMessage{Type: EventError, Payload: "invalid message"})
		case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
			c.markGraceful()
			return
		default:
			if ctx.Err() == nil {
				logger.Errorf("ws read user=%s: %v", c.userID, err)
			}
			return
		}
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	defer c.conn.Close()

	for {
		var err error
		select {
		case <-ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err = c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err == nil {
				err = c.conn.WriteJSON(msg)
			}
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		}
		if err != nil {
			logger.Debugf("ws write user=%s: %v", c.userID, err)
			return
		}
	}
}
