package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
	sendQueueSize  = 64
)

// Conn pumps frames between one websocket and its Session.
type Conn struct {
	ws      *websocket.Conn
	session *Session
	handler *Handler
	logger  zerolog.Logger

	send      chan ServerMessage
	closeOnce sync.Once
	closed    chan struct{}
}

func NewConn(wsConn *websocket.Conn, handler *Handler, identity string, logger zerolog.Logger) *Conn {
	c := &Conn{
		ws:      wsConn,
		handler: handler,
		send:    make(chan ServerMessage, sendQueueSize),
		closed:  make(chan struct{}),
	}
	c.session = NewSession(c, identity)
	c.logger = logger.With().Str("session", c.session.ID()).Logger()
	return c
}

// Send enqueues msg without blocking. A full queue drops the message.
func (c *Conn) Send(msg ServerMessage) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("send queue full, dropping message")
		return false
	}
}

// Serve registers the session, runs both pumps, and on return runs the
// disconnect path. It blocks until the client goes away.
func (c *Conn) Serve(ctx context.Context) {
	c.handler.hub.Register(c.session)
	defer c.ws.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	c.readLoop(ctx)

	// the request context is gone by now; leave must still reach the engine
	c.handler.Disconnect(context.WithoutCancel(ctx), c.session)
	c.closeOnce.Do(func() { close(c.closed) })
	wg.Wait()
}

func (c *Conn) readLoop(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		c.handler.Dispatch(ctx, c.session, frame)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				c.logger.Debug().Err(err).Msg("write failed")
				c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug().Err(err).Msg("ping failed")
				}
				c.ws.Close()
				return
			}
		case <-c.closed:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
