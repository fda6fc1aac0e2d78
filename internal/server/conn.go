package server

import (
	"encoding/json"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/NTitterton/agorusta/internal/directory"
	"github.com/NTitterton/agorusta/wire"
)

const (
	// pongWait is how long a connection may stay silent before it is
	// considered dead; pings go out comfortably inside that window.
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second

	sendBufferSize = 256
)

// conn is one authenticated websocket connection. The read pump consumes
// subscribe/unsubscribe control frames; the write pump drains the send
// channel that the hub pushes event frames into.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	// done is closed when the hub unregisters the connection. The send
	// channel itself is never closed: Push and the write pump select on done
	// instead, so a push racing the teardown can never hit a closed channel.
	done chan struct{}

	hub       *Hub
	directory Directory
	log       zerolog.Logger

	id     string
	userID string

	limiter        *rate.Limiter
	maxMessageSize int64
	closed         atomic.Bool
}

func newConn(ws *websocket.Conn, hub *Hub, dir Directory, id, userID string, maxMessageSize int64, limiter *rate.Limiter, log zerolog.Logger) *conn {
	if ws != nil {
		ws.SetReadLimit(maxMessageSize)
	}
	return &conn{
		ws:             ws,
		send:           make(chan []byte, sendBufferSize),
		done:           make(chan struct{}),
		hub:            hub,
		directory:      dir,
		log:            log.With().Str("connection_id", id).Logger(),
		id:             id,
		userID:         userID,
		limiter:        limiter,
		maxMessageSize: maxMessageSize,
	}
}

func (c *conn) markClosed() {
	if c.closed.CompareAndSwap(false, true) {
		close(c.done)
	}
}

func (c *conn) isClosed() bool {
	return c.closed.Load()
}

func (c *conn) setupReadDeadlines() {
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Error().Err(err).Msg("setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			c.log.Error().Err(err).Msg("setting read deadline in pong handler")
		}
		return nil
	})
}

// handleReadError reports whether the read loop should stop, logging the
// error at a level matching how expected it is.
func (c *conn) handleReadError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("max_bytes", c.maxMessageSize).Msg("inbound frame exceeded size limit")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Debug().Err(err).Msg("connection closed")
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
	default:
		c.log.Warn().Err(err).Msg("websocket read error")
	}
	return true
}

// handleControl processes one inbound control frame. Malformed frames are
// dropped after logging; they never take the connection down. Directory
// misses are a benign race with TTL expiry and resolve on the client's next
// reconnect.
func (c *conn) handleControl(raw []byte) {
	frame, err := wire.ParseControlFrame(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping malformed control frame")
		return
	}
	if frame.ChannelID == "" {
		c.log.Warn().Str("action", frame.Action).Msg("control frame missing channel_id")
		c.sendAck(wire.ControlAck{Status: "error"})
		return
	}

	switch frame.Action {
	case wire.ActionSubscribe:
		if err := c.directory.Subscribe(c.id, frame.ChannelID); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.log.Debug().Str("topic", frame.ChannelID).Msg("subscribe raced directory expiry")
			} else {
				c.log.Error().Str("topic", frame.ChannelID).Err(err).Msg("subscribe failed")
			}
			return
		}
		c.log.Debug().Str("topic", frame.ChannelID).Msg("subscribed")
		c.sendAck(wire.ControlAck{Status: "subscribed", ChannelID: frame.ChannelID})

	case wire.ActionUnsubscribe:
		if err := c.directory.Unsubscribe(c.id, frame.ChannelID); err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				c.log.Debug().Str("topic", frame.ChannelID).Msg("unsubscribe raced directory expiry")
			} else {
				c.log.Error().Str("topic", frame.ChannelID).Err(err).Msg("unsubscribe failed")
			}
			return
		}
		c.log.Debug().Str("topic", frame.ChannelID).Msg("unsubscribed")
		c.sendAck(wire.ControlAck{Status: "unsubscribed", ChannelID: frame.ChannelID})

	default:
		c.log.Warn().Str("action", frame.Action).Msg("unknown control action")
	}
}

// sendAck enqueues a control acknowledgement, dropping it if the send buffer
// is full; acks are advisory.
func (c *conn) sendAck(ack wire.ControlAck) {
	payload, err := json.Marshal(ack)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *conn) readPump() {
	defer func() {
		c.hub.drop(c)
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("closing connection in read pump")
		}
	}()

	c.setupReadDeadlines()

	for {
		_, raw, err := c.ws.ReadMessage()
		if c.handleReadError(err) {
			break
		}

		if !c.limiter.Allow() {
			c.log.Warn().Msg("rate limit exceeded, discarding frame")
			continue
		}

		c.handleControl(raw)
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Error().Err(err).Msg("closing connection in write pump")
		}
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case payload := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("setting write deadline")
				return
			}
			if !c.writeFrame(payload) {
				return
			}

		case <-ticker.C:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.log.Error().Err(err).Msg("setting write deadline for ping")
				return
			}
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// writeFrame writes one frame plus anything already queued behind it, one
// websocket message each; frames are self-contained JSON documents.
func (c *conn) writeFrame(payload []byte) bool {
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.log.Debug().Err(err).Msg("write failed")
		return false
	}

	queued := len(c.send)
	for i := 0; i < queued; i++ {
		if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
			c.log.Debug().Err(err).Msg("write failed")
			return false
		}
	}
	return true
}
