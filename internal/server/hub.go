// Package server owns the websocket side of the fan-out layer: handshake and
// registration, per-connection read/write pumps, the hub that tracks open
// sockets, and the HTTP API producers use to post messages.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/NTitterton/agorusta/internal/dispatch"
	"github.com/NTitterton/agorusta/internal/telemetry"
)

// Directory is the slice of the connection directory the websocket side
// mutates as connections come, subscribe, and go.
type Directory interface {
	Register(connID, userID string) error
	Subscribe(connID, topic string) error
	Unsubscribe(connID, topic string) error
	Deregister(connID string) error
}

// Hub tracks every open websocket connection by identifier and routes pushes
// to them. It is the live counterpart of the persistent directory: the
// directory knows which connections want a topic's events, the hub knows
// which sockets are actually attached to this process.
type Hub struct {
	log       zerolog.Logger
	metrics   *telemetry.Metrics
	directory Directory

	register   chan *conn
	unregister chan *conn

	conns map[string]*conn
	mutex sync.RWMutex

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a hub ready to accept connections. Call Run in its own
// goroutine before serving the websocket endpoint.
func NewHub(dir Directory, metrics *telemetry.Metrics, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		log:        log.With().Str("component", "hub").Logger(),
		metrics:    metrics,
		directory:  dir,
		register:   make(chan *conn),
		unregister: make(chan *conn),
		conns:      make(map[string]*conn),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Run is the hub's main loop, handling connection registration and
// unregistration until Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownConns()
			return

		case c := <-h.register:
			h.mutex.Lock()
			h.conns[c.id] = c
			total := len(h.conns)
			h.mutex.Unlock()
			h.metrics.OpenConnections.Set(float64(total))
			h.log.Info().Str("connection_id", c.id).Str("user_id", c.userID).Int("total", total).Msg("connection registered")

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				c.writePump()
			}()
			go func() {
				defer h.wg.Done()
				c.readPump()
			}()

		case c := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.conns[c.id]; ok {
				delete(h.conns, c.id)
				c.markClosed()
				total := len(h.conns)
				h.mutex.Unlock()
				h.metrics.OpenConnections.Set(float64(total))
				h.log.Info().Str("connection_id", c.id).Int("total", total).Msg("connection unregistered")

				// The socket is gone, so the directory entry goes too; the
				// client re-registers and re-subscribes on reconnect.
				if err := h.directory.Deregister(c.id); err != nil {
					h.log.Error().Str("connection_id", c.id).Err(err).Msg("deregister failed")
				}
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

// Push delivers an encoded frame to one connection. It reports
// dispatch.ErrConnectionGone when the connection is not attached to this hub
// or its send buffer is no longer draining, in which case the connection is
// also dropped.
func (h *Hub) Push(connID string, payload []byte) error {
	h.mutex.RLock()
	c, ok := h.conns[connID]
	h.mutex.RUnlock()

	if !ok || c.isClosed() {
		return dispatch.ErrConnectionGone
	}

	select {
	case <-c.done:
		return dispatch.ErrConnectionGone
	case c.send <- payload:
		return nil
	default:
		h.log.Warn().Str("connection_id", connID).Msg("send buffer full, dropping connection")
		h.drop(c)
		return dispatch.ErrConnectionGone
	}
}

// drop requests unregistration without blocking when the hub is already
// shutting down.
func (h *Hub) drop(c *conn) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

// shutdownConns closes every open socket so the pump goroutines unwind.
func (h *Hub) shutdownConns() {
	h.mutex.Lock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mutex.Unlock()

	for _, c := range conns {
		if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Error().Str("connection_id", c.id).Err(err).Msg("error closing connection")
		}
	}
	h.log.Info().Int("count", len(conns)).Msg("closed all connections")
}

// Shutdown stops the hub and waits for the pump goroutines to finish, or
// until the timeout is reached.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.cancel()
	<-h.done

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info().Msg("hub shutdown complete")
		return nil
	case <-time.After(timeout):
		h.log.Warn().Msg("hub shutdown timeout reached")
		return context.DeadlineExceeded
	}
}
