// Package client is the Go SDK for the chat fan-out service. It maintains a
// single websocket connection to the push endpoint, transparently reconnects
// after unclean drops, replays the caller's subscriptions on every fresh
// connection, and routes pushed events to per-topic handlers with duplicate
// suppression.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/NTitterton/agorusta/wire"
)

// State is the connection lifecycle state.
type State int32

const (
	// StateClosed means no connection exists and none is being attempted.
	StateClosed State = iota
	// StateConnecting means a dial or a reconnect wait is in progress.
	StateConnecting
	// StateOpen means the websocket is established and frames flow.
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNoCredential is returned by Connect when no token is configured.
	// The server rejects tokenless handshakes before upgrading, so dialing
	// without one would only burn the retry budget.
	ErrNoCredential = errors.New("client: no credential configured")

	// ErrRetriesExhausted is reported through Err after the reconnect budget
	// is spent. The client is closed; a fresh Connect starts over.
	ErrRetriesExhausted = errors.New("client: reconnect retries exhausted")

	// ErrNotConnected is returned by operations that need an open connection.
	ErrNotConnected = errors.New("client: not connected")
)

const (
	defaultMaxRetries  = 5
	defaultRetryBase   = 1 * time.Second
	defaultDialTimeout = 10 * time.Second
)

// Config configures a Client. URL is the websocket endpoint (ws:// or wss://)
// and Token the JWT presented during the handshake.
type Config struct {
	URL   string
	Token string

	// MaxRetries bounds reconnect attempts after an unclean drop; RetryBase
	// seeds the exponential delay (base, 2*base, 4*base, ...). Zero values
	// take the defaults of 5 and 1s.
	MaxRetries int
	RetryBase  time.Duration

	DialTimeout time.Duration
	Log         zerolog.Logger
}

// Client is a reconnecting push connection. All methods are safe for
// concurrent use.
type Client struct {
	cfg    Config
	log    zerolog.Logger
	dialer *websocket.Dialer

	subs   *subscriptionSet
	router *router

	// writeMu serializes frame writes; gorilla allows one concurrent writer.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      State
	ws         *websocket.Conn
	attempt    int
	retryTimer *time.Timer
	lastErr    error
	// gen invalidates stale read loops and retry timers after Disconnect or
	// an overlapping Connect.
	gen uint64
}

// New creates a Client. Connect must be called before any frames flow.
func New(cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.URL); err != nil || cfg.URL == "" {
		return nil, fmt.Errorf("client: invalid endpoint %q", cfg.URL)
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	return &Client{
		cfg:    cfg,
		log:    cfg.Log.With().Str("component", "client").Logger(),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		subs:   newSubscriptionSet(),
		router: newRouter(defaultSeenCapacity),
	}, nil
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal error of the last connection, if any. It is set
// when the reconnect budget runs out and cleared by the next Connect.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Connect dials the push endpoint. The initial dial is synchronous: an error
// return means no connection exists and no retries are pending. A Connect
// issued while a reconnect wait is in flight supersedes it.
func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.Token == "" {
		return ErrNoCredential
	}

	c.mu.Lock()
	if c.state == StateOpen {
		c.mu.Unlock()
		return nil
	}
	c.cancelRetryLocked()
	c.gen++
	gen := c.gen
	c.state = StateConnecting
	c.lastErr = nil
	c.attempt = 0
	c.mu.Unlock()

	ws, err := c.dial(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		// A concurrent Connect or Disconnect took over.
		if ws != nil {
			_ = ws.Close()
		}
		return errors.New("client: connect superseded")
	}
	if err != nil {
		c.state = StateClosed
		return fmt.Errorf("client: connect: %w", err)
	}
	c.adoptLocked(ws, gen)
	return nil
}

// Disconnect closes the connection cleanly and discards all subscription
// state. Handlers registered before Disconnect never fire again.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.cancelRetryLocked()
	c.gen++
	ws := c.ws
	c.ws = nil
	c.state = StateClosed
	c.mu.Unlock()

	if ws != nil {
		c.writeMu.Lock()
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = ws.Close()
	}

	c.subs.clear()
	c.router.reset()
	c.log.Debug().Msg("disconnected")
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("token", c.cfg.Token)
	u.RawQuery = q.Encode()

	ws, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: status %d: %w", c.cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return ws, nil
}

// adoptLocked installs a freshly dialed connection, replays the current
// subscriptions and starts the read loop. Caller holds c.mu.
func (c *Client) adoptLocked(ws *websocket.Conn, gen uint64) {
	c.ws = ws
	c.state = StateOpen
	c.attempt = 0
	c.log.Info().Msg("connection open")

	go c.readLoop(ws, gen)
	go c.replaySubscriptions(ws)
}

// replaySubscriptions re-sends a subscribe frame for every topic with at
// least one handler. The server holds subscriptions per connection, so a
// reconnect starts from a blank slate.
func (c *Client) replaySubscriptions(ws *websocket.Conn) {
	for _, topic := range c.subs.topics() {
		if err := c.writeControl(ws, wire.ActionSubscribe, topic); err != nil {
			c.log.Warn().Str("topic", topic).Err(err).Msg("subscription replay failed")
			return
		}
		c.log.Debug().Str("topic", topic).Msg("subscription replayed")
	}
}

func (c *Client) writeControl(ws *websocket.Conn, action, channelID string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(wire.ControlFrame{Action: action, ChannelID: channelID})
}

func (c *Client) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.handleDrop(ws, gen, err)
			return
		}
		c.handleFrame(raw)
	}
}

// handleDrop reacts to a broken read loop. Every drop the client did not
// initiate schedules a reconnect — including a close handshake started by
// the server, which from this side is just a connection it still wants. Only
// a superseded generation (a local Disconnect or a newer Connect) ends the
// lifecycle quietly.
func (c *Client) handleDrop(ws *websocket.Conn, gen uint64, err error) {
	_ = ws.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	c.ws = nil

	c.log.Warn().Err(err).Msg("connection dropped")
	c.scheduleReconnectLocked(gen)
}

// scheduleReconnectLocked arms the retry timer for the next attempt, or gives
// up once the budget is spent. Caller holds c.mu.
func (c *Client) scheduleReconnectLocked(gen uint64) {
	if c.attempt >= c.cfg.MaxRetries {
		c.state = StateClosed
		c.lastErr = ErrRetriesExhausted
		c.log.Error().Int("attempts", c.attempt).Msg("reconnect retries exhausted")
		return
	}

	delay := c.cfg.RetryBase * (1 << c.attempt)
	c.attempt++
	c.state = StateConnecting
	c.log.Info().Int("attempt", c.attempt).Dur("delay", delay).Msg("reconnecting")

	c.retryTimer = time.AfterFunc(delay, func() {
		c.redial(gen)
	})
}

// redial runs one reconnect attempt from the retry timer.
func (c *Client) redial(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DialTimeout)
	ws, err := c.dial(ctx)
	cancel()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		if ws != nil {
			_ = ws.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn().Int("attempt", c.attempt).Err(err).Msg("reconnect attempt failed")
		c.scheduleReconnectLocked(gen)
		return
	}
	c.adoptLocked(ws, gen)
}

func (c *Client) cancelRetryLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// handleFrame demuxes one inbound frame. Push frames go through the dedup
// router to topic handlers; control acks are logged and dropped.
func (c *Client) handleFrame(raw []byte) {
	frame, err := wire.ParsePushFrame(raw)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping undecodable frame")
		return
	}
	if frame.Type == "" {
		// Not a push frame; acks are advisory.
		c.log.Debug().RawJSON("frame", raw).Msg("control ack")
		return
	}
	if !c.router.admit(frame.Message.ID) {
		c.log.Debug().Str("message_id", frame.Message.ID).Msg("dropping duplicate")
		return
	}

	handlers := c.subs.handlersFor(frame.Message.Topic())
	if len(handlers) == 0 {
		c.log.Debug().Str("topic", frame.Message.Topic()).Msg("no handler for topic")
		return
	}
	for _, handler := range handlers {
		handler(frame.Type, frame.Message)
	}
}

// MarkSeen records a message id as already delivered, so a subsequent push of
// the same message is suppressed. Callers use it for messages they obtained
// out of band, typically their own sends echoed back by the REST API.
func (c *Client) MarkSeen(messageID string) {
	c.router.admit(messageID)
}
