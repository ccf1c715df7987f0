// Package session owns the persistent bidirectional connection to the
// backend: authentication handshake, heartbeat/presence, typed envelope
// dispatch, and bounded reconnection. All outbound traffic and all
// subscriptions funnel through one Client; nothing else opens a
// competing connection.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// Status is the connection lifecycle value.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Authenticated
	Failed
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Authenticated:
		return "authenticated"
	case Failed:
		return "error"
	default:
		return "disconnected"
	}
}

var (
	// ErrAuthRejected is a hard failure: the server refused the stored
	// credential. Callers clear it and force re-authentication.
	ErrAuthRejected = errors.New("session: credential rejected")
	// ErrReconnectExhausted is a terminal soft failure: automatic retries
	// ran out. The credential is still presumed good.
	ErrReconnectExhausted = errors.New("session: reconnect attempts exhausted")
	// ErrNotAuthenticated gates sends issued before the handshake completed.
	ErrNotAuthenticated = errors.New("session: not authenticated")
	// ErrClosed reports use after Disconnect.
	ErrClosed = errors.New("session: client closed")
)

type Config struct {
	Endpoint string // ws:// or wss:// URL
	Token    string
	DeviceID string
	UserID   string

	HeartbeatInterval time.Duration // default 5s
	StaleAfter        time.Duration // default 15s
	ReconnectInterval time.Duration // default 3s
	MaxReconnects     uint64        // default 8 attempts total
	ConnectTimeout    time.Duration // default 15s
}

func (c *Config) fillDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 15 * time.Second
	}
	if c.ReconnectInterval <= 0 {
		c.ReconnectInterval = 3 * time.Second
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = 8
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
}

// Handler receives one inbound envelope. Handlers run synchronously on
// the read loop, in subscriber-registration order.
type Handler func(Envelope)

type subscriber struct {
	id int
	fn Handler
}

// StatusFunc observes connection status changes. err is non-nil for the
// Failed status and distinguishes ErrAuthRejected from
// ErrReconnectExhausted.
type StatusFunc func(status Status, err error)

// Client is the session protocol client.
type Client struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	writeMu sync.Mutex // serializes websocket writes

	mu            sync.Mutex
	conn          *websocket.Conn
	status        Status
	sessionID     string
	generation    int // bumps per physical connection
	closed        bool
	reconnecting  bool
	reconnectStop context.CancelFunc

	hbSeq      uint64
	lastAckSeq uint64
	lastAckAt  time.Time

	subs      map[MessageType][]subscriber
	nextSubID int

	onStatus StatusFunc
}

func NewClient(cfg Config, logger zerolog.Logger) *Client {
	cfg.fillDefaults()
	return &Client{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		subs:   make(map[MessageType][]subscriber),
	}
}

// OnStatus registers the single status observer.
func (c *Client) OnStatus(fn StatusFunc) {
	c.mu.Lock()
	c.onStatus = fn
	c.mu.Unlock()
}

func (c *Client) setStatus(status Status, err error) {
	c.mu.Lock()
	changed := c.status != status
	c.status = status
	fn := c.onStatus
	c.mu.Unlock()
	if changed && fn != nil {
		fn(status, err)
	}
}

// Connect dials, authenticates, and resolves once the server granted a
// session id. A credential rejection returns ErrAuthRejected; transport
// problems return the underlying error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	return c.connectOnce(ctx)
}

func (c *Client) connectOnce(ctx context.Context) error {
	c.setStatus(Connecting, nil)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.Endpoint, nil)
	if err != nil {
		c.setStatus(Disconnected, nil)
		return fmt.Errorf("session dial: %w", err)
	}
	c.setStatus(Connected, nil)

	payload, _ := json.Marshal(AuthPayload{Token: c.cfg.Token, DeviceID: c.cfg.DeviceID})
	if err := c.writeEnvelope(conn, Envelope{Type: TypeAuth, Payload: payload}); err != nil {
		conn.Close()
		c.setStatus(Disconnected, nil)
		return fmt.Errorf("session auth send: %w", err)
	}

	// Synchronous auth phase: nothing is usable until auth_ok. Inbound
	// envelopes that race ahead of it are queued and dispatched after.
	var pending []Envelope
	conn.SetReadDeadline(c.now().Add(c.cfg.ConnectTimeout))
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			conn.Close()
			c.setStatus(Disconnected, nil)
			return fmt.Errorf("session auth read: %w", err)
		}
		if env.Type == TypeAuthErr {
			var p AuthErrPayload
			env.Decode(&p)
			conn.Close()
			c.setStatus(Failed, ErrAuthRejected)
			return fmt.Errorf("%w: %s", ErrAuthRejected, p.Reason)
		}
		if env.Type != TypeAuthOK {
			pending = append(pending, env)
			continue
		}

		var ok AuthOKPayload
		if err := env.Decode(&ok); err != nil {
			conn.Close()
			c.setStatus(Disconnected, nil)
			return fmt.Errorf("session auth decode: %w", err)
		}
		conn.SetReadDeadline(time.Time{})

		c.mu.Lock()
		c.conn = conn
		c.generation++
		gen := c.generation
		c.sessionID = ok.SessionID
		c.lastAckAt = c.now()
		c.mu.Unlock()

		c.setStatus(Authenticated, nil)
		c.logger.Info().Str("session_id", ok.SessionID).Msg("authenticated")

		c.dispatch(env)
		for _, p := range pending {
			c.dispatch(p)
		}

		go c.readLoop(conn, gen)
		go c.heartbeatLoop(conn, gen)
		return nil
	}
}

func (c *Client) writeEnvelope(conn *websocket.Conn, env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Send marshals payload into an envelope. Any message other than the
// handshake and heartbeat is rejected until the client is authenticated;
// it is never silently dropped.
func (c *Client) Send(t MessageType, payload any) error {
	c.mu.Lock()
	conn := c.conn
	status := c.status
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if status != Authenticated && t != TypeAuth && t != TypeHeartbeat {
		return fmt.Errorf("%w: cannot send %s", ErrNotAuthenticated, t)
	}
	if conn == nil {
		return ErrNotAuthenticated
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("session marshal %s: %w", t, err)
	}
	return c.writeEnvelope(conn, Envelope{Type: t, Payload: raw})
}

// On subscribes to one message type and returns an unsubscribe function.
// Unsubscribing from inside a handler is safe.
func (c *Client) On(t MessageType, fn Handler) func() {
	c.mu.Lock()
	c.nextSubID++
	id := c.nextSubID
	c.subs[t] = append(c.subs[t], subscriber{id: id, fn: fn})
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		list := c.subs[t]
		for i, s := range list {
			if s.id == id {
				c.subs[t] = append(append([]subscriber(nil), list[:i]...), list[i+1:]...)
				return
			}
		}
	}
}

func (c *Client) dispatch(env Envelope) {
	if env.Type == TypeHeartbeatAck {
		var ack HeartbeatAckPayload
		env.Decode(&ack)
		c.mu.Lock()
		c.lastAckSeq = ack.Seq
		c.lastAckAt = c.now()
		c.mu.Unlock()
	}

	c.mu.Lock()
	list := append([]subscriber(nil), c.subs[env.Type]...)
	c.mu.Unlock()
	for _, s := range list {
		s.fn(env)
	}
}

func (c *Client) readLoop(conn *websocket.Conn, gen int) {
	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleTransportLoss(conn, gen, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) handleTransportLoss(conn *websocket.Conn, gen int, cause error) {
	conn.Close()

	c.mu.Lock()
	stale := gen != c.generation || c.closed
	if !stale {
		c.conn = nil
		if c.reconnecting {
			stale = true
		} else {
			c.reconnecting = true
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if closed {
		c.setStatus(Disconnected, nil)
		return
	}
	if stale {
		return
	}

	c.logger.Warn().Err(cause).Msg("transport lost, reconnecting")
	go c.reconnect()
}

// reconnect retries the full connect handshake at a fixed interval for a
// bounded number of attempts. Auth rejection aborts immediately as a hard
// failure; running out of attempts surfaces ErrReconnectExhausted, which
// callers treat as "offer manual retry", not "re-authenticate".
func (c *Client) reconnect() {
	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.reconnectStop = cancel
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.reconnectStop = nil
		c.mu.Unlock()
		cancel()
	}()

	backoff := retry.WithMaxRetries(c.cfg.MaxReconnects-1, retry.NewConstant(c.cfg.ReconnectInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.connectOnce(ctx); err != nil {
			if errors.Is(err, ErrAuthRejected) {
				return err
			}
			c.logger.Warn().Err(err).Msg("reconnect attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})

	switch {
	case err == nil:
		c.logger.Info().Msg("reconnected")
	case errors.Is(err, ErrAuthRejected):
		c.setStatus(Failed, ErrAuthRejected)
	case ctx.Err() != nil:
		// Disconnect raced the retry loop.
	default:
		c.logger.Error().Err(err).Msg("reconnect attempts exhausted")
		c.setStatus(Failed, ErrReconnectExhausted)
	}
}

func (c *Client) heartbeatLoop(conn *websocket.Conn, gen int) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		live := gen == c.generation && !c.closed && c.conn == conn
		c.hbSeq++
		seq := c.hbSeq
		c.mu.Unlock()
		if !live {
			return
		}
		if err := c.Send(TypeHeartbeat, HeartbeatPayload{Seq: seq}); err != nil {
			return
		}
	}
}

// Disconnect closes the connection and stops any reconnection in flight.
// The client is not reusable afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.conn = nil
	stop := c.reconnectStop
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		c.writeMu.Lock()
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(2*time.Second))
		c.writeMu.Unlock()
		conn.Close()
	}
	c.setStatus(Disconnected, nil)
}

// IsAuthenticated reports whether the handshake has completed on the
// current connection.
func (c *Client) IsAuthenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == Authenticated
}

// CurrentSessionID returns the server-assigned session id, empty before
// auth.
func (c *Client) CurrentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) UserID() string { return c.cfg.UserID }

func (c *Client) DeviceID() string { return c.cfg.DeviceID }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// PresenceOK reports liveness: authenticated and a heartbeat ack within
// the staleness window. Executable actions are blocked when this is false.
func (c *Client) PresenceOK() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != Authenticated {
		return false
	}
	return c.now().Sub(c.lastAckAt) <= c.cfg.StaleAfter
}

// LastHeartbeatSeq returns the most recently acknowledged heartbeat seq.
func (c *Client) LastHeartbeatSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastAckSeq
}
