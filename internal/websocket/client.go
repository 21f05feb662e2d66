package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"salonchat/internal/logger"
	"salonchat/internal/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256

	defaultAttempts         = 5
	defaultDelay            = time.Second
	defaultMaxDelay         = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
)

var (
	ErrNotConnected   = errors.New("websocket: not connected")
	ErrSendBufferFull = errors.New("websocket: send buffer full")
	ErrAuthRejected   = errors.New("websocket: authentication rejected")
)

// Handler receives the raw payload of one inbound event.
type Handler func(payload json.RawMessage)

type Options struct {
	URL string
	// Attempts bounds consecutive failed reconnects; the counter resets
	// after every successful connection.
	Attempts         int
	Delay            time.Duration
	MaxDelay         time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *zap.Logger
}

type handlerEntry struct {
	id uint64
	fn Handler
}

// Client owns the single socket connection of a user session. Inbound
// events are dispatched one at a time, in arrival order, from the
// connection goroutine; a writer goroutine owns all writes.
type Client struct {
	opts   Options
	logger *zap.Logger

	mu        sync.Mutex
	token     string
	running   bool
	connected bool
	closed    bool
	send      chan []byte
	kick      chan struct{}

	handlersMu  sync.RWMutex
	handlers    map[string][]handlerEntry
	nextID      uint64
	dispatching atomic.Bool // a handler is running on the connection goroutine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(opts Options) *Client {
	if opts.Attempts <= 0 {
		opts.Attempts = defaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = defaultDelay
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = max(defaultMaxDelay, opts.Delay)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		logger:   logger.OrNop(opts.Logger).Named("websocket"),
		kick:     make(chan struct{}, 1),
		handlers: make(map[string][]handlerEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect starts the connection loop. It is a no-op when a loop is already
// running or when token is empty.
func (c *Client) Connect(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.running || token == "" {
		return
	}
	c.token = token
	c.startLocked()
}

// SetToken replaces the credential used by the next handshake. When the
// client is not connected it reconnects right away instead of waiting for
// the next scheduled attempt.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.token = token
	if token == "" || c.connected {
		return
	}
	if !c.running {
		c.startLocked()
		return
	}
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Client) startLocked() {
	c.running = true
	c.wg.Add(1)
	go c.run()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Emit queues a fire-and-forget event for the live connection.
func (c *Client) Emit(event string, payload any) error {
	env, err := models.NewEnvelope(event, payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}

	c.mu.Lock()
	send := c.send
	c.mu.Unlock()

	if send == nil {
		return ErrNotConnected
	}
	select {
	case send <- data:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// On registers h for event and returns a function that removes it.
func (c *Client) On(event string, h Handler) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: h})
	c.handlersMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { c.off(event, id) })
	}
}

func (c *Client) off(event string, id uint64) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()

	hs := c.handlers[event]
	for i, h := range hs {
		if h.id == id {
			c.handlers[event] = append(hs[:i:i], hs[i+1:]...)
			break
		}
	}
	if len(c.handlers[event]) == 0 {
		delete(c.handlers, event)
	}
}

// Close stops the connection loop and waits for it to exit. Called from a
// handler, or while one is running, it only stops the loop, which exits once
// the handler returns; a later Close waits for that exit.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	if c.dispatching.Load() {
		return nil
	}
	c.wg.Wait()
	return nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.Delay
	b.MaxInterval = c.opts.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.opts.Attempts))
}

func (c *Client) run() {
	defer c.wg.Done()

	b := c.newBackOff()
	for {
		conn, err := c.dial()
		if err == nil {
			b.Reset()
			c.serve(conn)
		} else if c.ctx.Err() == nil {
			c.logger.Warn("connection error", zap.Error(err))
			c.dispatchJSON(models.EventConnectError, models.ErrorPayload{Message: err.Error()})
		}

		if c.ctx.Err() != nil {
			c.stopRunning(false)
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if c.stopRunning(true) {
				c.logger.Error("giving up reconnecting", zap.Int("attempts", c.opts.Attempts))
				return
			}
			b.Reset()
			continue
		}

		c.logger.Debug("reconnecting", zap.Duration("backoff", wait))
		if !c.sleep(wait) {
			c.stopRunning(false)
			return
		}
	}
}

// stopRunning marks the loop as stopped. With allowRestart it keeps the
// loop alive instead when SetToken asked for a reconnect in the meantime.
func (c *Client) stopRunning(allowRestart bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.kick:
		if allowRestart && !c.closed {
			return false
		}
	default:
	}
	c.running = false
	return true
}

func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-c.kick:
		return true
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.HandshakeTimeout)
	defer cancel()

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", c.opts.URL, err)
	}
	if err := c.authenticate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// authenticate sends the credential as the first frame and waits for the
// server's verdict.
func (c *Client) authenticate(conn *websocket.Conn) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	env, err := models.NewEnvelope(models.EventAuth, models.AuthPayload{Token: token})
	if err != nil {
		return err
	}

	deadline := time.Now().Add(c.opts.HandshakeTimeout)
	conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(env); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	conn.SetReadDeadline(deadline)
	var reply models.Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}

	switch reply.Type {
	case models.EventConnect:
		return nil
	case models.EventConnectError, models.EventError:
		var p models.ErrorPayload
		_ = json.Unmarshal(reply.Payload, &p)
		return fmt.Errorf("%w: %s", ErrAuthRejected, p.Message)
	default:
		return fmt.Errorf("unexpected auth reply %q", reply.Type)
	}
}

func (c *Client) serve(conn *websocket.Conn) {
	send := make(chan []byte, sendBufferSize)
	done := make(chan struct{})

	c.mu.Lock()
	c.connected = true
	c.send = send
	c.mu.Unlock()

	c.logger.Info("connected", zap.String("url", c.opts.URL))
	c.dispatch(models.EventConnect, nil)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(conn, send, done)
	}()

	reason := c.readPump(conn)
	close(done)
	conn.Close()
	<-writerDone

	c.mu.Lock()
	c.connected = false
	c.send = nil
	c.mu.Unlock()

	c.logger.Info("disconnected", zap.String("reason", reason))
	c.dispatchJSON(models.EventDisconnect, models.DisconnectPayload{Reason: reason})
}

func (c *Client) readPump(conn *websocket.Conn) string {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("read failed", zap.Error(err))
			}
			return err.Error()
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env models.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("malformed frame", zap.Error(err))
			continue
		}
		c.dispatch(env.Type, env.Payload)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Warn("write failed", zap.Error(err))
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		case <-c.ctx.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
			conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (c *Client) dispatchJSON(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("encoding local event", zap.String("event", event), zap.Error(err))
		return
	}
	c.dispatch(event, data)
}

func (c *Client) dispatch(event string, payload json.RawMessage) {
	c.handlersMu.RLock()
	hs := append([]handlerEntry(nil), c.handlers[event]...)
	c.handlersMu.RUnlock()

	if len(hs) == 0 {
		c.logger.Debug("unhandled event", zap.String("event", event))
		return
	}
	for _, h := range hs {
		c.call(event, h.fn, payload)
	}
}

func (c *Client) call(event string, h Handler, payload json.RawMessage) {
	c.dispatching.Store(true)
	defer func() {
		c.dispatching.Store(false)
		if r := recover(); r != nil {
			c.logger.Error("handler panicked", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	h(payload)
}
