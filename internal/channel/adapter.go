// Package channel maintains the push subscription to the simulation backend.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mizkun/project-anima3-sub000/internal/protocol"
)

// Defaults
const (
	DefaultBaseDelay   = time.Second
	DefaultMaxAttempts = 5
	DefaultMaxDelay    = 5 * time.Minute
	DefaultReadLimit   = 1 << 20
	pongWait           = 60 * time.Second
	writeWait          = 10 * time.Second
)

// ErrClosed is returned by Connect after Close.
var ErrClosed = errors.New("channel closed")

// State is the connection state exposed for display.
type State struct {
	Connected         bool
	ReconnectAttempts int
}

// DialFunc opens the transport-level connection.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// AfterFunc schedules f after d and returns a function that cancels it.
type AfterFunc func(d time.Duration, f func()) (stop func() bool)

// Option configures an Adapter.
type Option func(*Adapter)

// WithBackoff sets the base reconnect delay and the attempt ceiling.
func WithBackoff(base time.Duration, maxAttempts int) Option {
	return func(a *Adapter) {
		if base > 0 {
			a.baseDelay = base
		}
		if maxAttempts >= 0 {
			a.maxAttempts = maxAttempts
		}
	}
}

// WithMaxDelay caps a single reconnect delay.
func WithMaxDelay(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.maxDelay = d
		}
	}
}

// WithReadLimit caps the size of one inbound frame.
func WithReadLimit(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.readLimit = n
		}
	}
}

// WithDialer replaces the websocket dial.
func WithDialer(dial DialFunc) Option {
	return func(a *Adapter) {
		if dial != nil {
			a.dial = dial
		}
	}
}

// WithScheduler replaces the reconnect timer.
func WithScheduler(after AfterFunc) Option {
	return func(a *Adapter) {
		if after != nil {
			a.after = after
		}
	}
}

// WithStateHandler registers a callback for connection state changes.
func WithStateHandler(fn func(State)) Option {
	return func(a *Adapter) {
		a.onState = fn
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// Adapter owns one logical push subscription and its reconnect schedule.
// Decoded messages are delivered to the handler on the read goroutine.
type Adapter struct {
	url         string
	handler     func(protocol.Message)
	onState     func(State)
	dial        DialFunc
	after       AfterFunc
	baseDelay   time.Duration
	maxAttempts int
	maxDelay    time.Duration
	readLimit   int64
	logger      *slog.Logger

	mu         sync.Mutex
	conn       *websocket.Conn
	connecting bool
	attempts   int
	closed     bool
	stopTimer  func() bool
}

// New creates an adapter for the push endpoint at url.
func New(url string, handler func(protocol.Message), opts ...Option) *Adapter {
	a := &Adapter{
		url:         url,
		handler:     handler,
		baseDelay:   DefaultBaseDelay,
		maxAttempts: DefaultMaxAttempts,
		maxDelay:    DefaultMaxDelay,
		readLimit:   DefaultReadLimit,
		logger:      slog.Default(),
		after: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	a.dial = func(ctx context.Context, url string) (*websocket.Conn, error) {
		conn, _, err := dialer.DialContext(ctx, url, nil)
		return conn, err
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// State returns the current connection state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Adapter) stateLocked() State {
	return State{Connected: a.conn != nil, ReconnectAttempts: a.attempts}
}

func (a *Adapter) notify(st State) {
	if a.onState != nil {
		a.onState(st)
	}
}

// Connect opens the channel. It is a no-op while a connection is open or being opened.
// A failed dial schedules a reconnect like a transport close does.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	if a.conn != nil || a.connecting {
		a.mu.Unlock()
		return nil
	}
	a.connecting = true
	a.cancelTimerLocked()
	a.mu.Unlock()

	conn, err := a.dial(ctx, a.url)

	a.mu.Lock()
	a.connecting = false
	if err != nil {
		a.scheduleReconnectLocked()
		st := a.stateLocked()
		a.mu.Unlock()
		a.notify(st)
		return fmt.Errorf("failed to connect push channel: %w", err)
	}
	if a.closed {
		a.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	a.conn = conn
	a.attempts = 0
	st := a.stateLocked()
	a.mu.Unlock()

	a.logger.Info("push channel connected", slog.String("url", a.url))
	a.notify(st)

	go a.readLoop(conn)
	return nil
}

// Reconnect resets the attempt counter and connects if not connected.
func (a *Adapter) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	a.attempts = 0
	a.cancelTimerLocked()
	st := a.stateLocked()
	a.mu.Unlock()

	a.notify(st)
	return a.Connect(ctx)
}

// SetVisible reconnects on becoming visible if not connected and attempts remain.
// Becoming hidden does not disconnect.
func (a *Adapter) SetVisible(ctx context.Context, visible bool) error {
	if !visible {
		return nil
	}
	a.mu.Lock()
	eligible := !a.closed && a.conn == nil && !a.connecting && a.attempts < a.maxAttempts
	a.mu.Unlock()
	if !eligible {
		return nil
	}
	return a.Connect(ctx)
}

// Close shuts the channel down for good and cancels any pending reconnect.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.cancelTimerLocked()
	conn := a.conn
	a.conn = nil
	st := a.stateLocked()
	a.mu.Unlock()

	a.notify(st)
	if conn == nil {
		return nil
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

func (a *Adapter) readLoop(conn *websocket.Conn) {
	conn.SetReadLimit(a.readLimit)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.logger.Warn("push channel read failed", slog.String("error", err.Error()))
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			a.logger.Warn("dropping push message", slog.String("error", err.Error()))
			continue
		}
		if a.handler != nil {
			a.handler(msg)
		}
	}
	conn.Close()

	a.mu.Lock()
	if a.conn != conn {
		// closed by Close
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.scheduleReconnectLocked()
	st := a.stateLocked()
	a.mu.Unlock()

	a.logger.Info("push channel closed")
	a.notify(st)
}

// scheduleReconnectLocked waits baseDelay*2^attempts, capped at maxDelay,
// before the next attempt and gives up once maxAttempts have been scheduled.
func (a *Adapter) scheduleReconnectLocked() {
	if a.closed || a.stopTimer != nil {
		return
	}
	if a.attempts >= a.maxAttempts {
		a.logger.Warn("push channel reconnect abandoned", slog.Int("attempts", a.attempts))
		return
	}
	delay := a.backoff(a.attempts)
	a.attempts++
	a.logger.Info("push channel reconnect scheduled",
		slog.Int("attempt", a.attempts),
		slog.Duration("delay", delay),
	)
	a.stopTimer = a.after(delay, a.reconnectFromTimer)
}

// backoff doubles baseDelay attempt times, saturating at maxDelay.
func (a *Adapter) backoff(attempt int) time.Duration {
	delay := min(a.baseDelay, a.maxDelay)
	for range attempt {
		if delay >= a.maxDelay/2 {
			return a.maxDelay
		}
		delay *= 2
	}
	return delay
}

func (a *Adapter) reconnectFromTimer() {
	a.mu.Lock()
	a.stopTimer = nil
	a.mu.Unlock()

	if err := a.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
		a.logger.Debug("push channel reconnect failed", slog.String("error", err.Error()))
	}
}

func (a *Adapter) cancelTimerLocked() {
	if a.stopTimer != nil {
		a.stopTimer()
		a.stopTimer = nil
	}
}
