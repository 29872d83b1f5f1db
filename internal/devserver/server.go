// Package devserver is a scripted simulation backend serving the status,
// command and push endpoints the console consumes.
package devserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mizkun/project-anima3-sub000/internal/backend"
	"github.com/mizkun/project-anima3-sub000/internal/domain"
	"github.com/mizkun/project-anima3-sub000/internal/protocol"
)

const (
	writeTimeout   = 10 * time.Second
	readTimeout    = 60 * time.Second
	pingInterval   = 30 * time.Second
	maxMessageSize = 65536
)

// Option configures a Server.
type Option func(*Server)

// WithTurnInterval makes started runs advance on their own every d. Zero
// keeps runs manual (next-turn only).
func WithTurnInterval(d time.Duration) Option {
	return func(s *Server) {
		s.turnInterval = d
	}
}

// WithScene sets the initial scene name.
func WithScene(scene string) Option {
	return func(s *Server) {
		s.scene = scene
	}
}

// WithCharacters replaces the default cast.
func WithCharacters(characters []domain.Character) Option {
	return func(s *Server) {
		s.characters = characters
	}
}

// WithClock sets the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRequestLog enables echo's request logger middleware.
func WithRequestLog(enabled bool) Option {
	return func(s *Server) {
		s.requestLog = enabled
	}
}

// Server is the dev backend.
type Server struct {
	echo     *echo.Echo
	hub      *Hub
	sim      *Simulation
	upgrader websocket.Upgrader

	turnInterval time.Duration
	scene        string
	characters   []domain.Character
	now          func() time.Time
	requestLog   bool
	logger       *slog.Logger
}

// NewServer creates a dev backend. Call Run before serving requests.
func NewServer(opts ...Option) *Server {
	s := &Server{
		scene:  "放課後の教室",
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(s.logger)
	s.sim = NewSimulation(s.characters, s.scene, s.now)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	if s.requestLog {
		e.Use(middleware.Logger())
	}
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		TargetHeader: backend.HeaderRequestID,
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/ws", s.handleWebSocket)
	e.GET(backend.PathStatus, s.handleStatus)
	e.GET(backend.PathCharacters, s.handleCharacters)
	e.POST(backend.PathStart, s.handleStart)
	e.POST(backend.PathStop, s.command(s.sim.Stop))
	e.POST(backend.PathNextTurn, s.command(s.sim.NextTurn))
	e.POST(backend.PathIntervention, s.handleIntervention)
	e.POST(backend.PathPause, s.command(s.sim.Pause))
	e.POST(backend.PathResume, s.command(s.sim.Resume))

	s.echo = e
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Simulation exposes the scripted engine, e.g. to inject failures.
func (s *Server) Simulation() *Simulation {
	return s.sim
}

// Hub exposes the push hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run drives the push hub and, when configured, autoplay turns until ctx is done.
func (s *Server) Run(ctx context.Context) {
	go s.hub.Run(ctx)

	if s.turnInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(s.turnInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publish(s.sim.Tick())
		}
	}
}

// Fail moves the simulation into the error state and pushes the failure.
func (s *Server) Fail(message string) {
	s.publish(s.sim.Fail(message))
}

// Start starts the HTTP server.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) publish(frames [][]byte) {
	for _, f := range frames {
		s.hub.Broadcast(f)
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "healthy",
		"connections": s.hub.ConnectionCount(),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, s.sim.Snapshot())
}

func (s *Server) handleCharacters(c echo.Context) error {
	return c.JSON(http.StatusOK, domain.CharacterList{Characters: s.sim.Characters()})
}

func (s *Server) handleStart(c echo.Context) error {
	var req domain.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	frames, err := s.sim.Start(req.Config, s.turnInterval > 0)
	return s.respond(c, "simulation started", frames, err)
}

func (s *Server) handleIntervention(c echo.Context) error {
	var req domain.InterventionRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	frames, err := s.sim.Intervene(req)
	return s.respond(c, "intervention applied", frames, err)
}

func (s *Server) command(fn func() ([][]byte, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		frames, err := fn()
		return s.respond(c, "ok", frames, err)
	}
}

func (s *Server) respond(c echo.Context, message string, frames [][]byte, err error) error {
	var rej *rejection
	switch {
	case errors.As(err, &rej):
		s.logger.Info("command rejected",
			slog.String("path", c.Path()),
			slog.String("reason", rej.message),
		)
		return c.JSON(rej.code, map[string]string{"error": rej.message})
	case err != nil:
		s.logger.Error("command failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}

	// Frames go out before the response so a client refetching right after the
	// acknowledgement races the push, as it would against the real engine.
	s.publish(frames)
	return c.JSON(http.StatusOK, domain.CommandResponse{Success: true, Message: message})
}

// handleWebSocket upgrades the connection and greets it with the current status.
func (s *Server) handleWebSocket(c echo.Context) error {
	ws, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("failed to upgrade websocket", slog.String("error", err.Error()))
		return err
	}

	greeting, err := protocol.StatusUpdate(s.sim.Snapshot())
	if err != nil {
		greeting = nil
	}
	conn := s.hub.NewConnection(ws, greeting)
	ws.SetReadLimit(maxMessageSize)

	go s.writePump(conn)
	if s.hub.Register(conn) {
		go s.readPump(conn)
	}
	return nil
}

// readPump discards client frames; it exists to process control frames and
// notice disconnects.
func (s *Server) readPump(conn *Connection) {
	defer func() {
		s.hub.Unregister(conn)
		conn.Close()
	}()

	_ = conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		return conn.Conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("websocket error", slog.String("conn_id", conn.ID), slog.String("error", err.Error()))
			}
			return
		}
	}
}

func (s *Server) writePump(conn *Connection) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-conn.Send:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.logger.Warn("failed to write message", slog.String("conn_id", conn.ID), slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = conn.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
