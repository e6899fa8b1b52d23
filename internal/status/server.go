package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lockerlink/livelink/internal/connection"
	"github.com/lockerlink/livelink/internal/lifecycle"
	"github.com/lockerlink/livelink/internal/session"
	"github.com/lockerlink/livelink/internal/store"
)

// ConnectionStatus reports the connection manager's state.
type ConnectionStatus interface {
	Status() connection.Status
}

// DeviceStore is the part of the shared store the API reads and selects on.
type DeviceStore interface {
	session.DeviceSource
	State() store.State
	Select(id string) bool
}

// LiveSession turns live updates on and off.
type LiveSession interface {
	SetEnabled(ctx context.Context, enabled bool)
	Enabled() bool
}

// AppLifecycle receives app state transitions.
type AppLifecycle interface {
	Current() lifecycle.AppState
	Set(state lifecycle.AppState)
}

// Deps are the components the API exposes.
type Deps struct {
	Connection ConnectionStatus
	Devices    DeviceStore
	Messages   session.MessageSource
	Session    LiveSession
	Lifecycle  AppLifecycle
}

// Config holds the listen address and identity.
type Config struct {
	Host     string
	Port     int
	Instance string
	Version  string
}

// Server is the local status API.
type Server struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	engine *gin.Engine

	mu         sync.RWMutex
	components map[string]func() any

	srv *http.Server
	wg  sync.WaitGroup
}

// NewServer creates the status API.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "status")

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	setupMiddleware(engine, logger)

	s := &Server{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		engine:     engine,
		components: make(map[string]func() any),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/status", s.status)

	devices := s.engine.Group("/devices")
	{
		devices.GET("", s.listDevices)
		devices.GET("/:id", s.getDevice)
		devices.POST("/:id/select", s.selectDevice)
	}

	s.engine.POST("/session", s.setSession)
	s.engine.POST("/lifecycle/:state", s.setLifecycle)
}

// AddComponent registers a stats source reported under /status.
func (s *Server) AddComponent(name string, stats func() any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[name] = stats
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("status server failed", "error", err)
		}
	}()

	s.logger.Info("status server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	s.wg.Wait()
	s.logger.Info("status server stopped")
	return nil
}
