// Package server exposes a read-only HTTP view of autofix for dashboards.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/imkarma/autofix/internal/store"
)

// HealthSource reports current health.
type HealthSource interface {
	Health() store.SystemHealth
}

// EventSource reads bus history.
type EventSource interface {
	History(ctx context.Context, eventType string, limit int) ([]store.Event, error)
}

// Ledger reads tasks and cycle history.
type Ledger interface {
	ListTasks(status store.TaskStatus) ([]store.TaskRequest, error)
	ListCycles(limit int) ([]store.CycleRun, error)
}

// Server serves:
//
//	GET /health          current SystemHealth
//	GET /events?type&limit  bus history, oldest first
//	GET /tasks?status    task ledger
//	GET /cycles?limit    recent cycles, newest first
//	GET /metrics         Prometheus exposition
type Server struct {
	health HealthSource
	events EventSource
	ledger Ledger
	logger *slog.Logger
	engine *gin.Engine
}

// New builds the router.
func New(health HealthSource, events EventSource, ledger Ledger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		health: health,
		events: events,
		ledger: ledger,
		logger: logger.With("component", "server"),
	}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.GET("/health", s.handleHealth)
	r.GET("/events", s.handleEvents)
	r.GET("/tasks", s.handleTasks)
	r.GET("/cycles", s.handleCycles)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("http listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, s.health.Health())
}

func (s *Server) handleEvents(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	events, err := s.events.History(c.Request.Context(), c.Query("type"), limit)
	if err != nil {
		s.fail(c, "read events", err)
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	c.JSON(http.StatusOK, events)
}

func (s *Server) handleTasks(c *gin.Context) {
	tasks, err := s.ledger.ListTasks(store.TaskStatus(c.Query("status")))
	if err != nil {
		s.fail(c, "list tasks", err)
		return
	}
	if tasks == nil {
		tasks = []store.TaskRequest{}
	}
	c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleCycles(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	if limit == 0 {
		limit = 20
	}
	cycles, err := s.ledger.ListCycles(limit)
	if err != nil {
		s.fail(c, "list cycles", err)
		return
	}
	if cycles == nil {
		cycles = []store.CycleRun{}
	}
	c.JSON(http.StatusOK, cycles)
}

func (s *Server) fail(c *gin.Context, what string, err error) {
	s.logger.Error(what, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// queryLimit parses ?limit. It writes a 400 and returns false when the
// value is not a non-negative integer.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return 0, false
	}
	return n, true
}
