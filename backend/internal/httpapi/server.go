// Package httpapi serves the bot's health and status endpoints.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mochigami/backend/pkg/logger"

	"mochigami/backend/internal/monitor"
	"mochigami/backend/internal/session"
	"mochigami/backend/internal/status"
)

const shutdownTimeout = 5 * time.Second

// StatusSource exposes the last persisted status record
type StatusSource interface {
	Last() status.Record
}

// PhaseSource reports where a session sits in the detection cycle
type PhaseSource interface {
	Phase(st *session.State, now time.Time) monitor.Phase
}

// SessionView is one session as reported by /status
type SessionView struct {
	session.Snapshot
	Phase string `json:"phase"`
}

// StatusResponse is the body of GET /status
type StatusResponse struct {
	Status   status.Record `json:"status"`
	Sessions []SessionView `json:"sessions"`
}

// NewRouter builds the gin engine
func NewRouter(registry *session.Registry, statusSrc StatusSource, phases PhaseSource, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = logger.Get()
	}
	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/status", func(c *gin.Context) {
		now := time.Now()
		resp := StatusResponse{Sessions: []SessionView{}}
		if statusSrc != nil {
			resp.Status = statusSrc.Last()
		}
		for _, st := range registry.Sessions() {
			resp.Sessions = append(resp.Sessions, view(st, phases, now))
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/sessions/:guildId", func(c *gin.Context) {
		st, ok := registry.Get(c.Param("guildId"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
			return
		}
		c.JSON(http.StatusOK, view(st, phases, time.Now()))
	})

	return router
}

func view(st *session.State, phases PhaseSource, now time.Time) SessionView {
	v := SessionView{Snapshot: st.Snapshot(), Phase: monitor.PhaseIdle.String()}
	if phases != nil {
		v.Phase = phases.Phase(st, now).String()
	}
	return v
}

func ginLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		log.Debug("HTTP Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		)
	}
}

// Server runs the router until its context ends
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer creates a server listening on addr
func NewServer(addr string, handler http.Handler, log *zap.Logger) *Server {
	if log == nil {
		log = logger.Get()
	}
	return &Server{
		srv:    &http.Server{Addr: addr, Handler: handler},
		logger: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("Status server started", zap.String("addr", s.srv.Addr))

	select {
	case err := <-errCh:
		if err != nil {
			s.logger.Error("Status server failed", zap.Error(err))
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down status server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("Status server forced to shutdown", zap.Error(err))
		return err
	}
	return nil
}
