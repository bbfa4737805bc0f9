// Package api exposes the monitor's lifecycle operations over HTTP and
// provides the client used by the command line.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tm-go/internal/tm"
)

const shutdownTimeout = 5 * time.Second

// Service is the part of *tm.Monitor served by the API.
type Service interface {
	Track(ctx context.Context, name string, keywords []string) error
	Follow(ctx context.Context, name string, accounts []string) error
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Delete(name string) error
	Info() *tm.Summary
	InfoCrawler(name string) (*tm.CrawlerInfo, error)
	History(limit int) ([]*tm.Operation, error)
	Settings() tm.Settings
}

// Server is the control API HTTP server.
type Server struct {
	service Service
	logger  tm.Logger
	router  *gin.Engine
	server  *http.Server
}

// NewServer creates a server listening on addr once Run is called.
func NewServer(service Service, addr string, logger tm.Logger) *Server {
	if logger == nil {
		logger = tm.NewNopLogger()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))

	s := &Server{
		service: service,
		logger:  logger,
		router:  router,
	}
	s.routes()

	s.server = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/healthz", s.health)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	v1.POST("/crawlers/track", s.create(tm.ModeTrack))
	v1.POST("/crawlers/follow", s.create(tm.ModeFollow))
	v1.POST("/crawlers/:name/pause", s.pause)
	v1.POST("/crawlers/:name/resume", s.resume)
	v1.DELETE("/crawlers/:name", s.deleteCrawler)
	v1.GET("/crawlers/:name", s.crawler)
	v1.GET("/info", s.info)
	v1.GET("/history", s.history)
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control API: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// ctx is already cancelled; shutdown needs its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	s.logger.Info("control API stopped")
	return nil
}

// requestLogger logs one line per request.
func requestLogger(logger tm.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		args := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		}
		if len(c.Errors) > 0 {
			logger.Warn("request failed", append(args, "errors", c.Errors.String())...)
			return
		}
		logger.Debug("request", args...)
	}
}
