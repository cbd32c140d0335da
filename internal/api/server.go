// Package api serves read-only history queries over HTTP.
//
// Routes:
//
//	GET /v1/entities/:type/versions?key=
//	GET /v1/entities/:type/state?key=&as_of_tx=|as_of_time=
//	GET /v1/entities/:type/diff?key=&from=&to=&include_from=&exclude_to=
//	GET /v1/transactions/:id
//	GET /v1/transactions?after=&limit=
//	GET /metrics
//	GET /healthz
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/chronicle/internal/reconstruct"
)

const shutdownTimeout = 5 * time.Second

// Pinger reports backend health. *store.Store satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes a Reader over HTTP.
type Server struct {
	reader   *reconstruct.Reader
	pinger   Pinger
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithPinger makes /healthz check the backend.
func WithPinger(p Pinger) Option {
	return func(s *Server) { s.pinger = p }
}

// WithGatherer serves metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

func NewServer(reader *reconstruct.Reader, opts ...Option) *Server {
	s := &Server{
		reader:   reader,
		gatherer: prometheus.DefaultGatherer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the gin router with every route registered.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/healthz", s.HandleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	RegisterRoutes(router.Group("/v1"), s)
	return router
}

// RegisterRoutes registers the /v1 query routes on rg.
func RegisterRoutes(rg *gin.RouterGroup, s *Server) {
	entities := rg.Group("/entities/:type")
	{
		entities.GET("/versions", s.HandleVersions)
		entities.GET("/state", s.HandleState)
		entities.GET("/diff", s.HandleDiff)
	}

	transactions := rg.Group("/transactions")
	{
		transactions.GET("", s.HandleLog)
		transactions.GET("/:id", s.HandleTransaction)
	}
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestID := getOrCreateRequestID(c)
		c.Next()
		s.logger.Debug("http request",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
