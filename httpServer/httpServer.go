package httpServer

import (
	"context"
	"errors"
	"net/http"
	"time"

	"camstream/internal/metrics"
	"camstream/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// StatusFunc returns the current pipeline status
type StatusFunc func() models.PipelineStatus

// Server wraps the HTTP status API with its dependencies
type Server struct {
	router   *gin.Engine
	status   StatusFunc
	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
}

// New creates the status API server
func New(status StatusFunc, gatherer prometheus.Gatherer, m *metrics.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		status:   status,
		gatherer: gatherer,
		metrics:  m,
		logger:   logger,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.observe)

	api := router.Group("/api")
	{
		api.GET("/ping", s.handlePing)
		api.GET("/v1/status", s.handleStatus)
	}

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router = router
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// observe records request metrics and logs at debug level
func (s *Server) observe(c *gin.Context) {
	start := time.Now()
	c.Next()

	path := c.FullPath()
	if path == "" {
		path = "unmatched"
	}
	elapsed := time.Since(start)
	s.metrics.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), elapsed.Seconds())
	s.logger.Debug().
		Str("method", c.Request.Method).
		Str("path", path).
		Int("status", c.Writer.Status()).
		Dur("elapsed", elapsed).
		Msg("HTTP request")
}

// Handler implementations

func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message": "pong",
		"time":    time.Now().Unix(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
	c.JSON(http.StatusOK, s.status())
}
