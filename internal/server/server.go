package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/fmueller/whisperd/internal/config"
	"github.com/fmueller/whisperd/internal/metrics"
	"github.com/fmueller/whisperd/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	ServiceName     = "whisper-inference-service"
	ShutdownTimeout = 30 * time.Second
)

type Readiness interface {
	IsReady() bool
}

type Transcriber interface {
	Transcribe(ctx context.Context, req service.Request) (*service.Result, error)
}

type Options struct {
	Readiness   Readiness
	Transcriber Transcriber
	Metrics     *metrics.Recorder
	// Service supplies the metric labels.
	Service           config.ServiceConfig
	MaxFileSize       int64
	AllowedExtensions []string
	// RequestTimeout bounds each transcription; zero means no bound.
	RequestTimeout time.Duration
	Version        string
	Logger         *zap.Logger
}

type Server struct {
	opts   Options
	log    *zap.Logger
	engine *gin.Engine
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(opts.Readiness.IsReady)
	}

	s := &Server{opts: opts, log: opts.Logger}
	s.opts.Metrics.Prime(opts.Service.ModelSize(), string(opts.Service.Compute()))

	engine := gin.New()
	engine.Use(
		recoveryMiddleware(s.log),
		requestIDMiddleware(),
		accessLogMiddleware(s.log),
		corsMiddleware(),
	)
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not Found"})
	})

	engine.GET("/", s.handleRoot)
	engine.GET("/docs", s.handleDocs)
	engine.GET("/healthz", s.handleHealth)
	engine.GET("/readyz", s.handleReady)
	engine.GET("/metrics", gin.WrapH(s.opts.Metrics.Handler()))
	engine.POST("/transcribe", s.handleTranscribe)

	s.engine = engine
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve runs until ctx ends, then drains connections for up to ShutdownTimeout.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("http server listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down http server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"version": s.opts.Version,
		"status":  "running",
		"docs":    "/docs",
		"health":  "/healthz",
		"ready":   "/readyz",
		"metrics": "/metrics",
	})
}

func (s *Server) handleDocs(c *gin.Context) {
	routes := s.engine.Routes()
	out := make([]gin.H, 0, len(routes))
	for _, route := range routes {
		out = append(out, gin.H{"method": route.Method, "path": route.Path})
	}
	c.JSON(http.StatusOK, gin.H{
		"service": ServiceName,
		"version": s.opts.Version,
		"routes":  out,
		"transcribe": gin.H{
			"form":               []string{"file"},
			"query":              []string{"language", "task"},
			"tasks":              []string{"transcribe", "translate"},
			"max_file_size":      s.opts.MaxFileSize,
			"allowed_extensions": s.opts.AllowedExtensions,
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": ServiceName})
}

func (s *Server) handleReady(c *gin.Context) {
	if !s.opts.Readiness.IsReady() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": "Whisper service not ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready", "service": ServiceName})
}
