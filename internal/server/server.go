// Package server exposes the sync as an HTTP service for schedulers.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"adsync/internal/pipeline"
)

const shutdownTimeout = 10 * time.Second

// SyncRequest is the optional POST /sync-ads-insights body. Absent fields take
// the server defaults.
type SyncRequest struct {
	DaysBack  *int    `json:"days_back"`
	UseBulk   *bool   `json:"use_bulk"`
	DatasetID *string `json:"dataset_id"`
	ProjectID *string `json:"project_id"`
}

// ErrorResponse is returned for every failed sync request.
type ErrorResponse struct {
	Status               string    `json:"status"`
	Message              string    `json:"message"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	Timestamp            time.Time `json:"timestamp"`
}

// Target selects where a request's sync writes.
type Target struct {
	DatasetID string
	ProjectID string // empty keeps the configured project
}

// Runner executes one sync.
type Runner interface {
	Run(ctx context.Context, opts pipeline.Options) (pipeline.Result, error)
}

// Factory builds a Runner for target. release is called once the run is done.
type Factory func(ctx context.Context, target Target) (r Runner, release func(), err error)

// Defaults apply to fields the request leaves out.
type Defaults struct {
	DaysBack  int
	UseBulk   bool
	DatasetID string
}

type Options struct {
	Factory  Factory
	Defaults Defaults
	Logger   *zap.Logger
	Now      func() time.Time
}

type Server struct {
	factory  Factory
	defaults Defaults
	log      *zap.Logger
	now      func() time.Time

	// mu serializes syncs; they share one staging table.
	mu sync.Mutex

	engine *gin.Engine
}

func New(opts Options) (*Server, error) {
	if opts.Factory == nil {
		return nil, errors.New("server: factory is required")
	}
	s := &Server{
		factory:  opts.Factory,
		defaults: opts.Defaults,
		log:      opts.Logger,
		now:      opts.Now,
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.defaults.DatasetID == "" {
		s.defaults.DatasetID = pipeline.DefaultDataset
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.log))
	r.GET("/", s.root)
	r.GET("/health", s.health)
	r.POST("/sync-ads-insights", s.sync)
	s.engine = r
	return s, nil
}

// Handler returns the routed gin engine.
func (s *Server) Handler() http.Handler { return s.engine }

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (s *Server) root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "StackAdapt to warehouse sync is running"})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": s.now().UTC().Format(time.RFC3339)})
}

func (s *Server) sync(c *gin.Context) {
	start := s.now()

	var req SyncRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.fail(c, http.StatusBadRequest, start, fmt.Errorf("invalid request body: %w", err))
		return
	}
	opts, target, err := s.resolve(req)
	if err != nil {
		s.fail(c, http.StatusBadRequest, start, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// A sync that has started runs to completion even if the caller hangs up.
	ctx := context.WithoutCancel(c.Request.Context())
	runner, release, err := s.factory(ctx, target)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, start, err)
		return
	}
	if release != nil {
		defer release()
	}

	res, err := runner.Run(ctx, opts)
	if err != nil {
		s.fail(c, http.StatusInternalServerError, start, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resolve(req SyncRequest) (pipeline.Options, Target, error) {
	opts := pipeline.Options{DaysBack: s.defaults.DaysBack, UseBulk: s.defaults.UseBulk}
	target := Target{DatasetID: s.defaults.DatasetID}

	if req.DaysBack != nil {
		if *req.DaysBack < 0 {
			return opts, target, fmt.Errorf("days_back must be >= 0, got %d", *req.DaysBack)
		}
		opts.DaysBack = *req.DaysBack
	}
	if req.UseBulk != nil {
		opts.UseBulk = *req.UseBulk
	}
	if req.DatasetID != nil && *req.DatasetID != "" {
		target.DatasetID = *req.DatasetID
	}
	if req.ProjectID != nil {
		target.ProjectID = *req.ProjectID
	}
	return opts, target, nil
}

func (s *Server) fail(c *gin.Context, status int, start time.Time, err error) {
	end := s.now()
	s.log.Error("sync request failed", zap.Int("status", status), zap.Error(err))
	c.JSON(status, ErrorResponse{
		Status:               "error",
		Message:              "Error syncing StackAdapt data: " + err.Error(),
		ExecutionTimeSeconds: end.Sub(start).Seconds(),
		Timestamp:            end.UTC(),
	})
}

func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
