// Package server exposes the read-only admin surface of a running client:
// health and circuit breaker state. It serves no document routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MarioHBS/knn-portal-backend-sub001/internal/dbclient"
)

// StatusSource is the part of *dbclient.Client the handlers need.
type StatusSource interface {
	Status(ctx context.Context) dbclient.Status
}

// Handler serves the health and breaker endpoints from Source.
type Handler struct {
	Source StatusSource
}

// Health answers 200 while at least one adapter is reachable, 503 otherwise.
func (h *Handler) Health(c *gin.Context) {
	st := h.Source.Status(c.Request.Context())
	code := http.StatusOK
	status := "ok"
	if !st.Healthy() {
		code = http.StatusServiceUnavailable
		status = "unavailable"
	}
	c.JSON(code, gin.H{
		"status":   status,
		"adapters": st.Adapters,
	})
}

// Breaker returns the breaker snapshot.
func (h *Handler) Breaker(c *gin.Context) {
	st := h.Source.Status(c.Request.Context())
	c.JSON(http.StatusOK, st.Breaker)
}

// NewRouter registers the admin routes.
func NewRouter(h *Handler, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger))

	r.GET("/healthz", h.Health)
	v1 := r.Group("/v1")
	v1.GET("/breaker", h.Breaker)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
	})
	return r
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("admin request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// Serve runs handler on addr until ctx is canceled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("admin server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown admin server: %w", err)
	}
	logger.Info("admin server stopped")
	return nil
}
