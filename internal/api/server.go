// Package api exposes a read-only HTTP view over the store.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"pricewatch/internal/storage"
	"pricewatch/internal/version"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

// Store is the read surface the API serves from.
type Store interface {
	ListRecentAlerts(ctx context.Context, kind storage.AlertKind, limit int) ([]storage.AlertRecord, error)
	ListWatchedItems(ctx context.Context) ([]storage.WatchedItem, error)
	GetWatchedItem(ctx context.Context, itemID string) (storage.WatchedItem, error)
	ListHistory(ctx context.Context, itemID string, since time.Time, limit int) ([]storage.ObservationRecord, error)
	ListCategories(ctx context.Context) ([]storage.WatchedCategory, error)
	Stats(ctx context.Context, alertsSince time.Time) (storage.Stats, error)
}

// Server wires the gin router.
type Server struct {
	store  Store
	logger zerolog.Logger
	router *gin.Engine
	now    func() time.Time
}

// New builds the router.
func New(store Store, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		store:  store,
		logger: logger.With().Str("component", "api").Logger(),
		router: gin.New(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	s.router.Use(gin.Recovery(), s.accessLog())

	s.router.GET("/healthz", s.health)
	api := s.router.Group("/api")
	{
		api.GET("/alerts", s.listAlerts)
		api.GET("/items", s.listItems)
		api.GET("/items/:id", s.getItem)
		api.GET("/items/:id/history", s.itemHistory)
		api.GET("/categories", s.listCategories)
		api.GET("/stats", s.stats)
	}
	return s
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.Version})
}

func (s *Server) listAlerts(c *gin.Context) {
	kind := storage.AlertKind(c.Query("kind"))
	if kind != "" && !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown alert kind"})
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	alerts, err := s.store.ListRecentAlerts(c.Request.Context(), kind, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]alertView, 0, len(alerts))
	for _, rec := range alerts {
		out = append(out, newAlertView(rec))
	}
	c.JSON(http.StatusOK, gin.H{"alerts": out})
}

func (s *Server) listItems(c *gin.Context) {
	items, err := s.store.ListWatchedItems(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]itemView, 0, len(items))
	for _, it := range items {
		out = append(out, newItemView(it))
	}
	c.JSON(http.StatusOK, gin.H{"items": out})
}

func (s *Server) getItem(c *gin.Context) {
	item, err := s.store.GetWatchedItem(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, newItemView(item))
}

func (s *Server) itemHistory(c *gin.Context) {
	limit, ok := parseLimit(c)
	if !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339"})
			return
		}
		since = parsed
	}
	history, err := s.store.ListHistory(c.Request.Context(), c.Param("id"), since, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]observationView, 0, len(history))
	for _, obs := range history {
		out = append(out, newObservationView(obs))
	}
	c.JSON(http.StatusOK, gin.H{"item_id": c.Param("id"), "history": out})
}

func (s *Server) listCategories(c *gin.Context) {
	cats, err := s.store.ListCategories(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]categoryView, 0, len(cats))
	for _, cat := range cats {
		out = append(out, newCategoryView(cat))
	}
	c.JSON(http.StatusOK, gin.H{"categories": out})
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.store.Stats(c.Request.Context(), s.now().AddDate(0, 0, -7))
	if err != nil {
		s.fail(c, err)
		return
	}
	byKind := make(map[string]int64, len(stats.AlertsByKind))
	for k, v := range stats.AlertsByKind {
		byKind[string(k)] = v
	}
	c.JSON(http.StatusOK, gin.H{
		"subscribers":          stats.Subscribers,
		"watched_items":        stats.WatchedItems,
		"categories":           stats.Categories,
		"observations":         stats.Observations,
		"alerts_7d":            byKind,
		"avg_last_known_price": stats.AvgLastKnownPrice,
	})
}

func (s *Server) fail(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	s.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxLimit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return 0, false
	}
	return n, true
}
