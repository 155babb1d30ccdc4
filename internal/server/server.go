// Package server exposes the option-chain data over HTTP and
// WebSocket.
package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"chainview/internal/config"
	"chainview/internal/expiry"
	"chainview/internal/logging"
	"chainview/internal/models"
	"chainview/internal/store"
	"chainview/internal/stream"
)

// ChainSource is what the HTTP layer needs from the engine.
type ChainSource interface {
	Payload() models.Payload
	Switch(ctx context.Context, sel models.Selection) error
}

// OutageReader lists recent feed outages for the health endpoint.
type OutageReader interface {
	RecentOutages(limit int) ([]store.Outage, error)
}

// outageView is the JSON shape of one recorded feed disruption.
type outageView struct {
	ID        int64      `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Reason    string     `json:"reason"`
}

// Server hosts the REST API and the subscriber WebSocket endpoint.
type Server struct {
	cfg     config.Publish
	source  ChainSource
	cache   *expiry.Cache
	hub     *stream.Hub
	outages OutageReader
	logger  zerolog.Logger
	http    *http.Server
}

// New builds the server. outages may be nil.
func New(cfg config.Publish, addr string, source ChainSource, cache *expiry.Cache, hub *stream.Hub, outages OutageReader, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		source:  source,
		cache:   cache,
		hub:     hub,
		outages: outages,
		logger:  logging.WithComponent(logger, "server"),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	api := router.Group("/api/option-chain")
	{
		api.GET("", s.handleChain)
		api.GET("/expiry/:underlying", s.handleExpiry)
		api.POST("/select", s.handleSelect)
	}
	router.GET("/ws", s.handleWebSocket)
	router.GET("/healthz", s.handleHealth)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.http.Addr).Msg("HTTP server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// The WS endpoint logs per-session; skip the upgrade request.
		if c.Request.URL.Path == "/ws" {
			return
		}
		s.logger.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// handleChain returns the current full-state snapshot.
func (s *Server) handleChain(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": s.source.Payload()})
}

// handleExpiry returns expiry dates for an underlying, served from the
// cache.
func (s *Server) handleExpiry(c *gin.Context) {
	underlying := strings.ToUpper(strings.TrimSpace(c.Param("underlying")))
	if underlying == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "underlying is required"})
		return
	}

	dates, err := s.cache.Get(c.Request.Context(), underlying)
	if err != nil {
		s.logger.Warn().Err(err).Str("underlying", underlying).Msg("Expiry lookup failed")
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": "upstream expiry lookup failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": dates})
}

type selectRequest struct {
	Underlying string `json:"underlying" binding:"required"`
	Expiry     string `json:"expiry"`
}

// handleSelect switches the active underlying/expiry pair. An empty
// expiry picks the nearest one.
func (s *Server) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "underlying is required"})
		return
	}

	sel := models.Selection{
		Underlying: strings.ToUpper(strings.TrimSpace(req.Underlying)),
		Expiry:     strings.ToUpper(strings.TrimSpace(req.Expiry)),
	}

	if err := s.source.Switch(c.Request.Context(), sel); err != nil {
		s.logger.Warn().Err(err).Str("underlying", sel.Underlying).Str("expiry", sel.Expiry).Msg("Selection switch failed")
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "data": gin.H{
		"underlying": sel.Underlying,
		"expiry":     sel.Expiry,
	}})
}

// handleHealth reports hub metrics and recent feed outages.
func (s *Server) handleHealth(c *gin.Context) {
	m := s.hub.Metrics()
	payload := s.source.Payload()

	resp := gin.H{
		"status":      "ok",
		"stale":       payload.Stale,
		"version":     payload.Version,
		"underlying":  payload.Underlying,
		"expiry":      payload.Expiry,
		"subscribers": m.Subscribers,
		"published":   m.Published,
		"enqueued":    m.Enqueued,
		"evicted":     m.Evicted,
	}
	if s.outages != nil {
		if outages, err := s.outages.RecentOutages(5); err == nil {
			views := make([]outageView, 0, len(outages))
			for _, o := range outages {
				views = append(views, outageView{
					ID:        o.ID,
					StartedAt: o.StartedAt,
					EndedAt:   o.EndedAt,
					Reason:    o.Reason,
				})
			}
			resp["recent_outages"] = views
		}
	}
	c.JSON(http.StatusOK, resp)
}
