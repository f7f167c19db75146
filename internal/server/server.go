package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jgirmay/activity-agent/internal/config"
	"github.com/jgirmay/activity-agent/internal/consent"
	"github.com/jgirmay/activity-agent/internal/coordinator"
	"github.com/jgirmay/activity-agent/internal/logging"
	"github.com/jgirmay/activity-agent/internal/store"
	"github.com/jgirmay/activity-agent/internal/syncer"
)

// Server is the agent's local HTTP surface: the capture WebSocket endpoint,
// consent controls, sync status, and observability routes. It binds to
// localhost only.
type Server struct {
	cfg         *config.Config
	version     string
	store       store.Store
	gate        *consent.Gate
	coordinator *coordinator.Coordinator
	scheduler   *syncer.Scheduler
	log         *logging.Logger
	engine      *gin.Engine
	httpServer  *http.Server
}

// NewServer wires the HTTP routes
func NewServer(cfg *config.Config, version string, s store.Store, gate *consent.Gate, coord *coordinator.Coordinator, scheduler *syncer.Scheduler, log *logging.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	srv := &Server{
		cfg:         cfg,
		version:     version,
		store:       s,
		gate:        gate,
		coordinator: coord,
		scheduler:   scheduler,
		log:         log,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), srv.requestLogger())
	srv.engine = engine
	srv.registerRoutes()
	return srv
}

// Engine exposes the router for tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws/capture", gin.WrapH(s.coordinator.Hub()))

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/consent", s.handleConsentStatus)
		v1.POST("/consent/grant", s.handleConsentGrant)
		v1.POST("/consent/revoke", s.handleConsentRevoke)
		v1.GET("/consent/history", s.handleConsentHistory)

		v1.POST("/sync/trigger", s.handleSyncTrigger)
		v1.GET("/sync/status", s.handleSyncStatus)

		v1.GET("/sessions/recent", s.handleRecentSessions)
		v1.GET("/events/stats", s.handleEventStats)

		v1.GET("/categories/overrides", s.handleListOverrides)
		v1.PUT("/categories/overrides", s.handleSetOverride)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}

// Run serves until the context is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port),
		Handler:      s.engine,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	s.log.Info("http server listening", zap.String("addr", s.httpServer.Addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleConsentStatus(c *gin.Context) {
	record, err := s.store.CurrentConsent(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	active, err := s.gate.Active(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending, _ := s.store.Preference(c.Request.Context(), "consent_prompt_pending")

	resp := gin.H{
		"active":         active,
		"prompt_pending": pending == "true",
	}
	if record != nil {
		resp["granted"] = record.Granted
		resp["version"] = record.Version
		resp["timestamp"] = record.Timestamp
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleConsentGrant(c *gin.Context) {
	if err := s.gate.Grant(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := s.store.SetPreference(c.Request.Context(), "consent_prompt_pending", "false"); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": true})
}

type revokeRequest struct {
	DeleteData bool `json:"delete_data"`
}

func (s *Server) handleConsentRevoke(c *gin.Context) {
	var req revokeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if err := s.gate.Revoke(c.Request.Context(), req.DeleteData); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": false, "data_deleted": req.DeleteData})
}

func (s *Server) handleConsentHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	history, err := s.store.ConsentHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleSyncTrigger(c *gin.Context) {
	// The cycle may block on backoff; run it off the request path.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Backend.Timeout+s.cfg.Sync.MaxDelay)
		defer cancel()
		if err := s.coordinator.TriggerSync(ctx); err != nil {
			s.log.WithError(err).Warn("manual sync cycle failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"triggered": true})
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	unsynced, err := s.store.CountUnsyncedSessions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	queueDepth, err := s.store.SyncQueueDepth(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"scheduler":         s.scheduler.Snapshot(),
		"unsynced_sessions": unsynced,
		"queue_depth":       queueDepth,
	})
}

func (s *Server) handleRecentSessions(c *gin.Context) {
	limit := queryInt(c, "limit", 20)
	sessions, err := s.store.RecentSessions(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

func (s *Server) handleEventStats(c *gin.Context) {
	events, err := s.store.CountActivityEvents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"raw_events":     events,
		"ws_connections": s.coordinator.Hub().ConnCount(),
		"max_raw_events": s.cfg.Retention.MaxRawEvents,
	})
}

type overrideRequest struct {
	Domain   string `json:"domain" binding:"required"`
	Category string `json:"category" binding:"required"`
}

func (s *Server) handleSetOverride(c *gin.Context) {
	var req overrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !validCategory(req.Category) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown category: " + req.Category})
		return
	}
	if err := s.store.SetCategoryOverride(c.Request.Context(), req.Domain, req.Category); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": req.Domain, "category": req.Category})
}

func (s *Server) handleListOverrides(c *gin.Context) {
	overrides, err := s.store.CategoryOverrides(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"overrides": overrides})
}

func validCategory(category string) bool {
	switch category {
	case "work", "leisure", "social", "neutral":
		return true
	}
	return false
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}
