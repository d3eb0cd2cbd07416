package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/mail"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

// Store is the slice of the local database the API reads and writes
type Store interface {
	QueuePendingChange(ctx context.Context, change mailsync.PendingChange) error
	CountPendingChanges(ctx context.Context, accountID string) (int, error)
	ListEmails(ctx context.Context, accountID string, limit int) ([]mail.Email, error)
	OutboxStats(ctx context.Context) (sqlite.OutboxStats, error)
}

// Server exposes the sync service over HTTP
type Server struct {
	svc      *mailsync.Service
	store    Store
	verifier auth.Verifier
	logger   *slog.Logger

	// background scheduler context, outlives individual requests
	bgCtx context.Context
}

// New creates the API. A nil verifier disables authentication.
func New(bgCtx context.Context, svc *mailsync.Service, store Store, verifier auth.Verifier, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{svc: svc, store: store, verifier: verifier, logger: logger, bgCtx: bgCtx}
}

// Handler builds the gin router
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/")
	if s.verifier != nil {
		api.Use(authMiddleware(s.verifier))
	}

	api.GET("/accounts", s.listAccounts)
	api.POST("/accounts/:id/sync", s.syncAccount)
	api.POST("/accounts/:id/resync", s.resyncAccount)
	api.POST("/accounts/:id/changes", s.queueChange)
	api.GET("/accounts/:id/emails", s.listEmails)
	api.PUT("/accounts/:id/offline", s.setOffline)
	api.DELETE("/accounts/:id/offline", s.setOnline)
	api.POST("/sync", s.syncAll)

	api.GET("/background", s.backgroundStatus)
	api.POST("/background/start", s.startBackground)
	api.POST("/background/stop", s.stopBackground)

	api.GET("/settings", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.svc.Settings())
	})
	api.GET("/outbox", s.outboxStats)
	api.GET("/events", s.streamEvents)

	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func authMiddleware(v auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := v.UserFromRequest(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("user", user)
		c.Next()
	}
}

type accountView struct {
	ID      string          `json:"id"`
	Status  mailsync.Status `json:"status"`
	Pending int             `json:"pending_changes"`
}

func (s *Server) listAccounts(c *gin.Context) {
	statuses := s.svc.Statuses()
	out := make([]accountView, 0, len(statuses))
	for _, id := range s.svc.AccountIDs() {
		n, err := s.store.CountPendingChanges(c.Request.Context(), id)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, accountView{ID: id, Status: statuses[id], Pending: n})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) syncAccount(c *gin.Context) {
	id := c.Param("id")
	if s.svc.Status(id) == mailsync.StatusInProgress {
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	}

	// a client disconnect must not abort a half-applied cycle
	result, err := s.svc.SyncAccount(context.WithoutCancel(c.Request.Context()), id)
	if err != nil {
		c.JSON(syncErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func syncErrorStatus(err error) int {
	var fetchErr *mailsync.FetchError
	switch {
	case errors.Is(err, mailsync.ErrNoProvider):
		return http.StatusNotFound
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) syncAll(c *gin.Context) {
	results := s.svc.SyncAll(context.WithoutCancel(c.Request.Context()))

	type entry struct {
		AccountID string           `json:"account_id"`
		Result    *mailsync.Result `json:"result,omitempty"`
		Error     string           `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(results))
	for _, r := range results {
		e := entry{AccountID: r.AccountID, Result: r.Result}
		if r.Err != nil {
			e.Error = r.Err.Error()
		}
		out = append(out, e)
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) resyncAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.ResetAccount(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mailsync.ErrNoProvider) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

type changeRequest struct {
	Kind    mailsync.PendingKind    `json:"kind" binding:"required"`
	Payload mailsync.PendingPayload `json:"payload"`
}

func (s *Server) queueChange(c *gin.Context) {
	id := c.Param("id")
	if !s.registered(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}

	var req changeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	change := mailsync.PendingChange{
		ID:        uuid.NewString(),
		AccountID: id,
		Kind:      req.Kind,
		Payload:   req.Payload,
		CreatedAt: time.Now().UTC(),
	}
	if err := change.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.QueuePendingChange(c.Request.Context(), change); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, change)
}

func (s *Server) listEmails(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}

	emails, err := s.store.ListEmails(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, emails)
}

func (s *Server) setOffline(c *gin.Context) {
	id := c.Param("id")
	if !s.registered(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	s.svc.MarkOffline(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": s.svc.Status(id)})
}

func (s *Server) setOnline(c *gin.Context) {
	id := c.Param("id")
	if !s.registered(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account"})
		return
	}
	s.svc.MarkOnline(id)
	c.JSON(http.StatusOK, gin.H{"id": id, "status": s.svc.Status(id)})
}

func (s *Server) registered(id string) bool {
	for _, known := range s.svc.AccountIDs() {
		if known == id {
			return true
		}
	}
	return false
}

func (s *Server) backgroundStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"running": s.svc.IsBackgroundSyncRunning()})
}

func (s *Server) startBackground(c *gin.Context) {
	s.svc.StartBackgroundSync(s.bgCtx)
	c.JSON(http.StatusOK, gin.H{"running": s.svc.IsBackgroundSyncRunning()})
}

func (s *Server) stopBackground(c *gin.Context) {
	s.svc.StopBackgroundSync()
	c.JSON(http.StatusOK, gin.H{"running": s.svc.IsBackgroundSyncRunning()})
}

func (s *Server) outboxStats(c *gin.Context) {
	stats, err := s.store.OutboxStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// streamEvents relays sync events as server-sent events until the client
// goes away
func (s *Server) streamEvents(c *gin.Context) {
	sub := s.svc.Subscribe()
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			c.SSEvent("ping", time.Now().UTC().Format(time.RFC3339))
		case ev, ok := <-sub.C:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Type), ev)
		}
		c.Writer.Flush()
	}
}
