// Package api wires the HTTP surface of the audit backend: the read and
// verification endpoints, the admin operations, and the router glue.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docuvault/docuvault/internal/audit"
	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/internal/db/repositories"
)

// AuditService is the service surface the handlers call.
type AuditService interface {
	GetEvent(ctx context.Context, id string) (*models.AuditLog, error)
	GetEvents(ctx context.Context, filters audit.Filters) ([]*models.AuditLog, int64, error)
	VerifyIntegrity(ctx context.Context, id string) (*audit.VerificationResult, error)
	VerifyChain(ctx context.Context, from, to time.Time, limit int) (*audit.ChainVerificationResult, error)
	DashboardStats(ctx context.Context, since time.Time) (*repositories.DashboardStats, error)
	CountByAction(ctx context.Context, since time.Time) ([]repositories.ActionCount, error)
	TopUsers(ctx context.Context, since time.Time, limit int) ([]repositories.UserActivity, error)
}

// SummaryService is the rollup surface the handlers call.
type SummaryService interface {
	RebuildRange(ctx context.Context, from, to time.Time) (int64, error)
	ForRange(ctx context.Context, from, to time.Time) ([]models.AuditLogSummary, error)
}

// Handlers holds the audit API handlers.
type Handlers struct {
	svc     AuditService
	summary SummaryService
}

// NewHandlers creates the handler set.
func NewHandlers(svc AuditService, summary SummaryService) *Handlers {
	return &Handlers{svc: svc, summary: summary}
}

// ListEvents handles GET /api/v1/audit/events.
func (h *Handlers) ListEvents(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	events, total, err := h.svc.GetEvents(c.Request.Context(), filters)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query audit events"})
		return
	}
	if events == nil {
		events = []*models.AuditLog{}
	}
	c.JSON(http.StatusOK, gin.H{
		"events": events,
		"total":  total,
		"limit":  filters.Limit,
		"offset": filters.Offset,
	})
}

// GetEvent handles GET /api/v1/audit/events/:id.
func (h *Handlers) GetEvent(c *gin.Context) {
	event, err := h.svc.GetEvent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load audit event"})
		return
	}
	c.JSON(http.StatusOK, event)
}

// VerifyEvent handles GET /api/v1/audit/events/:id/verify.
func (h *Handlers) VerifyEvent(c *gin.Context) {
	result, err := h.svc.VerifyIntegrity(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, audit.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "audit event not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "verification failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// Dashboard handles GET /api/v1/audit/stats/dashboard.
func (h *Handlers) Dashboard(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours < 1 || hours > 24*90 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window_hours must be 1..2160"})
			return
		}
		window = time.Duration(hours) * time.Hour
	}
	since := time.Now().Add(-window)

	ctx := c.Request.Context()
	stats, err := h.svc.DashboardStats(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute dashboard stats"})
		return
	}
	byAction, err := h.svc.CountByAction(ctx, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute action counts"})
		return
	}
	topUsers, err := h.svc.TopUsers(ctx, since, 10)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute top users"})
		return
	}
	if byAction == nil {
		byAction = []repositories.ActionCount{}
	}
	if topUsers == nil {
		topUsers = []repositories.UserActivity{}
	}

	c.JSON(http.StatusOK, gin.H{
		"window_hours": int(window.Hours()),
		"stats":        stats,
		"by_action":    byAction,
		"top_users":    topUsers,
	})
}

// Summary handles GET /api/v1/audit/stats/summary.
func (h *Handlers) Summary(c *gin.Context) {
	from, to, err := parseRange(c, 7*24*time.Hour)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rows, err := h.summary.ForRange(c.Request.Context(), from, to)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load summary"})
		return
	}
	if rows == nil {
		rows = []models.AuditLogSummary{}
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

type rangeRequest struct {
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	Limit int       `json:"limit"`
}

// VerifyChain handles POST /api/v1/audit/verify-chain.
func (h *Handlers) VerifyChain(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.To.IsZero() {
		req.To = time.Now()
	}
	if !req.From.Before(req.To) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be before to"})
		return
	}

	result, err := h.svc.VerifyChain(c.Request.Context(), req.From, req.To, req.Limit)
	if err != nil {
		if errors.Is(err, audit.ErrChainingDisabled) {
			c.JSON(http.StatusConflict, gin.H{"error": "hash chaining is disabled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "chain verification failed"})
		return
	}
	c.JSON(http.StatusOK, result)
}

// RebuildSummary handles POST /api/v1/audit/summary/rebuild.
func (h *Handlers) RebuildSummary(c *gin.Context) {
	var req rangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.From.IsZero() || req.To.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from and to are required"})
		return
	}

	rows, err := h.summary.RebuildRange(c.Request.Context(), req.From, req.To)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "summary rebuild failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rows_written": rows})
}

func parseFilters(c *gin.Context) (audit.Filters, error) {
	filters := audit.Filters{
		UserID:       c.Query("user_id"),
		UserEmail:    c.Query("user_email"),
		ResourceType: c.Query("resource_type"),
		ResourceID:   c.Query("resource_id"),
		Status:       c.Query("status"),
		IPAddress:    c.Query("ip_address"),
		SecurityOnly: c.Query("security_only") == "true",
		Limit:        100,
	}

	if raw := c.Query("action_type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			at, ok := models.ParseActionType(strings.TrimSpace(part))
			if !ok {
				return filters, errors.New("unknown action_type: " + string(at))
			}
			filters.ActionTypes = append(filters.ActionTypes, at)
		}
	}
	if filters.Status != "" && !models.Status(filters.Status).IsValid() {
		return filters, errors.New("status must be success or failure")
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errors.New("from must be RFC3339")
		}
		filters.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filters, errors.New("to must be RFC3339")
		}
		filters.To = &t
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			return filters, errors.New("limit must be 1..1000")
		}
		filters.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return filters, errors.New("offset must be >= 0")
		}
		filters.Offset = n
	}
	return filters, nil
}

func parseRange(c *gin.Context, defaultSpan time.Duration) (time.Time, time.Time, error) {
	to := time.Now()
	from := to.Add(-defaultSpan)

	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("from must be RFC3339")
		}
		from = t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return from, to, errors.New("to must be RFC3339")
		}
		to = t
	}
	if !from.Before(to) {
		return from, to, errors.New("from must be before to")
	}
	return from, to, nil
}
