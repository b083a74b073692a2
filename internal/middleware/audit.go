package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docuvault/docuvault/internal/audit"
	"github.com/docuvault/docuvault/internal/config"
	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/internal/safego"
)

// EventLogger is the slice of the audit service the capture hook needs.
type EventLogger interface {
	LogEvent(ctx context.Context, ev audit.Event) (*models.AuditLog, error)
}

// routeAction maps a method plus route template to the event it represents.
type routeAction struct {
	action       models.ActionType
	resourceType string
	description  string
}

// routeActions covers the document platform routes this middleware audits.
// The resource ID comes from the :id path parameter at capture time.
var routeActions = map[string]routeAction{
	"POST /api/v1/documents":              {models.ActionDocumentCreate, "document", "document created"},
	"PUT /api/v1/documents/:id":           {models.ActionDocumentUpdate, "document", "document updated"},
	"PATCH /api/v1/documents/:id":         {models.ActionDocumentUpdate, "document", "document updated"},
	"DELETE /api/v1/documents/:id":        {models.ActionDocumentDelete, "document", "document deleted"},
	"POST /api/v1/documents/:id/share":    {models.ActionDocumentShare, "document", "document shared"},
	"GET /api/v1/documents/:id/download":  {models.ActionDocumentDownload, "document", "document downloaded"},
	"POST /api/v1/auth/login":             {models.ActionLoginSuccess, "", "user logged in"},
	"POST /api/v1/auth/logout":            {models.ActionLogout, "", "user logged out"},
	"PUT /api/v1/admin/settings":          {models.ActionConfigUpdate, "settings", "settings changed"},
	"POST /api/v1/admin/keys":             {models.ActionKeyCreated, "key", "encryption key created"},
	"POST /api/v1/admin/keys/:id/rotate":  {models.ActionKeyRotated, "key", "encryption key rotated"},
}

// Capture records an audit event for each matched request, after the
// response is written. Capture is strictly best effort and fully
// asynchronous: the business response never waits on the audit append, and
// an audit failure never fails the request. The background append runs on a
// detached context with its own budget so client disconnects cannot cancel
// it.
func Capture(logger EventLogger, rt *config.Runtime, budget time.Duration) gin.HandlerFunc {
	if budget <= 0 {
		budget = 5 * time.Second
	}
	return func(c *gin.Context) {
		c.Next()

		ev, ok := eventFor(c, rt)
		if !ok {
			return
		}

		// Snapshot before the goroutine: gin recycles contexts once the
		// handler chain returns.
		path := c.FullPath()
		safego.Go("audit-capture", func() {
			ctx, cancel := context.WithTimeout(context.Background(), budget)
			defer cancel()
			if _, err := logger.LogEvent(ctx, ev); err != nil {
				slog.Error("audit capture failed",
					"action_type", ev.ActionType,
					"path", path,
					"error", err)
			}
		})
	}
}

// eventFor builds the event for a finished request, or reports that the
// request is not auditable under the current toggles.
func eventFor(c *gin.Context, rt *config.Runtime) (audit.Event, bool) {
	status := c.Writer.Status()

	var ra routeAction
	switch status {
	case http.StatusUnauthorized:
		ra = routeAction{models.ActionUnauthorizedAccess, "", "request rejected: not authenticated"}
	case http.StatusForbidden:
		ra = routeAction{models.ActionPermissionDenied, "", "request rejected: insufficient permissions"}
	default:
		mapped, ok := routeActions[c.Request.Method+" "+c.FullPath()]
		if !ok {
			return audit.Event{}, false
		}
		ra = mapped
		if c.Request.Method == http.MethodGet && status < 400 && !rt.LogReadOperations() {
			return audit.Event{}, false
		}
	}

	evStatus := models.StatusSuccess
	if status >= 400 {
		evStatus = models.StatusFailure
		if status != http.StatusUnauthorized && status != http.StatusForbidden && !rt.LogFailedRequests() {
			return audit.Event{}, false
		}
	}

	// Login failures are their own action, not a failed login_success.
	if ra.action == models.ActionLoginSuccess && evStatus == models.StatusFailure {
		ra.action = models.ActionLoginFailure
		ra.description = "login attempt failed"
	}

	ev := audit.Event{
		ActionType:   ra.action,
		ResourceType: ra.resourceType,
		ResourceID:   c.Param("id"),
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
		SessionID:    c.GetHeader("X-Session-ID"),
		Description:  ra.description,
		Status:       evStatus,
		Timestamp:    time.Now(),
		Details: map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"http_status": status,
			"request_id":  GetRequestID(c),
		},
	}
	if ev.ResourceID != "" && ev.ResourceType == "" {
		ev.ResourceType = "resource"
	}

	if claims := GetClaims(c); claims != nil {
		ev.UserID = claims.UserID
		ev.UserEmail = claims.Email
		ev.UserRole = claims.Role
	}
	if ev.Description == "" {
		ev.Description = fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path)
	}
	return ev, true
}
