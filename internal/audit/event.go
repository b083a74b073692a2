package audit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docuvault/docuvault/internal/db/models"
)

// Event is the caller-facing shape of an audit event, before the service
// assigns an ID, defaults, and a record hash. String fields left empty are
// recorded as absent, not as empty strings.
type Event struct {
	ActionType   models.ActionType      `json:"action_type"`
	ResourceType string                 `json:"resource_type,omitempty"`
	ResourceID   string                 `json:"resource_id,omitempty"`
	UserID       string                 `json:"user_id,omitempty"`
	UserEmail    string                 `json:"user_email,omitempty"`
	UserRole     string                 `json:"user_role,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	Description  string                 `json:"description"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Status       models.Status          `json:"status,omitempty"`
	Timestamp    time.Time              `json:"timestamp,omitempty"`
}

// maxDescriptionLen bounds the free-text field so one caller cannot bloat
// every dashboard query. Matches the pre-insert check, not a DB constraint.
const maxDescriptionLen = 4096

// Validate checks the event against the closed taxonomy and field rules.
func (e *Event) Validate() error {
	if !e.ActionType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidActionType, e.ActionType)
	}
	if e.Description == "" {
		return fmt.Errorf("%w: description is required", ErrValidation)
	}
	if len(e.Description) > maxDescriptionLen {
		return fmt.Errorf("%w: description exceeds %d bytes", ErrValidation, maxDescriptionLen)
	}
	if e.Status != "" && !e.Status.IsValid() {
		return fmt.Errorf("%w: invalid status %q", ErrValidation, e.Status)
	}
	if e.ResourceID != "" && e.ResourceType == "" {
		return fmt.Errorf("%w: resource_id given without resource_type", ErrValidation)
	}
	return nil
}

// toRecord converts the event into a persistable record: generates the ID,
// defaults status to success and timestamp to now, and truncates the
// timestamp to microseconds so the value hashes identically before and after
// a PostgreSQL roundtrip.
func (e *Event) toRecord() *models.AuditLog {
	status := e.Status
	if status == "" {
		status = models.StatusSuccess
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &models.AuditLog{
		ID:           uuid.NewString(),
		ActionType:   e.ActionType,
		ResourceType: optional(e.ResourceType),
		ResourceID:   optional(e.ResourceID),
		UserID:       optional(e.UserID),
		UserEmail:    optional(e.UserEmail),
		UserRole:     optional(e.UserRole),
		IPAddress:    optional(e.IPAddress),
		UserAgent:    optional(e.UserAgent),
		SessionID:    optional(e.SessionID),
		Description:  e.Description,
		Details:      e.Details,
		Status:       status,
		Timestamp:    ts.UTC().Truncate(time.Microsecond),
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
