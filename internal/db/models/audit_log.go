// Package models - audit_log.go defines the AuditLog model for the WORM audit
// trail, capturing the action taxonomy, a denormalized actor snapshot, request
// provenance, and the tamper-evident record hash.
package models

import "time"

// ActionType is the closed set of auditable action categories. The set is
// extended only by adding new constants here; unknown values are rejected at
// write time rather than stored.
type ActionType string

const (
	ActionLoginSuccess       ActionType = "login_success"
	ActionLoginFailure       ActionType = "login_failure"
	ActionLogout             ActionType = "logout"
	ActionDocumentCreate     ActionType = "document_create"
	ActionDocumentUpdate     ActionType = "document_update"
	ActionDocumentDelete     ActionType = "document_delete"
	ActionDocumentShare      ActionType = "document_share"
	ActionDocumentDownload   ActionType = "document_download"
	ActionConfigUpdate       ActionType = "config_update"
	ActionKeyCreated         ActionType = "key_created"
	ActionKeyRotated         ActionType = "key_rotated"
	ActionUnauthorizedAccess ActionType = "unauthorized_access"
	ActionPermissionDenied   ActionType = "permission_denied"
	ActionSuspiciousActivity ActionType = "suspicious_activity"
	ActionSystemStart        ActionType = "system_start"
	ActionSystemShutdown     ActionType = "system_shutdown"
)

// AllActionTypes returns every recognized action type.
func AllActionTypes() []ActionType {
	return []ActionType{
		ActionLoginSuccess,
		ActionLoginFailure,
		ActionLogout,
		ActionDocumentCreate,
		ActionDocumentUpdate,
		ActionDocumentDelete,
		ActionDocumentShare,
		ActionDocumentDownload,
		ActionConfigUpdate,
		ActionKeyCreated,
		ActionKeyRotated,
		ActionUnauthorizedAccess,
		ActionPermissionDenied,
		ActionSuspiciousActivity,
		ActionSystemStart,
		ActionSystemShutdown,
	}
}

// SecurityActionTypes returns the subset of action types that count as
// security-sensitive for dashboard aggregation and the partial index.
func SecurityActionTypes() []ActionType {
	return []ActionType{
		ActionUnauthorizedAccess,
		ActionPermissionDenied,
		ActionSuspiciousActivity,
		ActionLoginFailure,
	}
}

// ParseActionType checks a raw string against the taxonomy, reporting whether
// it named a recognized action.
func ParseActionType(s string) (ActionType, bool) {
	at := ActionType(s)
	return at, at.IsValid()
}

// IsValid reports whether a is a member of the recognized action taxonomy.
func (a ActionType) IsValid() bool {
	for _, known := range AllActionTypes() {
		if a == known {
			return true
		}
	}
	return false
}

// IsSecuritySensitive reports whether a belongs to the security subset.
func (a ActionType) IsSecuritySensitive() bool {
	for _, s := range SecurityActionTypes() {
		if a == s {
			return true
		}
	}
	return false
}

// Status is the outcome of the audited action.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// IsValid reports whether s is a recognized status value.
func (s Status) IsValid() bool {
	return s == StatusSuccess || s == StatusFailure
}

// AuditLog represents one immutable audit record.
//
// Actor fields (UserID/UserEmail/UserRole) are a snapshot taken at the time of
// the action, not a foreign key into the users table: the record must stay
// meaningful even after the user row changes or disappears. ResourceType and
// ResourceID are likewise a loose back-reference for querying, never an
// ownership link.
//
// Timestamp is the semantic event time and CreatedAt the persistence time.
// They default to the same instant, but replayed events may carry an earlier
// Timestamp without lying about when the row was stored.
type AuditLog struct {
	// Seq is the store-assigned insertion sequence number. It is independent
	// of Timestamp and is the tie-breaker for ordering concurrent writes.
	Seq          int64                  `json:"seq" db:"seq"`
	ID           string                 `json:"id" db:"id"`
	ActionType   ActionType             `json:"action_type" db:"action_type"`
	ResourceType *string                `json:"resource_type,omitempty" db:"resource_type"`
	ResourceID   *string                `json:"resource_id,omitempty" db:"resource_id"`
	UserID       *string                `json:"user_id,omitempty" db:"user_id"`
	UserEmail    *string                `json:"user_email,omitempty" db:"user_email"`
	UserRole     *string                `json:"user_role,omitempty" db:"user_role"`
	IPAddress    *string                `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent    *string                `json:"user_agent,omitempty" db:"user_agent"`
	SessionID    *string                `json:"session_id,omitempty" db:"session_id"`
	Description  string                 `json:"description" db:"description"`
	Details      map[string]interface{} `json:"details,omitempty" db:"details"`
	Status       Status                 `json:"status" db:"status"`
	Timestamp    time.Time              `json:"timestamp" db:"timestamp"`
	CreatedAt    time.Time              `json:"created_at" db:"created_at"`
	RecordHash   string                 `json:"record_hash" db:"record_hash"`
}

// AuditLogSummary is a per-day, per-action-type, per-user rollup row. It is a
// rebuildable cache over audit_logs, never the source of truth.
type AuditLogSummary struct {
	Day        time.Time  `json:"day" db:"day"`
	ActionType ActionType `json:"action_type" db:"action_type"`
	UserEmail  *string    `json:"user_email,omitempty" db:"user_email"`
	Count      int64      `json:"count" db:"event_count"`
}
