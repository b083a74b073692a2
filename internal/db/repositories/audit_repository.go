// Package repositories contains the data access layer for the audit backend.
// AuditRepository is the WORM store: it only ever INSERTs into audit_logs and
// translates the database trigger violations into typed errors the service
// layer can act on.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/docuvault/docuvault/internal/db/models"
)

var (
	// ErrWormViolation is returned when the database rejected a mutation of
	// an existing audit row. Callers must never retry these.
	ErrWormViolation = errors.New("audit store is append-only")

	// ErrPersistence wraps transient storage failures (connection loss,
	// timeouts, serialization conflicts). These are safe to retry.
	ErrPersistence = errors.New("audit store persistence failure")

	// ErrNotFound is returned when a requested audit record does not exist.
	ErrNotFound = errors.New("audit record not found")
)

// retryable SQLSTATE classes: connection exceptions (08), insufficient
// resources (53), operator intervention (57), plus serialization failures.
var retryableSQLStates = map[string]bool{
	"40001": true, // serialization_failure
	"40P01": true, // deadlock_detected
	"57P03": true, // cannot_connect_now
}

// mapError classifies a database error for the service layer. The WORM
// triggers raise P0001 with an 'append-only' marker in the message; anything
// transient maps to ErrPersistence so the service can retry or fall back.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "P0001" && strings.Contains(pqErr.Message, "append-only") {
			return fmt.Errorf("%w: %s", ErrWormViolation, pqErr.Message)
		}
		class := pqErr.Code.Class()
		if class == "08" || class == "53" || class == "57" || retryableSQLStates[string(pqErr.Code)] {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		return err
	}

	// Driver-level failures without a SQLSTATE (broken pipe, context
	// deadline on the connection) are treated as transient.
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return fmt.Errorf("%w: %v", ErrPersistence, err)
}

// AuditFilters contains optional filters for querying audit logs
type AuditFilters struct {
	ActionTypes  []models.ActionType
	UserID       string
	UserEmail    string
	ResourceType string
	ResourceID   string
	Status       string
	IPAddress    string
	From         *time.Time
	To           *time.Time
	SecurityOnly bool
	Limit        int
	Offset       int
}

// DashboardStats is the single round-trip aggregate backing the dashboard.
type DashboardStats struct {
	TotalEvents    int64 `json:"total_events"`
	Events24h      int64 `json:"events_24h"`
	FailedLogins   int64 `json:"failed_logins"`
	SecurityEvents int64 `json:"security_events"`
	FailureEvents  int64 `json:"failure_events"`
	DistinctUsers  int64 `json:"distinct_users"`
}

// ActionCount is one row of a per-action aggregation.
type ActionCount struct {
	ActionType models.ActionType `json:"action_type"`
	Count      int64             `json:"count"`
}

// UserActivity is one row of the top-users aggregation.
type UserActivity struct {
	UserEmail string `json:"user_email"`
	Count     int64  `json:"count"`
}

// HashFunc computes the record hash for a row being appended, given the hash
// of the chain head (empty string for the first record). It is supplied by
// the service layer so the repository stays free of hashing policy.
type HashFunc func(previousHash string) string

// AuditRepository handles audit log storage and retrieval
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new audit repository
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `seq, id, action_type, resource_type, resource_id, user_id, user_email, user_role,
		ip_address, user_agent, session_id, description, details, status, timestamp, created_at, record_hash`

const insertAuditSQL = `
	INSERT INTO audit_logs (
		id, action_type, resource_type, resource_id, user_id, user_email, user_role,
		ip_address, user_agent, session_id, description, details, status, timestamp, record_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	RETURNING seq, created_at`

// Append inserts a new audit record. When hashFn is non-nil the insert runs
// in a transaction holding an advisory lock, reads the current chain head,
// and stores hashFn(head) as the record hash; this serializes concurrent
// appends so every record's hash covers its true predecessor. When hashFn is
// nil the record's precomputed RecordHash is stored as-is with no chaining.
func (r *AuditRepository) Append(ctx context.Context, log *models.AuditLog, hashFn HashFunc) error {
	detailsJSON, err := marshalDetails(log.Details)
	if err != nil {
		return fmt.Errorf("failed to encode details: %w", err)
	}

	if hashFn == nil {
		row := r.db.QueryRowContext(ctx, insertAuditSQL,
			log.ID, log.ActionType, log.ResourceType, log.ResourceID, log.UserID,
			log.UserEmail, log.UserRole, log.IPAddress, log.UserAgent, log.SessionID,
			log.Description, detailsJSON, log.Status, log.Timestamp, log.RecordHash)
		if err := row.Scan(&log.Seq, &log.CreatedAt); err != nil {
			return mapError(err)
		}
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer tx.Rollback()

	// Advisory lock keyed on the table name hash. Held until commit, so at
	// most one chained append is in flight and the head read below cannot
	// race with another writer.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext('audit_logs'))`); err != nil {
		return mapError(err)
	}

	var previousHash string
	err = tx.QueryRowContext(ctx, `SELECT record_hash FROM audit_logs ORDER BY seq DESC LIMIT 1`).Scan(&previousHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return mapError(err)
	}

	log.RecordHash = hashFn(previousHash)

	row := tx.QueryRowContext(ctx, insertAuditSQL,
		log.ID, log.ActionType, log.ResourceType, log.ResourceID, log.UserID,
		log.UserEmail, log.UserRole, log.IPAddress, log.UserAgent, log.SessionID,
		log.Description, detailsJSON, log.Status, log.Timestamp, log.RecordHash)
	if err := row.Scan(&log.Seq, &log.CreatedAt); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(err)
	}
	return nil
}

// GetByID retrieves a single audit record.
func (r *AuditRepository) GetByID(ctx context.Context, id string) (*models.AuditLog, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_logs WHERE id = $1`
	log, err := scanAuditLog(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, mapError(err)
	}
	return log, nil
}

// RecordHashBefore returns the record_hash of the row immediately preceding
// seq in insertion order, or "" when seq is the first row.
func (r *AuditRepository) RecordHashBefore(ctx context.Context, seq int64) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx,
		`SELECT record_hash FROM audit_logs WHERE seq < $1 ORDER BY seq DESC LIMIT 1`, seq).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", mapError(err)
	}
	return hash, nil
}

// List retrieves audit logs with filters and pagination, newest first.
// seq breaks timestamp ties so the order is total and stable across pages.
func (r *AuditRepository) List(ctx context.Context, filters AuditFilters) ([]*models.AuditLog, int64, error) {
	where, args := buildWhere(filters)

	var total int64
	countQuery := `SELECT COUNT(*) FROM audit_logs` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, mapError(err)
	}

	limit := filters.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	offset := filters.Offset
	if offset < 0 {
		offset = 0
	}

	query := `SELECT ` + auditColumns + ` FROM audit_logs` + where +
		fmt.Sprintf(` ORDER BY timestamp DESC, seq DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, mapError(err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, 0, mapError(err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, mapError(err)
	}
	return logs, total, nil
}

// ListForChain returns the records a chain walk over [from, to) must visit,
// in insertion order. The chain follows seq, not event time, and a record's
// semantic timestamp may lie outside the window while its seq sits between
// two in-window records (backdated or replayed events). So the window only
// picks the seq span endpoints; every row inside that span is returned, in
// or out of the window, keeping each link verifiable against its true
// predecessor.
func (r *AuditRepository) ListForChain(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditLog, error) {
	if limit <= 0 {
		limit = 10000
	}
	query := `SELECT ` + auditColumns + ` FROM audit_logs
		WHERE seq BETWEEN
			(SELECT MIN(seq) FROM audit_logs WHERE timestamp >= $1 AND timestamp < $2)
			AND
			(SELECT MAX(seq) FROM audit_logs WHERE timestamp >= $1 AND timestamp < $2)
		ORDER BY seq ASC LIMIT $3`
	rows, err := r.db.QueryContext(ctx, query, from, to, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var logs []*models.AuditLog
	for rows.Next() {
		log, err := scanAuditLog(rows)
		if err != nil {
			return nil, mapError(err)
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return logs, nil
}

// GetDashboardStats returns the headline dashboard counters in a single round
// trip using scalar subselects, so the dashboard costs one query per load.
func (r *AuditRepository) GetDashboardStats(ctx context.Context, since time.Time) (*DashboardStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM audit_logs) AS total_events,
			(SELECT COUNT(*) FROM audit_logs WHERE timestamp >= $1) AS events_24h,
			(SELECT COUNT(*) FROM audit_logs WHERE action_type = 'login_failure' AND timestamp >= $1) AS failed_logins,
			(SELECT COUNT(*) FROM audit_logs
				WHERE action_type IN ('unauthorized_access', 'permission_denied', 'suspicious_activity', 'login_failure')
				AND timestamp >= $1) AS security_events,
			(SELECT COUNT(*) FILTER (WHERE status = 'failure') FROM audit_logs WHERE timestamp >= $1) AS failure_events,
			(SELECT COUNT(DISTINCT user_email) FROM audit_logs WHERE user_email IS NOT NULL AND timestamp >= $1) AS distinct_users`

	stats := &DashboardStats{}
	err := r.db.QueryRowContext(ctx, query, since).Scan(
		&stats.TotalEvents, &stats.Events24h, &stats.FailedLogins,
		&stats.SecurityEvents, &stats.FailureEvents, &stats.DistinctUsers)
	if err != nil {
		return nil, mapError(err)
	}
	return stats, nil
}

// CountByAction groups events in [since, now) by action type, descending.
func (r *AuditRepository) CountByAction(ctx context.Context, since time.Time) ([]ActionCount, error) {
	query := `
		SELECT action_type, COUNT(*) AS count
		FROM audit_logs
		WHERE timestamp >= $1
		GROUP BY action_type
		ORDER BY count DESC, action_type ASC`
	rows, err := r.db.QueryContext(ctx, query, since)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var counts []ActionCount
	for rows.Next() {
		var c ActionCount
		if err := rows.Scan(&c.ActionType, &c.Count); err != nil {
			return nil, mapError(err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return counts, nil
}

// TopUsers returns the most active identified users in [since, now).
func (r *AuditRepository) TopUsers(ctx context.Context, since time.Time, limit int) ([]UserActivity, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	query := `
		SELECT user_email, COUNT(*) AS count
		FROM audit_logs
		WHERE user_email IS NOT NULL AND timestamp >= $1
		GROUP BY user_email
		ORDER BY count DESC, user_email ASC
		LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var users []UserActivity
	for rows.Next() {
		var u UserActivity
		if err := rows.Scan(&u.UserEmail, &u.Count); err != nil {
			return nil, mapError(err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return users, nil
}

// buildWhere assembles the WHERE clause and positional args for List.
func buildWhere(filters AuditFilters) (string, []interface{}) {
	var conditions []string
	var args []interface{}
	argNum := 1

	if len(filters.ActionTypes) > 0 {
		placeholders := make([]string, len(filters.ActionTypes))
		for i, at := range filters.ActionTypes {
			placeholders[i] = fmt.Sprintf("$%d", argNum)
			args = append(args, at)
			argNum++
		}
		conditions = append(conditions, fmt.Sprintf("action_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.SecurityOnly {
		placeholders := make([]string, 0, len(models.SecurityActionTypes()))
		for _, at := range models.SecurityActionTypes() {
			placeholders = append(placeholders, fmt.Sprintf("$%d", argNum))
			args = append(args, at)
			argNum++
		}
		conditions = append(conditions, fmt.Sprintf("action_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filters.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("user_id = $%d", argNum))
		args = append(args, filters.UserID)
		argNum++
	}
	if filters.UserEmail != "" {
		conditions = append(conditions, fmt.Sprintf("user_email = $%d", argNum))
		args = append(args, filters.UserEmail)
		argNum++
	}
	if filters.ResourceType != "" {
		conditions = append(conditions, fmt.Sprintf("resource_type = $%d", argNum))
		args = append(args, filters.ResourceType)
		argNum++
	}
	if filters.ResourceID != "" {
		conditions = append(conditions, fmt.Sprintf("resource_id = $%d", argNum))
		args = append(args, filters.ResourceID)
		argNum++
	}
	if filters.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, filters.Status)
		argNum++
	}
	if filters.IPAddress != "" {
		conditions = append(conditions, fmt.Sprintf("ip_address = $%d", argNum))
		args = append(args, filters.IPAddress)
		argNum++
	}
	if filters.From != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", argNum))
		args = append(args, *filters.From)
		argNum++
	}
	if filters.To != nil {
		conditions = append(conditions, fmt.Sprintf("timestamp < $%d", argNum))
		args = append(args, *filters.To)
		argNum++
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

func marshalDetails(details map[string]interface{}) (interface{}, error) {
	if details == nil {
		return nil, nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	return b, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuditLog(row rowScanner) (*models.AuditLog, error) {
	log := &models.AuditLog{}
	var detailsJSON []byte
	err := row.Scan(
		&log.Seq, &log.ID, &log.ActionType, &log.ResourceType, &log.ResourceID,
		&log.UserID, &log.UserEmail, &log.UserRole, &log.IPAddress, &log.UserAgent,
		&log.SessionID, &log.Description, &detailsJSON, &log.Status,
		&log.Timestamp, &log.CreatedAt, &log.RecordHash)
	if err != nil {
		return nil, err
	}
	if len(detailsJSON) > 0 {
		if err := json.Unmarshal(detailsJSON, &log.Details); err != nil {
			return nil, fmt.Errorf("failed to decode details: %w", err)
		}
	}
	return log, nil
}
