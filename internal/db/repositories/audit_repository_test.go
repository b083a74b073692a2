package repositories

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/docuvault/docuvault/internal/db/models"
)

var errDB = errors.New("connection refused")

var auditCols = []string{
	"seq", "id", "action_type", "resource_type", "resource_id", "user_id", "user_email",
	"user_role", "ip_address", "user_agent", "session_id", "description", "details",
	"status", "timestamp", "created_at", "record_hash",
}

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(db), mock
}

func strptr(s string) *string { return &s }

func sampleLog() *models.AuditLog {
	return &models.AuditLog{
		ID:          "0d1fba04-9c1e-4f6a-8a54-2f3f0c9e1a11",
		ActionType:  models.ActionDocumentCreate,
		UserEmail:   strptr("alice@example.com"),
		Description: "created document",
		Status:      models.StatusSuccess,
		Timestamp:   time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC),
		RecordHash:  "sha256:abc",
	}
}

// --- Append -----------------------------------------------------------------

func TestAppendWithoutChaining(t *testing.T) {
	repo, mock := newAuditRepo(t)
	log := sampleLog()

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(7), time.Now()))

	if err := repo.Append(context.Background(), log, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.Seq != 7 {
		t.Errorf("expected seq 7, got %d", log.Seq)
	}
	if log.RecordHash != "sha256:abc" {
		t.Errorf("precomputed hash should be untouched, got %q", log.RecordHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendWithChaining(t *testing.T) {
	repo, mock := newAuditRepo(t)
	log := sampleLog()
	log.RecordHash = ""

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT record_hash FROM audit_logs ORDER BY seq DESC LIMIT 1")).
		WillReturnRows(sqlmock.NewRows([]string{"record_hash"}).AddRow("sha256:prev"))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(8), time.Now()))
	mock.ExpectCommit()

	var gotPrev string
	hashFn := func(prev string) string {
		gotPrev = prev
		return "sha256:chained"
	}

	if err := repo.Append(context.Background(), log, hashFn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPrev != "sha256:prev" {
		t.Errorf("hashFn should receive the chain head, got %q", gotPrev)
	}
	if log.RecordHash != "sha256:chained" {
		t.Errorf("expected chained hash, got %q", log.RecordHash)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendChainingFirstRecord(t *testing.T) {
	repo, mock := newAuditRepo(t)
	log := sampleLog()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("pg_advisory_xact_lock")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT record_hash FROM audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"record_hash"}))
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	var gotPrev = "sentinel"
	if err := repo.Append(context.Background(), log, func(prev string) string {
		gotPrev = prev
		return "sha256:genesis"
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPrev != "" {
		t.Errorf("first record should chain from empty hash, got %q", gotPrev)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAppendPersistenceError(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO audit_logs")).
		WillReturnError(&pq.Error{Code: "08006", Message: "connection failure"})

	err := repo.Append(context.Background(), sampleLog(), nil)
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("expected ErrPersistence, got %v", err)
	}
}

// --- error mapping ----------------------------------------------------------

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"worm trigger", &pq.Error{Code: "P0001", Message: "audit_logs is append-only: UPDATE rejected"}, ErrWormViolation},
		{"other raise", &pq.Error{Code: "P0001", Message: "some business rule"}, nil},
		{"connection class", &pq.Error{Code: "08006"}, ErrPersistence},
		{"resources class", &pq.Error{Code: "53300"}, ErrPersistence},
		{"deadlock", &pq.Error{Code: "40P01"}, ErrPersistence},
		{"plain error", errDB, ErrPersistence},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.in)
			if tt.want == nil {
				if errors.Is(got, ErrWormViolation) || errors.Is(got, ErrPersistence) {
					t.Errorf("should not classify %v, got %v", tt.in, got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

// --- reads ------------------------------------------------------------------

func TestGetByID(t *testing.T) {
	repo, mock := newAuditRepo(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(auditCols).AddRow(
		int64(3), "0d1fba04-9c1e-4f6a-8a54-2f3f0c9e1a11", "document_create", nil, nil,
		nil, "alice@example.com", nil, nil, nil, nil, "created document",
		[]byte(`{"title":"q3 report"}`), "success", now, now, "sha256:abc")
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE id = $1")).
		WithArgs("0d1fba04-9c1e-4f6a-8a54-2f3f0c9e1a11").
		WillReturnRows(rows)

	log, err := repo.GetByID(context.Background(), "0d1fba04-9c1e-4f6a-8a54-2f3f0c9e1a11")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.ActionType != models.ActionDocumentCreate {
		t.Errorf("expected document_create, got %s", log.ActionType)
	}
	if log.Details["title"] != "q3 report" {
		t.Errorf("details not decoded: %v", log.Details)
	}
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_logs WHERE id = $1")).
		WillReturnRows(sqlmock.NewRows(auditCols))

	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordHashBefore(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE seq < $1 ORDER BY seq DESC LIMIT 1")).
		WithArgs(int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"record_hash"}).AddRow("sha256:prev"))

	hash, err := repo.RecordHashBefore(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "sha256:prev" {
		t.Errorf("expected sha256:prev, got %q", hash)
	}
}

func TestRecordHashBeforeFirstRecord(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE seq < $1")).
		WillReturnRows(sqlmock.NewRows([]string{"record_hash"}))

	hash, err := repo.RecordHashBefore(context.Background(), 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hash != "" {
		t.Errorf("expected empty hash for first record, got %q", hash)
	}
}

func TestListWithFilters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs WHERE action_type IN ($1) AND user_email = $2")).
		WithArgs("login_failure", "alice@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	rows := sqlmock.NewRows(auditCols).AddRow(
		int64(9), "11111111-1111-1111-1111-111111111111", "login_failure", nil, nil,
		nil, "alice@example.com", nil, "10.0.0.1", nil, nil, "login failed",
		nil, "failure", now, now, "sha256:def")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp DESC, seq DESC LIMIT $3 OFFSET $4")).
		WithArgs("login_failure", "alice@example.com", 25, 0).
		WillReturnRows(rows)

	logs, total, err := repo.List(context.Background(), AuditFilters{
		ActionTypes: []models.ActionType{models.ActionLoginFailure},
		UserEmail:   "alice@example.com",
		Limit:       25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 42 {
		t.Errorf("expected total 42, got %d", total)
	}
	if len(logs) != 1 || logs[0].Status != models.StatusFailure {
		t.Errorf("unexpected page: %+v", logs)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestListSecurityOnly(t *testing.T) {
	repo, mock := newAuditRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM audit_logs WHERE action_type IN ($1, $2, $3, $4)")).
		WithArgs("unauthorized_access", "permission_denied", "suspicious_activity", "login_failure").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY timestamp DESC, seq DESC")).
		WillReturnRows(sqlmock.NewRows(auditCols))

	logs, total, err := repo.List(context.Background(), AuditFilters{SecurityOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 0 || len(logs) != 0 {
		t.Errorf("expected empty result, got total=%d len=%d", total, len(logs))
	}
}

// --- aggregation ------------------------------------------------------------

func TestGetDashboardStats(t *testing.T) {
	repo, mock := newAuditRepo(t)
	since := time.Now().Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{
		"total_events", "events_24h", "failed_logins", "security_events", "failure_events", "distinct_users",
	}).AddRow(int64(1000), int64(120), int64(5), int64(9), int64(12), int64(30))
	mock.ExpectQuery("SELECT").WithArgs(since).WillReturnRows(rows)

	stats, err := repo.GetDashboardStats(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalEvents != 1000 || stats.FailedLogins != 5 || stats.SecurityEvents != 9 {
		t.Errorf("unexpected stats: %+v", stats)
	}
}

func TestCountByAction(t *testing.T) {
	repo, mock := newAuditRepo(t)
	since := time.Now().Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{"action_type", "count"}).
		AddRow("document_update", int64(50)).
		AddRow("login_success", int64(20))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY action_type")).WithArgs(since).WillReturnRows(rows)

	counts, err := repo.CountByAction(context.Background(), since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(counts) != 2 || counts[0].ActionType != models.ActionDocumentUpdate || counts[0].Count != 50 {
		t.Errorf("unexpected counts: %+v", counts)
	}
}

func TestTopUsers(t *testing.T) {
	repo, mock := newAuditRepo(t)
	since := time.Now().Add(-24 * time.Hour)

	rows := sqlmock.NewRows([]string{"user_email", "count"}).
		AddRow("alice@example.com", int64(30)).
		AddRow("bob@example.com", int64(12))
	mock.ExpectQuery(regexp.QuoteMeta("GROUP BY user_email")).WithArgs(since, 10).WillReturnRows(rows)

	users, err := repo.TopUsers(context.Background(), since, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 2 || users[0].UserEmail != "alice@example.com" {
		t.Errorf("unexpected users: %+v", users)
	}
}

func TestListForChain(t *testing.T) {
	repo, mock := newAuditRepo(t)
	now := time.Now().UTC()
	from := now.Add(-time.Hour)
	backdated := now.Add(-48 * time.Hour)

	// The middle row's timestamp is outside the window; the seq-span select
	// returns it anyway so the walk can verify every link.
	rows := sqlmock.NewRows(auditCols).
		AddRow(int64(1), "11111111-1111-1111-1111-111111111111", "system_start", nil, nil,
			nil, nil, nil, nil, nil, nil, "service started", nil, "success", now, now, "sha256:a").
		AddRow(int64(2), "22222222-2222-2222-2222-222222222222", "document_update", nil, nil,
			nil, "alice@example.com", nil, nil, nil, nil, "replayed update", nil, "success", backdated, now, "sha256:b").
		AddRow(int64(3), "33333333-3333-3333-3333-333333333333", "login_success", nil, nil,
			nil, "alice@example.com", nil, nil, nil, nil, "login", nil, "success", now, now, "sha256:c")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE seq BETWEEN")).
		WithArgs(from, now, 10000).
		WillReturnRows(rows)

	logs, err := repo.ListForChain(context.Background(), from, now, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(logs) != 3 || logs[0].Seq != 1 || logs[1].Seq != 2 || logs[2].Seq != 3 {
		t.Errorf("expected the full seq span in insertion order, got %+v", logs)
	}
}
