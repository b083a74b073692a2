package repositories

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/docuvault/docuvault/internal/db/models"
)

func newSummaryRepo(t *testing.T) (*SummaryRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSummaryRepository(db), mock
}

func TestRebuildDay(t *testing.T) {
	repo, mock := newSummaryRepo(t)
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM audit_log_summary WHERE day = $1")).
		WithArgs(day).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log_summary")).
		WithArgs(day, day.Add(24*time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 5))
	mock.ExpectCommit()

	n, err := repo.RebuildDay(context.Background(), day.Add(13*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 5 {
		t.Errorf("expected 5 rollup rows, got %d", n)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRebuildRangeRejectsInvertedRange(t *testing.T) {
	repo, _ := newSummaryRepo(t)
	now := time.Now()

	if _, err := repo.RebuildRange(context.Background(), now, now.Add(-48*time.Hour)); err == nil {
		t.Error("expected error for inverted range")
	}
}

func TestForRange(t *testing.T) {
	repo, mock := newSummaryRepo(t)
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"day", "action_type", "user_email", "event_count"}).
		AddRow(day, "document_update", "alice@example.com", int64(40)).
		AddRow(day, "system_start", "", int64(1))
	mock.ExpectQuery(regexp.QuoteMeta("FROM audit_log_summary")).
		WithArgs(day, day).
		WillReturnRows(rows)

	summaries, err := repo.ForRange(context.Background(), day.Add(time.Hour), day.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(summaries))
	}
	if summaries[0].UserEmail == nil || *summaries[0].UserEmail != "alice@example.com" {
		t.Errorf("expected alice, got %+v", summaries[0])
	}
	if summaries[1].UserEmail != nil {
		t.Errorf("empty sentinel should map to nil, got %v", *summaries[1].UserEmail)
	}
	if summaries[1].ActionType != models.ActionSystemStart {
		t.Errorf("unexpected action: %s", summaries[1].ActionType)
	}
}
