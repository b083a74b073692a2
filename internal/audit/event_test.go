package audit

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docuvault/docuvault/internal/db/models"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr error
	}{
		{
			name:  "valid minimal",
			event: Event{ActionType: models.ActionLoginSuccess, Description: "user logged in"},
		},
		{
			name:    "unknown action",
			event:   Event{ActionType: "coffee_break", Description: "nope"},
			wantErr: ErrInvalidActionType,
		},
		{
			name:    "missing description",
			event:   Event{ActionType: models.ActionLogout},
			wantErr: ErrValidation,
		},
		{
			name: "oversized description",
			event: Event{
				ActionType:  models.ActionDocumentCreate,
				Description: strings.Repeat("x", maxDescriptionLen+1),
			},
			wantErr: ErrValidation,
		},
		{
			name:    "bad status",
			event:   Event{ActionType: models.ActionLogout, Description: "bye", Status: "maybe"},
			wantErr: ErrValidation,
		},
		{
			name:    "resource id without type",
			event:   Event{ActionType: models.ActionDocumentDelete, Description: "deleted", ResourceID: "doc-1"},
			wantErr: ErrValidation,
		},
		{
			name: "full event",
			event: Event{
				ActionType:   models.ActionDocumentShare,
				ResourceType: "document",
				ResourceID:   "doc-1",
				UserEmail:    "alice@example.com",
				Description:  "shared with bob",
				Status:       models.StatusSuccess,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestToRecordDefaults(t *testing.T) {
	ev := Event{ActionType: models.ActionLoginSuccess, Description: "login"}
	rec := ev.toRecord()

	if rec.ID == "" {
		t.Error("record should get a generated ID")
	}
	if rec.Status != models.StatusSuccess {
		t.Errorf("status should default to success, got %s", rec.Status)
	}
	if rec.Timestamp.IsZero() {
		t.Error("timestamp should default to now")
	}
	if rec.Timestamp.Location() != time.UTC {
		t.Error("timestamp should be normalized to UTC")
	}
	if rec.UserEmail != nil {
		t.Error("empty fields should be absent, not empty strings")
	}
}

func TestToRecordTruncatesTimestamp(t *testing.T) {
	ts := time.Date(2026, 8, 28, 12, 0, 0, 123456789, time.UTC)
	ev := Event{ActionType: models.ActionLogout, Description: "bye", Timestamp: ts}
	rec := ev.toRecord()

	if rec.Timestamp.Nanosecond() != 123456000 {
		t.Errorf("timestamp should truncate to microseconds, got %d ns", rec.Timestamp.Nanosecond())
	}
}

func TestToRecordUniqueIDs(t *testing.T) {
	ev := Event{ActionType: models.ActionLogout, Description: "bye"}
	a, b := ev.toRecord(), ev.toRecord()
	if a.ID == b.ID {
		t.Error("each record should get a fresh ID")
	}
}
