// Package audit implements the tamper-evident audit trail: event validation,
// hash chaining, durable append with retry and fallback, and the read side
// used by the dashboard.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/internal/db/repositories"
	"github.com/docuvault/docuvault/internal/telemetry"
)

// Filters re-exports the store's query filters for service callers.
type Filters = repositories.AuditFilters

// Store is the persistence surface the service needs. *repositories.AuditRepository
// satisfies it; tests substitute fakes.
type Store interface {
	Append(ctx context.Context, log *models.AuditLog, hashFn repositories.HashFunc) error
	GetByID(ctx context.Context, id string) (*models.AuditLog, error)
	RecordHashBefore(ctx context.Context, seq int64) (string, error)
	List(ctx context.Context, filters repositories.AuditFilters) ([]*models.AuditLog, int64, error)
	ListForChain(ctx context.Context, from, to time.Time, limit int) ([]*models.AuditLog, error)
	GetDashboardStats(ctx context.Context, since time.Time) (*repositories.DashboardStats, error)
	CountByAction(ctx context.Context, since time.Time) ([]repositories.ActionCount, error)
	TopUsers(ctx context.Context, since time.Time, limit int) ([]repositories.UserActivity, error)
}

// Options tunes the service. Zero values get sane defaults.
type Options struct {
	// Chaining links each record's hash to its predecessor. When false,
	// records carry standalone hashes and chain verification is unavailable.
	Chaining bool

	// MaxRetries is the number of additional append attempts after a
	// transient store failure.
	MaxRetries int

	// RetryBackoff is the initial delay between attempts; it doubles each
	// retry.
	RetryBackoff time.Duration
}

// Service coordinates validation, hashing, persistence, and fallback.
type Service struct {
	store    Store
	fallback Shipper
	logger   *slog.Logger

	chaining     bool
	maxRetries   int
	retryBackoff time.Duration
}

// NewService creates the audit service. fallback may be nil, in which case
// events that exhaust their retries are lost (and logged).
func NewService(store Store, fallback Shipper, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	return &Service{
		store:        store,
		fallback:     fallback,
		logger:       logger,
		chaining:     opts.Chaining,
		maxRetries:   maxRetries,
		retryBackoff: backoff,
	}
}

// LogEvent validates and persists one audit event, returning the stored
// record. Transient store failures are retried with exponential backoff;
// when retries are exhausted the record is shipped to the fallback channel
// and the original error is returned. Validation failures and WORM
// violations are never retried.
func (s *Service) LogEvent(ctx context.Context, ev Event) (*models.AuditLog, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	rec := ev.toRecord()

	var hashFn repositories.HashFunc
	if s.chaining {
		hashFn = func(previousHash string) string {
			return ComputeHash(HashFields(rec), previousHash)
		}
	} else {
		rec.RecordHash = ComputeHash(HashFields(rec), "")
	}

	start := time.Now()
	err := s.appendWithRetry(ctx, rec, hashFn)
	telemetry.AuditAppendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, ErrWormViolation) {
			telemetry.AuditWormViolationsTotal.Inc()
		}
		s.logger.Error("audit append failed",
			"action_type", rec.ActionType,
			"event_id", rec.ID,
			"error", err)
		s.shipFallback(ctx, rec)
		return nil, err
	}

	telemetry.AuditEventsTotal.WithLabelValues(string(rec.ActionType), string(rec.Status)).Inc()
	return rec, nil
}

func (s *Service) appendWithRetry(ctx context.Context, rec *models.AuditLog, hashFn repositories.HashFunc) error {
	backoff := s.retryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = s.store.Append(ctx, rec, hashFn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrPersistence) || attempt >= s.maxRetries {
			return err
		}

		telemetry.AuditAppendRetries.Inc()
		s.logger.Warn("audit append retrying",
			"event_id", rec.ID,
			"attempt", attempt+1,
			"backoff", backoff,
			"error", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", ErrPersistence, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// shipFallback is best effort; a fallback failure is logged, never returned,
// because the caller's error is the store failure.
func (s *Service) shipFallback(ctx context.Context, rec *models.AuditLog) {
	if s.fallback == nil {
		return
	}
	telemetry.AuditFallbackTotal.Inc()
	if err := s.fallback.Ship(ctx, rec); err != nil {
		s.logger.Error("audit fallback ship failed", "event_id", rec.ID, "error", err)
	}
}

// GetEvent returns a single record by ID.
func (s *Service) GetEvent(ctx context.Context, id string) (*models.AuditLog, error) {
	return s.store.GetByID(ctx, id)
}

// GetEvents returns a filtered, paginated page of records plus the total
// matching count.
func (s *Service) GetEvents(ctx context.Context, filters Filters) ([]*models.AuditLog, int64, error) {
	return s.store.List(ctx, filters)
}

// VerificationResult reports the outcome of verifying one record.
type VerificationResult struct {
	EventID      string `json:"event_id"`
	Valid        bool   `json:"valid"`
	StoredHash   string `json:"stored_hash"`
	ComputedHash string `json:"computed_hash"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

// VerifyIntegrity recomputes one record's hash from its stored fields and its
// predecessor's hash. A mismatch means the row or its predecessor changed
// after the fact.
func (s *Service) VerifyIntegrity(ctx context.Context, id string) (*VerificationResult, error) {
	rec, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	previousHash := ""
	if s.chaining {
		previousHash, err = s.store.RecordHashBefore(ctx, rec.Seq)
		if err != nil {
			return nil, err
		}
	}

	computed := ComputeHash(HashFields(rec), previousHash)
	result := &VerificationResult{
		EventID:      rec.ID,
		Valid:        computed == rec.RecordHash,
		StoredHash:   rec.RecordHash,
		ComputedHash: computed,
		PreviousHash: previousHash,
	}
	if !result.Valid {
		telemetry.AuditChainVerifyFailures.Inc()
		s.logger.Error("audit record failed integrity check",
			"event_id", rec.ID,
			"stored_hash", rec.RecordHash,
			"computed_hash", computed)
	}
	return result, nil
}

// ChainVerificationResult reports a chain walk over a time window.
type ChainVerificationResult struct {
	Checked         int    `json:"checked"`
	Valid           bool   `json:"valid"`
	FirstInvalidID  string `json:"first_invalid_id,omitempty"`
	FirstInvalidSeq int64  `json:"first_invalid_seq,omitempty"`
}

// ErrChainingDisabled is returned by VerifyChain when records are not chained.
var ErrChainingDisabled = errors.New("hash chaining is disabled")

// VerifyChain walks records in insertion order within [from, to) and checks
// every link. The walk stops at the first broken link since every hash after
// it is meaningless.
func (s *Service) VerifyChain(ctx context.Context, from, to time.Time, limit int) (*ChainVerificationResult, error) {
	if !s.chaining {
		return nil, ErrChainingDisabled
	}

	records, err := s.store.ListForChain(ctx, from, to, limit)
	if err != nil {
		return nil, err
	}
	result := &ChainVerificationResult{Valid: true}
	if len(records) == 0 {
		return result, nil
	}

	previousHash, err := s.store.RecordHashBefore(ctx, records[0].Seq)
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		result.Checked++
		if !VerifyRecord(rec, previousHash) {
			telemetry.AuditChainVerifyFailures.Inc()
			result.Valid = false
			result.FirstInvalidID = rec.ID
			result.FirstInvalidSeq = rec.Seq
			s.logger.Error("audit chain verification failed",
				"event_id", rec.ID,
				"seq", rec.Seq,
				"checked", result.Checked)
			return result, nil
		}
		previousHash = rec.RecordHash
	}
	return result, nil
}

// DashboardStats returns the headline counters for activity since the given
// time.
func (s *Service) DashboardStats(ctx context.Context, since time.Time) (*repositories.DashboardStats, error) {
	return s.store.GetDashboardStats(ctx, since)
}

// CountByAction returns per-action event counts since the given time.
func (s *Service) CountByAction(ctx context.Context, since time.Time) ([]repositories.ActionCount, error) {
	return s.store.CountByAction(ctx, since)
}

// TopUsers returns the most active users since the given time.
func (s *Service) TopUsers(ctx context.Context, since time.Time, limit int) ([]repositories.UserActivity, error) {
	return s.store.TopUsers(ctx, since, limit)
}
