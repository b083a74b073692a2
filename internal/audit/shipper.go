package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/docuvault/docuvault/internal/db/models"
	"github.com/docuvault/docuvault/internal/safego"
)

// Shipper is the fallback channel for events the primary store could not
// accept. Shipping is best effort: a shipped record is preserved for later
// reconciliation but is outside the hash chain until re-ingested.
type Shipper interface {
	Ship(ctx context.Context, log *models.AuditLog) error
	Close() error
}

// --- FileShipper ------------------------------------------------------------

// FileShipper appends records as JSON lines to a local file, rotating when
// the file exceeds maxSize bytes. Rotated files keep their contents under a
// timestamped name next to the active file.
type FileShipper struct {
	path    string
	maxSize int64

	mu   sync.Mutex
	file *os.File
}

// NewFileShipper opens (or creates) the fallback file at path.
func NewFileShipper(path string, maxSize int64) (*FileShipper, error) {
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open fallback file: %w", err)
	}
	return &FileShipper{path: path, maxSize: maxSize, file: f}, nil
}

// Ship writes one record as a JSON line.
func (s *FileShipper) Ship(_ context.Context, log *models.AuditLog) error {
	line, err := json.Marshal(log)
	if err != nil {
		return fmt.Errorf("failed to encode fallback record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.rotateIfNeededLocked(int64(len(line))); err != nil {
		return err
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to write fallback record: %w", err)
	}
	return nil
}

func (s *FileShipper) rotateIfNeededLocked(incoming int64) error {
	info, err := s.file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat fallback file: %w", err)
	}
	if info.Size()+incoming <= s.maxSize {
		return nil
	}

	if err := s.file.Close(); err != nil {
		return fmt.Errorf("failed to close fallback file for rotation: %w", err)
	}
	rotated := fmt.Sprintf("%s.%s", s.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(s.path, rotated); err != nil {
		return fmt.Errorf("failed to rotate fallback file: %w", err)
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to reopen fallback file: %w", err)
	}
	s.file = f
	return nil
}

// Close closes the underlying file.
func (s *FileShipper) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// --- WebhookShipper ---------------------------------------------------------

// WebhookShipper POSTs records to an external collector in JSON batches.
// Records buffer in memory and flush when the batch fills or the interval
// elapses, so a burst of fallback traffic does not turn into a burst of
// HTTP requests.
type WebhookShipper struct {
	url    string
	client *http.Client

	mu    sync.Mutex
	batch []*models.AuditLog

	batchSize int
	stop      chan struct{}
	done      chan struct{}
}

// NewWebhookShipper creates a webhook shipper and starts its flush loop.
func NewWebhookShipper(url string, batchSize int, flushInterval time.Duration) *WebhookShipper {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	s := &WebhookShipper{
		url:       url,
		client:    &http.Client{Timeout: 15 * time.Second},
		batchSize: batchSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	safego.Go("webhook-shipper-flush", func() {
		defer close(s.done)
		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				s.flush(context.Background())
				return
			case <-ticker.C:
				s.flush(context.Background())
			}
		}
	})
	return s
}

// Ship buffers the record and flushes synchronously when the batch is full.
func (s *WebhookShipper) Ship(ctx context.Context, log *models.AuditLog) error {
	s.mu.Lock()
	s.batch = append(s.batch, log)
	full := len(s.batch) >= s.batchSize
	s.mu.Unlock()

	if full {
		return s.flush(ctx)
	}
	return nil
}

func (s *WebhookShipper) flush(ctx context.Context) error {
	s.mu.Lock()
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = nil
	s.mu.Unlock()

	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to encode fallback batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build fallback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.requeue(batch)
		return fmt.Errorf("failed to ship fallback batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.requeue(batch)
		return fmt.Errorf("fallback collector returned status %d", resp.StatusCode)
	}
	return nil
}

// requeue puts a failed batch back at the front so order is preserved.
func (s *WebhookShipper) requeue(batch []*models.AuditLog) {
	s.mu.Lock()
	s.batch = append(batch, s.batch...)
	s.mu.Unlock()
}

// Close stops the flush loop after a final flush attempt.
func (s *WebhookShipper) Close() error {
	close(s.stop)
	<-s.done
	return nil
}

// --- MultiShipper -----------------------------------------------------------

// MultiShipper fans a record out to several shippers. Every shipper gets the
// record even when an earlier one fails.
type MultiShipper struct {
	shippers []Shipper
}

// NewMultiShipper combines shippers into one.
func NewMultiShipper(shippers ...Shipper) *MultiShipper {
	return &MultiShipper{shippers: shippers}
}

// Ship sends the record to every shipper and joins any errors.
func (s *MultiShipper) Ship(ctx context.Context, log *models.AuditLog) error {
	var errs []error
	for _, sh := range s.shippers {
		if err := sh.Ship(ctx, log); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every shipper and joins any errors.
func (s *MultiShipper) Close() error {
	var errs []error
	for _, sh := range s.shippers {
		if err := sh.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
