package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/compliance"
	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/errors"
	"github.com/shizukutanaka/Banken/internal/event"
)

// Trail is the buffered, tamper-evident audit writer. Entries accumulate
// in memory and flush on batch size or timer, whichever fires first.
// Flushes are serialized; a failed batch is retried on the next cycle
// without duplication.
type Trail struct {
	logger *zap.Logger
	store  *Store
	cipher *Cipher
	cfg    config.AuditConfig

	mu         sync.Mutex
	buffer     []*Entry
	violations []*ViolationRecord
	dropped    uint64

	// flushMu serializes flushes; pending holds a batch whose write
	// failed and must be retried before new entries are taken.
	flushMu           sync.Mutex
	pendingEntries    []*Entry
	pendingViolations []*ViolationRecord

	flushCh chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	now func() time.Time
}

// NewTrail builds the audit trail. When payload encryption is enabled the
// configured key must already have passed config validation.
func NewTrail(logger *zap.Logger, store *Store, cfg config.AuditConfig) (*Trail, error) {
	var cipher *Cipher
	if cfg.EncryptPayloads {
		c, err := NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, errors.Configuration("AUDIT_CIPHER", "failed to initialize payload encryption").Wrap(err)
		}
		cipher = c
	}

	return &Trail{
		logger:  logger,
		store:   store,
		cipher:  cipher,
		cfg:     cfg,
		flushCh: make(chan struct{}, 1),
		now:     time.Now,
	}, nil
}

// Start launches the background flush loop.
func (t *Trail) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	t.wg.Add(1)
	go t.flushLoop(ctx)
	t.logger.Info("Audit trail started",
		zap.Int("batchSize", t.cfg.BatchSize),
		zap.Duration("flushInterval", t.cfg.FlushInterval),
		zap.Bool("encryption", t.cipher != nil))
}

// Stop flushes outstanding entries within a bounded grace period and
// stops the loop.
func (t *Trail) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.Flush(ctx); err != nil {
		t.logger.Error("Final audit flush failed", zap.Error(err))
	}
	t.logger.Info("Audit trail stopped")
}

// Record builds an entry from the event and its scoring results, buffers
// it, and fans out violation records when the compliance result is
// non-compliant. Returns the entry ID immediately; persistence is
// asynchronous.
func (t *Trail) Record(e *event.SecurityEvent, comp *compliance.Result, severity event.Severity) (string, error) {
	entry, err := t.buildEntry(e, comp, severity)
	if err != nil {
		return "", err
	}

	var records []*ViolationRecord
	if comp != nil && !comp.Compliant {
		records = violationRecords(entry, e, comp)
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, entry)
	t.violations = append(t.violations, records...)
	if len(t.buffer) > t.cfg.MaxBuffered {
		over := len(t.buffer) - t.cfg.MaxBuffered
		// Violations of dropped entries go with them: a persisted record
		// must never reference an entry that was never written.
		droppedIDs := make(map[string]struct{}, over)
		for _, dropped := range t.buffer[:over] {
			droppedIDs[dropped.ID] = struct{}{}
		}
		t.buffer = t.buffer[over:]
		kept := t.violations[:0]
		for _, v := range t.violations {
			if _, gone := droppedIDs[v.EntryID]; !gone {
				kept = append(kept, v)
			}
		}
		t.violations = kept
		t.dropped += uint64(over)
		t.logger.Warn("Audit buffer full, dropped oldest entries",
			zap.Int("dropped", over), zap.Uint64("totalDropped", t.dropped))
	}
	shouldFlush := len(t.buffer) >= t.cfg.BatchSize
	t.mu.Unlock()

	if shouldFlush {
		select {
		case t.flushCh <- struct{}{}:
		default:
		}
	}
	return entry.ID, nil
}

func (t *Trail) buildEntry(e *event.SecurityEvent, comp *compliance.Result, severity event.Severity) (*Entry, error) {
	eventData, err := json.Marshal(e.Data)
	if err != nil {
		return nil, errors.Validation("AUDIT_PAYLOAD", "failed to serialize event data").Wrap(err)
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return nil, errors.Validation("AUDIT_METADATA", "failed to serialize event metadata").Wrap(err)
	}
	if comp == nil {
		comp = compliance.CompliantResult()
	}
	compJSON, err := json.Marshal(comp)
	if err != nil {
		return nil, errors.Validation("AUDIT_COMPLIANCE", "failed to serialize compliance result").Wrap(err)
	}

	payload := string(eventData)
	encrypted := false
	if t.cipher != nil {
		sealed, err := t.cipher.Encrypt(eventData)
		if err != nil {
			return nil, errors.Persistence("AUDIT_ENCRYPT", "failed to encrypt event data").Wrap(err)
		}
		payload = sealed
		encrypted = true
	}

	entry := &Entry{
		ID:               uuid.NewString(),
		Timestamp:        e.Timestamp.UTC(),
		EventType:        string(e.Type),
		SourceIP:         e.Source.IP,
		UserID:           userID(e),
		Severity:         severity,
		EventData:        payload,
		Metadata:         string(metadata),
		ComplianceResult: string(compJSON),
		Encrypted:        encrypted,
	}
	entry.Hash = entry.ComputeHash()
	return entry, nil
}

func violationRecords(entry *Entry, e *event.SecurityEvent, comp *compliance.Result) []*ViolationRecord {
	records := make([]*ViolationRecord, 0, len(comp.Violations))
	for _, v := range comp.Violations {
		records = append(records, &ViolationRecord{
			ID:                  uuid.NewString(),
			EntryID:             entry.ID,
			Timestamp:           entry.Timestamp,
			Principle:           v.Principle,
			Description:         v.Description,
			Severity:            v.Severity,
			Confidence:          v.Confidence,
			SourceIP:            e.Source.IP,
			InvestigationStatus: StatusPending,
		})
	}
	return records
}

func userID(e *event.SecurityEvent) string {
	if e.Metadata == nil {
		return ""
	}
	if id, ok := e.Metadata["userId"].(string); ok {
		return id
	}
	return ""
}

func (t *Trail) flushLoop(ctx context.Context) {
	defer t.wg.Done()

	ticker := time.NewTicker(t.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-t.flushCh:
		}
		if err := t.Flush(ctx); err != nil {
			t.logger.Error("Audit flush failed, batch retained for retry", zap.Error(err))
		}
	}
}

// Flush writes the retry batch (if any) and then the current buffer.
// Serialized: a flush in progress is never started twice concurrently.
func (t *Trail) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if len(t.pendingEntries) == 0 && len(t.pendingViolations) == 0 {
		t.mu.Lock()
		t.pendingEntries = t.buffer
		t.pendingViolations = t.violations
		t.buffer = nil
		t.violations = nil
		t.mu.Unlock()
	}

	if len(t.pendingEntries) == 0 && len(t.pendingViolations) == 0 {
		return nil
	}

	if err := t.store.InsertEntries(ctx, t.pendingEntries); err != nil {
		return errors.Persistence("AUDIT_FLUSH", "failed to flush audit batch").
			Wrap(err).With("batchSize", len(t.pendingEntries))
	}
	if err := t.store.InsertViolations(ctx, t.pendingViolations); err != nil {
		// Entries are already durable; only the violations retry.
		t.pendingEntries = nil
		return errors.Persistence("AUDIT_VIOLATION_FLUSH", "failed to flush violation batch").
			Wrap(err).With("batchSize", len(t.pendingViolations))
	}

	t.logger.Debug("Audit batch flushed",
		zap.Int("entries", len(t.pendingEntries)),
		zap.Int("violations", len(t.pendingViolations)))
	t.pendingEntries = nil
	t.pendingViolations = nil
	return nil
}

// BufferDepth reports the number of entries awaiting flush.
func (t *Trail) BufferDepth() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Dropped reports the total entries discarded by the drop-oldest policy.
func (t *Trail) Dropped() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dropped
}

// VerifyDay recomputes the digest of every entry for the given calendar
// day and upserts the day's integrity report. A non-zero invalid count is
// a critical condition for the caller to escalate.
func (t *Trail) VerifyDay(ctx context.Context, day time.Time) (*IntegrityReport, error) {
	entries, err := t.store.EntriesForDay(ctx, day)
	if err != nil {
		return nil, errors.Integrity("AUDIT_VERIFY_LOAD", "failed to load entries for verification").Wrap(err)
	}

	report := &IntegrityReport{
		Date:        day.UTC().Format("2006-01-02"),
		TotalLogs:   len(entries),
		GeneratedAt: t.now().UTC(),
	}

	checksum := sha256.New()
	for _, e := range entries {
		if e.Verify() {
			report.ValidLogs++
		} else {
			report.InvalidLogs++
			t.logger.Error("Audit entry failed integrity verification",
				zap.String("entryId", e.ID),
				zap.Time("timestamp", e.Timestamp))
		}
		io.WriteString(checksum, e.Hash)
	}
	report.DailyChecksum = hex.EncodeToString(checksum.Sum(nil))

	if report.TotalLogs == 0 {
		report.IntegrityScore = 100
	} else {
		report.IntegrityScore = float64(report.ValidLogs) / float64(report.TotalLogs) * 100
	}

	if err := t.store.UpsertReport(ctx, report); err != nil {
		return report, errors.Persistence("AUDIT_REPORT", "failed to store integrity report").Wrap(err)
	}
	return report, nil
}

// Search queries persisted audit history. It does not see unflushed
// buffer contents.
func (t *Trail) Search(ctx context.Context, criteria SearchCriteria) ([]*Entry, error) {
	return t.store.Search(ctx, criteria)
}

// Violations lists violation records for investigation.
func (t *Trail) Violations(ctx context.Context, status string, limit int) ([]*ViolationRecord, error) {
	return t.store.Violations(ctx, status, limit)
}

// UpdateViolationStatus advances an investigation.
func (t *Trail) UpdateViolationStatus(ctx context.Context, id, status string) error {
	return t.store.UpdateViolationStatus(ctx, id, status)
}

// ReportForDay returns a previously generated integrity report.
func (t *Trail) ReportForDay(ctx context.Context, day time.Time) (*IntegrityReport, error) {
	return t.store.ReportForDay(ctx, day)
}

// Cleanup applies the retention policy and reports removed row counts.
func (t *Trail) Cleanup(ctx context.Context) (CleanupCounts, error) {
	now := t.now().UTC()
	counts, err := t.store.DeleteBefore(ctx,
		now.AddDate(0, 0, -t.cfg.RetentionDays),
		now.AddDate(0, 0, -t.cfg.ViolationRetentionDays),
		now.AddDate(0, 0, -t.cfg.ReportRetentionDays))
	if err != nil {
		return counts, err
	}
	t.logger.Info("Retention cleanup complete",
		zap.Int64("entries", counts.Entries),
		zap.Int64("violations", counts.Violations),
		zap.Int64("reports", counts.Reports))
	return counts, nil
}

// DecryptPayload returns the plaintext event data for an entry. Fails
// when the entry is encrypted and no key is configured.
func (t *Trail) DecryptPayload(e *Entry) ([]byte, error) {
	if !e.Encrypted {
		return []byte(e.EventData), nil
	}
	if t.cipher == nil {
		return nil, fmt.Errorf("entry %s is encrypted and no key is configured", e.ID)
	}
	return t.cipher.Decrypt(e.EventData)
}
