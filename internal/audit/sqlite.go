package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/shizukutanaka/Banken/internal/event"
)

const maxSearchResults = 1000

// Store persists audit entries, violation records and integrity reports
// in SQLite. All statements carry the caller's context.
type Store struct {
	logger *zap.Logger
	db     *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id                TEXT PRIMARY KEY,
	timestamp         INTEGER NOT NULL,
	event_type        TEXT NOT NULL,
	source_ip         TEXT NOT NULL,
	user_id           TEXT NOT NULL DEFAULT '',
	severity          INTEGER NOT NULL,
	event_data        TEXT NOT NULL,
	metadata          TEXT NOT NULL,
	compliance_result TEXT NOT NULL,
	hash              TEXT NOT NULL,
	encrypted         INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_audit_type      ON audit_logs (event_type);
CREATE INDEX IF NOT EXISTS idx_audit_severity  ON audit_logs (severity);
CREATE INDEX IF NOT EXISTS idx_audit_ip        ON audit_logs (source_ip);
CREATE INDEX IF NOT EXISTS idx_audit_user      ON audit_logs (user_id);

CREATE TABLE IF NOT EXISTS violations (
	id                   TEXT PRIMARY KEY,
	entry_id             TEXT NOT NULL,
	timestamp            INTEGER NOT NULL,
	principle            TEXT NOT NULL,
	description          TEXT NOT NULL,
	severity             INTEGER NOT NULL,
	confidence           REAL NOT NULL,
	source_ip            TEXT NOT NULL,
	investigation_status TEXT NOT NULL DEFAULT 'pending'
);
CREATE INDEX IF NOT EXISTS idx_violations_timestamp ON violations (timestamp);
CREATE INDEX IF NOT EXISTS idx_violations_status    ON violations (investigation_status);
CREATE INDEX IF NOT EXISTS idx_violations_entry     ON violations (entry_id);

CREATE TABLE IF NOT EXISTS integrity_reports (
	date            TEXT PRIMARY KEY,
	total_logs      INTEGER NOT NULL,
	valid_logs      INTEGER NOT NULL,
	invalid_logs    INTEGER NOT NULL,
	integrity_score REAL NOT NULL,
	daily_checksum  TEXT NOT NULL,
	generated_at    INTEGER NOT NULL
);
`

// OpenStore opens (creating if needed) the audit database at path.
func OpenStore(logger *zap.Logger, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply audit schema: %w", err)
	}

	logger.Info("Audit database ready", zap.String("path", path))
	return &Store{logger: logger, db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertEntries bulk-writes a batch in one transaction. Inserts are
// keyed on the entry ID so a retried batch never duplicates rows.
func (s *Store) InsertEntries(ctx context.Context, entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin audit transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO audit_logs
		(id, timestamp, event_type, source_ip, user_id, severity, event_data, metadata, compliance_result, hash, encrypted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.ID, e.Timestamp.UTC().UnixNano(), e.EventType, e.SourceIP, e.UserID,
			int(e.Severity), e.EventData, e.Metadata, e.ComplianceResult, e.Hash,
			boolToInt(e.Encrypted),
		); err != nil {
			return fmt.Errorf("failed to insert audit entry %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// InsertViolations bulk-writes violation records.
func (s *Store) InsertViolations(ctx context.Context, records []*ViolationRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin violation transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO violations
		(id, entry_id, timestamp, principle, description, severity, confidence, source_ip, investigation_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare violation insert: %w", err)
	}
	defer stmt.Close()

	for _, v := range records {
		if _, err := stmt.ExecContext(ctx,
			v.ID, v.EntryID, v.Timestamp.UTC().UnixNano(), v.Principle, v.Description,
			int(v.Severity), v.Confidence, v.SourceIP, v.InvestigationStatus,
		); err != nil {
			return fmt.Errorf("failed to insert violation %s: %w", v.ID, err)
		}
	}
	return tx.Commit()
}

// EntriesForDay returns all entries whose timestamp falls inside the
// given calendar day (UTC), ordered by timestamp ascending.
func (s *Store) EntriesForDay(ctx context.Context, day time.Time) ([]*Entry, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx, `SELECT id, timestamp, event_type, source_ip, user_id,
		severity, event_data, metadata, compliance_result, hash, encrypted
		FROM audit_logs WHERE timestamp >= ? AND timestamp < ? ORDER BY timestamp ASC`,
		start.UnixNano(), end.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query day entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Search returns entries matching the criteria, newest first, capped at
// maxSearchResults.
func (s *Store) Search(ctx context.Context, criteria SearchCriteria) ([]*Entry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	if !criteria.From.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, criteria.From.UTC().UnixNano())
	}
	if !criteria.To.IsZero() {
		clauses = append(clauses, "timestamp <= ?")
		args = append(args, criteria.To.UTC().UnixNano())
	}
	if criteria.EventType != "" {
		clauses = append(clauses, "event_type = ?")
		args = append(args, criteria.EventType)
	}
	if criteria.SourceIP != "" {
		clauses = append(clauses, "source_ip = ?")
		args = append(args, criteria.SourceIP)
	}
	if criteria.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, criteria.UserID)
	}
	if criteria.Severity != nil {
		clauses = append(clauses, "severity = ?")
		args = append(args, int(*criteria.Severity))
	}

	limit := criteria.Limit
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	query := `SELECT id, timestamp, event_type, source_ip, user_id,
		severity, event_data, metadata, compliance_result, hash, encrypted FROM audit_logs`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search audit entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// UpsertReport writes the integrity report for its day, replacing any
// earlier run for the same day.
func (s *Store) UpsertReport(ctx context.Context, report *IntegrityReport) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO integrity_reports
		(date, total_logs, valid_logs, invalid_logs, integrity_score, daily_checksum, generated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_logs = excluded.total_logs,
			valid_logs = excluded.valid_logs,
			invalid_logs = excluded.invalid_logs,
			integrity_score = excluded.integrity_score,
			daily_checksum = excluded.daily_checksum,
			generated_at = excluded.generated_at`,
		report.Date, report.TotalLogs, report.ValidLogs, report.InvalidLogs,
		report.IntegrityScore, report.DailyChecksum, report.GeneratedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("failed to upsert integrity report: %w", err)
	}
	return nil
}

// ReportForDay loads the integrity report for the given day, or nil when
// none exists.
func (s *Store) ReportForDay(ctx context.Context, day time.Time) (*IntegrityReport, error) {
	date := day.UTC().Format("2006-01-02")
	row := s.db.QueryRowContext(ctx, `SELECT date, total_logs, valid_logs, invalid_logs,
		integrity_score, daily_checksum, generated_at FROM integrity_reports WHERE date = ?`, date)

	var (
		report      IntegrityReport
		generatedAt int64
	)
	err := row.Scan(&report.Date, &report.TotalLogs, &report.ValidLogs, &report.InvalidLogs,
		&report.IntegrityScore, &report.DailyChecksum, &generatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integrity report: %w", err)
	}
	report.GeneratedAt = time.Unix(0, generatedAt).UTC()
	return &report, nil
}

// Violations lists violation records, optionally filtered by status,
// newest first.
func (s *Store) Violations(ctx context.Context, status string, limit int) ([]*ViolationRecord, error) {
	if limit <= 0 || limit > maxSearchResults {
		limit = maxSearchResults
	}

	query := `SELECT id, entry_id, timestamp, principle, description, severity,
		confidence, source_ip, investigation_status FROM violations`
	var args []interface{}
	if status != "" {
		query += " WHERE investigation_status = ?"
		args = append(args, status)
	}
	query += " ORDER BY timestamp DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	var records []*ViolationRecord
	for rows.Next() {
		var (
			v        ViolationRecord
			ts       int64
			severity int
		)
		if err := rows.Scan(&v.ID, &v.EntryID, &ts, &v.Principle, &v.Description,
			&severity, &v.Confidence, &v.SourceIP, &v.InvestigationStatus); err != nil {
			return nil, fmt.Errorf("failed to scan violation: %w", err)
		}
		v.Timestamp = time.Unix(0, ts).UTC()
		v.Severity = event.Severity(severity)
		records = append(records, &v)
	}
	return records, rows.Err()
}

// UpdateViolationStatus advances a violation's investigation status.
// Backward transitions are rejected.
func (s *Store) UpdateViolationStatus(ctx context.Context, id, status string) error {
	if _, ok := statusRank[status]; !ok {
		return fmt.Errorf("unknown investigation status: %q", status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin status transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT investigation_status FROM violations WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return fmt.Errorf("violation %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("failed to load violation %s: %w", id, err)
	}
	if !ValidStatusTransition(current, status) {
		return fmt.Errorf("invalid status transition %s -> %s", current, status)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE violations SET investigation_status = ? WHERE id = ?`, status, id); err != nil {
		return fmt.Errorf("failed to update violation %s: %w", id, err)
	}
	return tx.Commit()
}

// DeleteBefore removes rows older than the cutoffs, one cutoff per
// collection.
func (s *Store) DeleteBefore(ctx context.Context, entryCutoff, violationCutoff, reportCutoff time.Time) (CleanupCounts, error) {
	var counts CleanupCounts

	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, entryCutoff.UTC().UnixNano())
	if err != nil {
		return counts, fmt.Errorf("failed to clean audit entries: %w", err)
	}
	counts.Entries, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM violations WHERE timestamp < ?`, violationCutoff.UTC().UnixNano())
	if err != nil {
		return counts, fmt.Errorf("failed to clean violations: %w", err)
	}
	counts.Violations, _ = res.RowsAffected()

	res, err = s.db.ExecContext(ctx, `DELETE FROM integrity_reports WHERE date < ?`, reportCutoff.UTC().Format("2006-01-02"))
	if err != nil {
		return counts, fmt.Errorf("failed to clean integrity reports: %w", err)
	}
	counts.Reports, _ = res.RowsAffected()

	return counts, nil
}

func scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var (
			e         Entry
			ts        int64
			severity  int
			encrypted int
		)
		if err := rows.Scan(&e.ID, &ts, &e.EventType, &e.SourceIP, &e.UserID,
			&severity, &e.EventData, &e.Metadata, &e.ComplianceResult, &e.Hash, &encrypted); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Severity = event.Severity(severity)
		e.Encrypted = encrypted != 0
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
