// Package history keeps a sqlite record of every audit started by auditwatch.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fincode/auditwatch/internal/model"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

// Audit is one history entry. Result fields are nil while the audit is in
// progress and when it finished with an error.
type Audit struct {
	AuditID       string
	DocumentID    string
	Filename      string
	InProgress    bool
	Status        *model.Status
	RiskScore     *float64
	Violations    *int
	FailureReason *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type AuditRow struct {
	Audit
	ID int
}

func (a AuditRow) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "audit_id: %q, filename: %q, in_progress: %t", a.AuditID, a.Filename, a.InProgress)
	if a.Status != nil {
		fmt.Fprintf(&sb, ", status: %s", *a.Status)
	}
	if a.RiskScore != nil {
		fmt.Fprintf(&sb, ", risk_score: %g", *a.RiskScore)
	}
	if a.Violations != nil {
		fmt.Fprintf(&sb, ", violations: %d", *a.Violations)
	}
	if a.FailureReason != nil {
		fmt.Fprintf(&sb, ", failure_reason: %q", *a.FailureReason)
	}
	return sb.String()
}

type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the history database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer; concurrent audits share one connection
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS audits (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_id TEXT NOT NULL UNIQUE,
			document_id TEXT NOT NULL,
			filename TEXT NOT NULL,
			in_progress BOOLEAN NOT NULL,
			status TEXT DEFAULT NULL,
			risk_score REAL DEFAULT NULL,
			violations INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating audits table: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func rollback(ctx context.Context, tx *sql.Tx, auditID string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "rolling back history transaction failed", "audit_id", auditID, "error", err)
	}
}

// Start records that an audit is in progress. Starting an audit which is
// still in progress is a no-op, a finished one returns ErrAlreadyFinished.
func (s *Store) Start(ctx context.Context, doc model.Document, auditID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, auditID)

	var inProgress bool
	err = tx.QueryRowContext(ctx, `SELECT in_progress FROM audits WHERE audit_id=?`, auditID).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil:
		return ErrAlreadyFinished
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audits (audit_id, document_id, filename, in_progress, started_at) VALUES (?,?,?,?,?)`,
		auditID, doc.ID, doc.Filename, true, s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

const selectAudit = `SELECT id, audit_id, document_id, filename, in_progress, status, risk_score,
	violations, failure_reason, started_at, finished_at FROM audits`

// Get returns the entry of auditID or ErrNotFound.
func (s *Store) Get(ctx context.Context, auditID string) (AuditRow, error) {
	row := s.db.QueryRowContext(ctx, selectAudit+` WHERE audit_id=?`, auditID)
	a, err := scan(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return AuditRow{}, ErrNotFound
	case err != nil:
		return AuditRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return a, nil
}

// List returns at most limit entries, newest first. A limit <= 0 returns
// all of them.
func (s *Store) List(ctx context.Context, limit int) ([]AuditRow, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectAudit+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []AuditRow
	for rows.Next() {
		a, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning audit row failed: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FinishOK stores the terminal snapshot of an audit.
func (s *Store) FinishOK(ctx context.Context, job model.Job) error {
	violations := len(job.Violations)
	return s.finish(ctx, job.ID,
		`UPDATE audits SET in_progress=false, status=?, risk_score=?, violations=?, finished_at=? WHERE audit_id=?`,
		string(job.Status), job.RiskScore, violations, s.timestamp(), job.ID,
	)
}

// FinishErr stores why the audit could not be followed to its end.
func (s *Store) FinishErr(ctx context.Context, auditID, reason string) error {
	return s.finish(ctx, auditID,
		`UPDATE audits SET in_progress=false, failure_reason=?, finished_at=? WHERE audit_id=?`,
		reason, s.timestamp(), auditID,
	)
}

func (s *Store) finish(ctx context.Context, auditID, query string, args ...any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, auditID)

	var inProgress bool
	err = tx.QueryRowContext(ctx, `SELECT in_progress FROM audits WHERE audit_id=?`, auditID).Scan(&inProgress)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	case !inProgress:
		return ErrAlreadyFinished
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, auditID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM audits WHERE audit_id=?`, auditID)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (AuditRow, error) {
	var (
		a          AuditRow
		status     *string
		violations *int64
		started    string
		finished   *string
	)
	err := row.Scan(
		&a.ID,
		&a.AuditID,
		&a.DocumentID,
		&a.Filename,
		&a.InProgress,
		&status,
		&a.RiskScore,
		&violations,
		&a.FailureReason,
		&started,
		&finished,
	)
	if err != nil {
		return AuditRow{}, err
	}
	if status != nil {
		st := model.Status(*status)
		a.Status = &st
	}
	if violations != nil {
		n := int(*violations)
		a.Violations = &n
	}
	if a.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return AuditRow{}, fmt.Errorf("parsing started_at: %w", err)
	}
	if finished != nil {
		t, err := time.Parse(time.RFC3339Nano, *finished)
		if err != nil {
			return AuditRow{}, fmt.Errorf("parsing finished_at: %w", err)
		}
		a.FinishedAt = &t
	}
	return a, nil
}
