package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SubmissionRecord is one entry of the submission ledger.
type SubmissionRecord struct {
	Fingerprint string
	JobID       string
	SlurmJobID  int64
	SubmittedAt time.Time
}

// SubmissionCache is the durable content-addressed ledger that prevents
// duplicate cluster submissions when the report-back step fails after a
// successful submission.
//
// For a given fingerprint at most one successful submission is ever
// recorded; a retry after partial failure reuses the cached slurm job id
// rather than resubmitting. Safe for concurrent use.
type SubmissionCache struct {
	db *sql.DB
}

func NewSubmissionCache(db *sql.DB) *SubmissionCache {
	return &SubmissionCache{db: db}
}

// Lookup returns the recorded slurm job id for fingerprint, or ok=false
// when no submission has been recorded.
func (c *SubmissionCache) Lookup(ctx context.Context, fingerprint string) (slurmJobID int64, ok bool, err error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT slurm_job_id FROM submissions WHERE fingerprint = ?`, fingerprint)
	if err := row.Scan(&slurmJobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("lookup submission: %w", err)
	}
	return slurmJobID, true, nil
}

// Record appends a successful submission. Called only after the cluster
// reported success. Recording the same fingerprint twice keeps the first
// entry: the ledger is append-once per fingerprint.
func (c *SubmissionCache) Record(ctx context.Context, rec SubmissionRecord) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO submissions (fingerprint, job_id, slurm_job_id, submitted_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(fingerprint) DO NOTHING`,
		rec.Fingerprint, rec.JobID, rec.SlurmJobID, rec.SubmittedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record submission: %w", err)
	}
	return nil
}

// Evict removes the entry for fingerprint. Called by garbage collection
// once the corresponding record is observed in a terminal status.
func (c *SubmissionCache) Evict(ctx context.Context, fingerprint string) error {
	if _, err := c.db.ExecContext(ctx,
		`DELETE FROM submissions WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("evict submission: %w", err)
	}
	return nil
}

// List returns all ledger entries ordered by submission time, newest
// first. Intended for the operator cache subcommands.
func (c *SubmissionCache) List(ctx context.Context) ([]SubmissionRecord, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT fingerprint, job_id, slurm_job_id, submitted_at
		 FROM submissions ORDER BY submitted_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []SubmissionRecord
	for rows.Next() {
		var rec SubmissionRecord
		var submittedAt string
		if err := rows.Scan(&rec.Fingerprint, &rec.JobID, &rec.SlurmJobID, &submittedAt); err != nil {
			return nil, fmt.Errorf("scan submission row: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, submittedAt); err == nil {
			rec.SubmittedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
