// Package portal talks to the job-template management service that owns
// every JobRecord.
//
// The daemon is a pure client here: it fetches work items, reports
// outcomes, and forwards harvested metrics. All record mutation happens
// on the portal side.
package portal

import (
	"context"
	"errors"

	"github.com/slurmbridge/slurmbridge/pkg/model"
)

var (
	// ErrServiceUnavailable marks transient portal failures. Affected
	// records are retried on the next scheduler tick.
	ErrServiceUnavailable = errors.New("portal service unavailable")

	// ErrUnauthorized marks credential rejection by the portal.
	ErrUnauthorized = errors.New("portal rejected credentials")
)

// StatusUpdate reconciles one record's status back to the portal.
//
// Pushing the same update twice is harmless; the portal treats updates
// idempotently.
type StatusUpdate struct {
	Status        model.Status `json:"status"`
	ReportMessage string       `json:"report_message,omitempty"`
	SlurmJobID    *int64       `json:"slurm_job_id,omitempty"`
	SlurmJobState *string      `json:"slurm_job_state,omitempty"`
}

// Client is the portal API surface the daemon depends on.
type Client interface {
	// ListPendingSubmissions returns records in CREATED status awaiting
	// cluster submission, bounded by the portal's page size.
	ListPendingSubmissions(ctx context.Context) ([]model.JobRecord, error)

	// ListActiveSubmissions returns records in SUBMITTED status whose
	// cluster state needs synchronizing.
	ListActiveSubmissions(ctx context.Context) ([]model.JobRecord, error)

	// UpdateSubmissionStatus pushes a status transition for one record.
	UpdateSubmissionStatus(ctx context.Context, id string, update StatusUpdate) error

	// FetchJobScript returns the submission bundle for one record. The
	// first file is the batch script handed to the submission tool.
	FetchJobScript(ctx context.Context, id string) ([]model.JobFile, error)

	// PushMetrics forwards harvested measurement points.
	PushMetrics(ctx context.Context, points []model.MetricPoint) error
}
