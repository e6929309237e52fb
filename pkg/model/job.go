// Package model defines the portal's view of a unit of work and its
// status state machine, shared by every pipeline in the daemon.
package model

// Status is the lifecycle status of a JobRecord as tracked by the portal.
//
// NOTE: These values travel over the portal API and are part of the stable
// wire contract.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusSubmitted Status = "SUBMITTED"
	StatusRejected  Status = "REJECTED"
	StatusDone      Status = "DONE"
	StatusAborted   Status = "ABORTED"
)

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusDone, StatusAborted:
		return true
	default:
		return false
	}
}

// JobRecord is the portal-owned record of a submission.
//
// The daemon never keeps a copy of a record past a single task run; the
// portal remains the single source of truth. The schema is designed for
// backward-compatible extension (additive fields).
type JobRecord struct {
	ID                  string   `json:"id"`
	Status              Status   `json:"status"`
	OwnerIdentity       string   `json:"owner_identity"`
	SlurmJobID          *int64   `json:"slurm_job_id,omitempty"`
	SlurmJobState       *string  `json:"slurm_job_state,omitempty"`
	ExecutionDirectory  string   `json:"execution_directory"`
	ReportMessage       string   `json:"report_message,omitempty"`
	SubmissionArguments []string `json:"submission_arguments,omitempty"`
}

// JobFile is one file of a job's submission bundle as served by the portal.
// Path is relative to the record's execution directory.
type JobFile struct {
	Path    string `json:"path"`
	Content []byte `json:"content"`
	Mode    uint32 `json:"mode,omitempty"`
}

// MetricPoint is a single harvested measurement forwarded to the portal.
type MetricPoint struct {
	Measurement string            `json:"measurement"`
	Field       string            `json:"field"`
	Value       float64           `json:"value"`
	Timestamp   int64             `json:"timestamp"`
	Tags        map[string]string `json:"tags,omitempty"`
}
