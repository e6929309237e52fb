// Package pipeline implements the daemon's per-tick reconciliation
// passes: cluster submission of pending records, status synchronization
// of active records, and garbage collection of the local caches.
//
// Records within a pass are independent and processed by a bounded worker
// pool; a failure on one record never blocks the rest of the batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/identity"
	"github.com/slurmbridge/slurmbridge/pkg/model"
	"github.com/slurmbridge/slurmbridge/pkg/portal"
	"github.com/slurmbridge/slurmbridge/pkg/slurm"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

// SubmitConfig configures the submission pass.
type SubmitConfig struct {
	// Workers is the number of records processed concurrently.
	// Default: 4.
	Workers int

	// KeepFiles retains materialized submission files under the record's
	// execution directory for audit. When false, files go to an
	// ephemeral directory removed after submission.
	KeepFiles bool

	// WorkDir is the parent for ephemeral submission directories. Empty
	// means the system temp directory.
	WorkDir string
}

// SubmitSummary contains aggregate counts from one submission pass.
type SubmitSummary struct {
	Pending   int64
	Submitted int64
	Rejected  int64
	Skipped   int64
	Replayed  int64
	Errors    int64
	Duration  time.Duration
}

// Submitter turns pending portal records into cluster submissions with
// at-most-once semantics under retry.
type Submitter struct {
	portal  portal.Client
	mapper  identity.Mapper
	cache   *store.SubmissionCache
	cluster *slurm.Client
	cfg     SubmitConfig
	logger  *zap.Logger
}

func NewSubmitter(p portal.Client, m identity.Mapper, cache *store.SubmissionCache, cluster *slurm.Client, cfg SubmitConfig, logger *zap.Logger) *Submitter {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{portal: p, mapper: m, cache: cache, cluster: cluster, cfg: cfg, logger: logger}
}

// Run executes one submission pass over the portal's pending records.
func (s *Submitter) Run(ctx context.Context) (SubmitSummary, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := s.logger.With(zap.String("run_id", runID))

	records, err := s.portal.ListPendingSubmissions(ctx)
	if err != nil {
		return SubmitSummary{}, fmt.Errorf("list pending submissions: %w", err)
	}

	var summary SubmitSummary
	summary.Pending = int64(len(records))
	if len(records) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	var submitted, rejected, skipped, replayed, errCount atomic.Int64

	work := make(chan model.JobRecord)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				outcome := s.processRecord(ctx, logger, rec)
				switch outcome {
				case outcomeSubmitted:
					submitted.Add(1)
				case outcomeRejected:
					rejected.Add(1)
				case outcomeSkipped:
					skipped.Add(1)
				case outcomeReplayed:
					replayed.Add(1)
				case outcomeError:
					errCount.Add(1)
				}
			}
		}()
	}

feed:
	for _, rec := range records {
		select {
		case work <- rec:
		case <-ctx.Done():
			break feed
		}
	}
	close(work)
	wg.Wait()

	summary.Submitted = submitted.Load()
	summary.Rejected = rejected.Load()
	summary.Skipped = skipped.Load()
	summary.Replayed = replayed.Load()
	summary.Errors = errCount.Load()
	summary.Duration = time.Since(start)

	logger.Info("submission pass complete",
		zap.Int64("pending", summary.Pending),
		zap.Int64("submitted", summary.Submitted),
		zap.Int64("rejected", summary.Rejected),
		zap.Int64("skipped", summary.Skipped),
		zap.Int64("replayed", summary.Replayed),
		zap.Int64("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))

	return summary, ctx.Err()
}

type recordOutcome int

const (
	outcomeSubmitted recordOutcome = iota
	outcomeRejected
	outcomeSkipped
	outcomeReplayed
	outcomeError
)

func (s *Submitter) processRecord(ctx context.Context, logger *zap.Logger, rec model.JobRecord) recordOutcome {
	logger = logger.With(zap.String("job_id", rec.ID))

	fingerprint, err := store.Fingerprint(rec.ID, rec.ExecutionDirectory, rec.SubmissionArguments)
	if err != nil {
		logger.Error("cannot fingerprint record", zap.Error(err))
		return outcomeError
	}

	// A cached fingerprint means the cluster already accepted this exact
	// submission and only the portal update is outstanding. Replay the
	// update; never resubmit.
	if cachedID, ok, err := s.cache.Lookup(ctx, fingerprint); err != nil {
		logger.Error("submission cache lookup failed", zap.Error(err))
		return outcomeError
	} else if ok {
		if err := s.reportSubmitted(ctx, rec.ID, cachedID); err != nil {
			logger.Warn("replayed portal update failed, will retry next tick", zap.Error(err))
			return outcomeError
		}
		logger.Info("replayed cached submission",
			zap.Int64("slurm_job_id", cachedID))
		return outcomeReplayed
	}

	username, err := s.mapper.Resolve(ctx, rec.OwnerIdentity)
	if err != nil {
		if errors.Is(err, identity.ErrUnresolved) {
			// Leave the record untouched; the next tick retries it.
			logger.Warn("identity unresolved, skipping record",
				zap.String("owner", rec.OwnerIdentity),
				zap.Error(err))
			return outcomeSkipped
		}
		logger.Error("identity resolution failed", zap.Error(err))
		return outcomeError
	}

	scriptPath, cleanup, err := s.materialize(ctx, rec)
	if err != nil {
		logger.Warn("materialize submission files failed, will retry next tick", zap.Error(err))
		return outcomeError
	}
	defer cleanup()

	args := make([]string, 0, len(rec.SubmissionArguments)+1)
	args = append(args, rec.SubmissionArguments...)
	args = append(args, "--uid="+username)

	result, err := s.cluster.Submit(ctx, scriptPath, rec.ExecutionDirectory, args)
	if err != nil {
		var failure *slurm.SubmissionFailure
		if errors.As(err, &failure) {
			// Terminal: the cluster rejected the job; never retried.
			update := portal.StatusUpdate{
				Status:        model.StatusRejected,
				ReportMessage: failure.Error(),
			}
			if uerr := s.portal.UpdateSubmissionStatus(ctx, rec.ID, update); uerr != nil {
				logger.Warn("failed to report rejection, will retry next tick", zap.Error(uerr))
				return outcomeError
			}
			logger.Info("submission rejected by cluster",
				zap.Int("exit_code", failure.ExitCode))
			return outcomeRejected
		}
		logger.Warn("cluster tool unavailable, will retry next tick", zap.Error(err))
		return outcomeError
	}

	// Record the fingerprint before the portal update: a crash or network
	// failure between the two must not cause a duplicate submission.
	if err := s.cache.Record(ctx, store.SubmissionRecord{
		Fingerprint: fingerprint,
		JobID:       rec.ID,
		SlurmJobID:  result.JobID,
		SubmittedAt: time.Now().UTC(),
	}); err != nil {
		logger.Error("failed to record submission fingerprint", zap.Error(err))
		// Fall through: the portal update still matters more than the
		// ledger write; worst case the portal shows SUBMITTED already
		// and the next tick finds nothing pending.
	}

	if err := s.reportSubmitted(ctx, rec.ID, result.JobID); err != nil {
		logger.Warn("portal update failed after successful submission, fingerprint cached",
			zap.Int64("slurm_job_id", result.JobID),
			zap.Error(err))
		return outcomeError
	}

	logger.Info("job submitted",
		zap.Int64("slurm_job_id", result.JobID),
		zap.String("user", username))
	return outcomeSubmitted
}

func (s *Submitter) reportSubmitted(ctx context.Context, id string, slurmJobID int64) error {
	return s.portal.UpdateSubmissionStatus(ctx, id, portal.StatusUpdate{
		Status:     model.StatusSubmitted,
		SlurmJobID: &slurmJobID,
	})
}

// materialize fetches the record's submission bundle and writes it to
// disk. It returns the batch script path and a cleanup func that removes
// ephemeral files (a no-op when files are retained).
func (s *Submitter) materialize(ctx context.Context, rec model.JobRecord) (string, func(), error) {
	files, err := s.portal.FetchJobScript(ctx, rec.ID)
	if err != nil {
		return "", nil, fmt.Errorf("fetch job script: %w", err)
	}
	if len(files) == 0 {
		return "", nil, fmt.Errorf("portal returned empty submission bundle")
	}

	// The execution directory is the tool's working directory in both
	// modes; it may not exist yet for a freshly created record.
	if err := os.MkdirAll(rec.ExecutionDirectory, 0755); err != nil {
		return "", nil, fmt.Errorf("create execution directory: %w", err)
	}

	var dir string
	cleanup := func() {}
	if s.cfg.KeepFiles {
		dir = rec.ExecutionDirectory
	} else {
		if s.cfg.WorkDir != "" {
			if err := os.MkdirAll(s.cfg.WorkDir, 0755); err != nil {
				return "", nil, fmt.Errorf("create work directory: %w", err)
			}
		}
		tmp, err := os.MkdirTemp(s.cfg.WorkDir, "slurmbridge-"+rec.ID+"-*")
		if err != nil {
			return "", nil, fmt.Errorf("create ephemeral directory: %w", err)
		}
		dir = tmp
		cleanup = func() { _ = os.RemoveAll(tmp) }
	}

	scriptPath := ""
	for i, f := range files {
		rel := strings.TrimSpace(f.Path)
		if rel == "" || strings.Contains(rel, "..") {
			cleanup()
			return "", nil, fmt.Errorf("bundle file %d has unsafe path %q", i, f.Path)
		}
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("create bundle subdirectory: %w", err)
		}
		mode := os.FileMode(0644)
		if f.Mode != 0 {
			mode = os.FileMode(f.Mode)
		}
		if err := os.WriteFile(path, f.Content, mode); err != nil {
			cleanup()
			return "", nil, fmt.Errorf("write bundle file: %w", err)
		}
		if i == 0 {
			scriptPath = path
		}
	}

	return scriptPath, cleanup, nil
}
