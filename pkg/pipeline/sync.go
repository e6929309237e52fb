package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/model"
	"github.com/slurmbridge/slurmbridge/pkg/portal"
	"github.com/slurmbridge/slurmbridge/pkg/slurm"
)

// SyncConfig configures the status synchronization pass.
type SyncConfig struct {
	// Workers is the number of records inspected concurrently.
	// Default: 4.
	Workers int
}

// SyncSummary contains aggregate counts from one synchronization pass.
type SyncSummary struct {
	Active    int64
	Unchanged int64
	Updated   int64
	Completed int64
	Aborted   int64
	Vanished  int64
	Errors    int64
	Duration  time.Duration
}

// Syncer polls the cluster for the state of every active record and
// reconciles it back to the portal.
type Syncer struct {
	portal  portal.Client
	cluster *slurm.Client
	cfg     SyncConfig
	logger  *zap.Logger
}

func NewSyncer(p portal.Client, cluster *slurm.Client, cfg SyncConfig, logger *zap.Logger) *Syncer {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{portal: p, cluster: cluster, cfg: cfg, logger: logger}
}

// Run executes one synchronization pass over the portal's active records.
func (s *Syncer) Run(ctx context.Context) (SyncSummary, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := s.logger.With(zap.String("run_id", runID))

	records, err := s.portal.ListActiveSubmissions(ctx)
	if err != nil {
		return SyncSummary{}, fmt.Errorf("list active submissions: %w", err)
	}

	var summary SyncSummary
	summary.Active = int64(len(records))
	if len(records) == 0 {
		summary.Duration = time.Since(start)
		return summary, nil
	}

	var unchanged, updated, completed, aborted, vanished, errCount atomic.Int64

	work := make(chan model.JobRecord)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rec := range work {
				switch s.syncRecord(ctx, logger, rec) {
				case syncUnchanged:
					unchanged.Add(1)
				case syncUpdated:
					updated.Add(1)
				case syncCompleted:
					completed.Add(1)
				case syncAborted:
					aborted.Add(1)
				case syncVanished:
					vanished.Add(1)
				case syncError:
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

	summary.Unchanged = unchanged.Load()
	summary.Updated = updated.Load()
	summary.Completed = completed.Load()
	summary.Aborted = aborted.Load()
	summary.Vanished = vanished.Load()
	summary.Errors = errCount.Load()
	summary.Duration = time.Since(start)

	logger.Info("status sync pass complete",
		zap.Int64("active", summary.Active),
		zap.Int64("unchanged", summary.Unchanged),
		zap.Int64("updated", summary.Updated),
		zap.Int64("completed", summary.Completed),
		zap.Int64("aborted", summary.Aborted),
		zap.Int64("vanished", summary.Vanished),
		zap.Int64("errors", summary.Errors),
		zap.Duration("duration", summary.Duration))

	return summary, ctx.Err()
}

type syncOutcome int

const (
	syncUnchanged syncOutcome = iota
	syncUpdated
	syncCompleted
	syncAborted
	syncVanished
	syncError
)

func (s *Syncer) syncRecord(ctx context.Context, logger *zap.Logger, rec model.JobRecord) syncOutcome {
	logger = logger.With(zap.String("job_id", rec.ID))

	if rec.SlurmJobID == nil {
		// An active record without a cluster job id is malformed; log it
		// and let the rest of the batch proceed.
		logger.Error("active record has no slurm job id")
		return syncError
	}
	slurmJobID := *rec.SlurmJobID

	rawState, err := s.cluster.Inspect(ctx, slurmJobID)
	if err != nil {
		if errors.Is(err, slurm.ErrJobNotFound) {
			// Absence from cluster accounting is failure, not success.
			update := portal.StatusUpdate{
				Status: model.StatusAborted,
				ReportMessage: fmt.Sprintf(
					"job %d vanished from cluster accounting", slurmJobID),
			}
			if uerr := s.portal.UpdateSubmissionStatus(ctx, rec.ID, update); uerr != nil {
				logger.Warn("failed to report vanished job, will retry next tick", zap.Error(uerr))
				return syncError
			}
			logger.Info("job vanished from cluster accounting",
				zap.Int64("slurm_job_id", slurmJobID))
			return syncVanished
		}
		logger.Warn("cluster inspect failed, will retry next tick",
			zap.Int64("slurm_job_id", slurmJobID),
			zap.Error(err))
		return syncError
	}

	status, recognized := slurm.MapState(rawState)
	if !recognized {
		// Fail open: an unparsed code never aborts a job. The raw token
		// still lands on the record for diagnostics.
		logger.Warn("unrecognized cluster state, keeping job submitted",
			zap.Int64("slurm_job_id", slurmJobID),
			zap.String("raw_state", rawState))
	}

	stateChanged := rec.SlurmJobState == nil || *rec.SlurmJobState != rawState
	if status == model.StatusSubmitted && !stateChanged {
		return syncUnchanged
	}

	update := portal.StatusUpdate{
		Status:        status,
		SlurmJobState: &rawState,
	}
	// Terminal transitions carry a human-readable report.
	switch status {
	case model.StatusDone:
		update.ReportMessage = fmt.Sprintf("job %d completed", slurmJobID)
	case model.StatusAborted:
		update.ReportMessage = fmt.Sprintf("job %d ended in state %s", slurmJobID, rawState)
	}

	if err := s.portal.UpdateSubmissionStatus(ctx, rec.ID, update); err != nil {
		logger.Warn("status update failed, will retry next tick",
			zap.Int64("slurm_job_id", slurmJobID),
			zap.Error(err))
		return syncError
	}

	logger.Info("status reconciled",
		zap.Int64("slurm_job_id", slurmJobID),
		zap.String("raw_state", rawState),
		zap.String("status", string(status)))

	switch status {
	case model.StatusDone:
		return syncCompleted
	case model.StatusAborted:
		return syncAborted
	default:
		return syncUpdated
	}
}
