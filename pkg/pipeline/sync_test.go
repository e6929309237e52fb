package pipeline

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/model"
)

func activeRecord(id string, slurmJobID int64, lastState string) model.JobRecord {
	rec := model.JobRecord{
		ID:         id,
		Status:     model.StatusSubmitted,
		SlurmJobID: &slurmJobID,
	}
	if lastState != "" {
		rec.SlurmJobState = &lastState
	}
	return rec
}

func inspectJSON(jobID int64, state string) string {
	return fmt.Sprintf(`{"jobs":[{"job_id":%d,"job_state":["%s"]}]}`, jobID, state)
}

func TestSyncerReportsStateTransition(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "PENDING")}

	runner := &scriptedRunner{inspectStdout: inspectJSON(42, "RUNNING")}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Updated)

	update := p.lastUpdate(t, "job-1")
	assert.Equal(t, model.StatusSubmitted, update.Status)
	require.NotNil(t, update.SlurmJobState)
	assert.Equal(t, "RUNNING", *update.SlurmJobState)
}

func TestSyncerSkipsUnchangedState(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "RUNNING")}

	runner := &scriptedRunner{inspectStdout: inspectJSON(42, "RUNNING")}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Unchanged)
	assert.Empty(t, p.updatesFor("job-1"))
}

func TestSyncerCompletion(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "RUNNING")}

	runner := &scriptedRunner{inspectStdout: inspectJSON(42, "COMPLETED")}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Completed)

	update := p.lastUpdate(t, "job-1")
	assert.Equal(t, model.StatusDone, update.Status)
	assert.Equal(t, "job 42 completed", update.ReportMessage)
}

func TestSyncerAbortCarriesReport(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "RUNNING")}

	runner := &scriptedRunner{inspectStdout: inspectJSON(42, "TIMEOUT")}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Aborted)

	update := p.lastUpdate(t, "job-1")
	assert.Equal(t, model.StatusAborted, update.Status)
	assert.Equal(t, "job 42 ended in state TIMEOUT", update.ReportMessage)
}

func TestSyncerVanishedJobAborts(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "RUNNING")}

	// scontrol exits non-zero once the job leaves accounting.
	runner := &scriptedRunner{inspectExit: 1}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Vanished)

	update := p.lastUpdate(t, "job-1")
	assert.Equal(t, model.StatusAborted, update.Status)
	assert.Equal(t, "job 42 vanished from cluster accounting", update.ReportMessage)
}

func TestSyncerUnrecognizedStateFailsOpen(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{activeRecord("job-1", 42, "RUNNING")}

	runner := &scriptedRunner{inspectStdout: inspectJSON(42, "SOME_FUTURE_STATE")}
	s := NewSyncer(p, newTestCluster(t, runner), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Updated)

	// The job stays submitted with the raw token recorded.
	update := p.lastUpdate(t, "job-1")
	assert.Equal(t, model.StatusSubmitted, update.Status)
	require.NotNil(t, update.SlurmJobState)
	assert.Equal(t, "SOME_FUTURE_STATE", *update.SlurmJobState)
}

func TestSyncerMalformedRecordCountsError(t *testing.T) {
	p := newFakePortal()
	p.active = []model.JobRecord{{ID: "job-1", Status: model.StatusSubmitted}}

	s := NewSyncer(p, newTestCluster(t, &scriptedRunner{}), SyncConfig{Workers: 1}, zap.NewNop())

	summary, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Errors)
	assert.Empty(t, p.updatesFor("job-1"))
}
