package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/model"
	"github.com/slurmbridge/slurmbridge/pkg/portal"
	"github.com/slurmbridge/slurmbridge/pkg/slurm"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

// fakePortal implements portal.Client in memory and records every status
// update pushed by a pipeline.
type fakePortal struct {
	mu      sync.Mutex
	pending []model.JobRecord
	active  []model.JobRecord
	files   map[string][]model.JobFile
	updates map[string][]portal.StatusUpdate
	pushed  [][]model.MetricPoint

	failUpdates bool
	failLists   bool
}

var _ portal.Client = (*fakePortal)(nil)

func newFakePortal() *fakePortal {
	return &fakePortal{
		files:   make(map[string][]model.JobFile),
		updates: make(map[string][]portal.StatusUpdate),
	}
}

func (p *fakePortal) ListPendingSubmissions(_ context.Context) ([]model.JobRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLists {
		return nil, portal.ErrServiceUnavailable
	}
	return append([]model.JobRecord(nil), p.pending...), nil
}

func (p *fakePortal) ListActiveSubmissions(_ context.Context) ([]model.JobRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failLists {
		return nil, portal.ErrServiceUnavailable
	}
	return append([]model.JobRecord(nil), p.active...), nil
}

func (p *fakePortal) UpdateSubmissionStatus(_ context.Context, id string, update portal.StatusUpdate) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdates {
		return portal.ErrServiceUnavailable
	}
	p.updates[id] = append(p.updates[id], update)
	return nil
}

func (p *fakePortal) FetchJobScript(_ context.Context, id string) ([]model.JobFile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	files, ok := p.files[id]
	if !ok {
		return nil, fmt.Errorf("no bundle for %s", id)
	}
	return files, nil
}

func (p *fakePortal) PushMetrics(_ context.Context, points []model.MetricPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, points)
	return nil
}

func (p *fakePortal) updatesFor(id string) []portal.StatusUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]portal.StatusUpdate(nil), p.updates[id]...)
}

func (p *fakePortal) lastUpdate(t *testing.T, id string) portal.StatusUpdate {
	t.Helper()
	updates := p.updatesFor(id)
	require.NotEmpty(t, updates, "expected a status update for %s", id)
	return updates[len(updates)-1]
}

// scriptedRunner serves canned subprocess results keyed by tool name.
type scriptedRunner struct {
	mu    sync.Mutex
	calls map[string]int

	submitStdout string
	submitStderr string
	submitExit   int

	inspectStdout string
	inspectExit   int
}

func (r *scriptedRunner) Run(_ context.Context, _ string, name string, _ ...string) ([]byte, []byte, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[name]++
	switch name {
	case "sbatch":
		return []byte(r.submitStdout), []byte(r.submitStderr), r.submitExit, nil
	case "scontrol":
		return []byte(r.inspectStdout), nil, r.inspectExit, nil
	default:
		return nil, nil, -1, fmt.Errorf("unexpected tool %s", name)
	}
}

func (r *scriptedRunner) callCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[name]
}

func newTestCluster(t *testing.T, runner slurm.Runner) *slurm.Client {
	t.Helper()
	c, err := slurm.New(slurm.Config{SubmitTool: "sbatch", InspectTool: "scontrol"}, zap.NewNop())
	require.NoError(t, err)
	return c.WithRunner(runner)
}

func newTestStore(t *testing.T) (*store.SubmissionCache, *store.IdentityCache) {
	t.Helper()
	db, err := store.Open(context.Background(), store.Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return store.NewSubmissionCache(db), store.NewIdentityCache(db)
}
