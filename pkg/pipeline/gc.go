package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/portal"
	"github.com/slurmbridge/slurmbridge/pkg/store"
)

// GCConfig configures the garbage collection pass.
type GCConfig struct {
	// MinAge protects recent ledger entries from collection. Entries
	// younger than this are kept even when their record is no longer
	// listed, so an in-flight submission can never race its own eviction.
	// Default: 1h.
	MinAge time.Duration

	// IdentityTTL bounds the identity cache; expired mappings are pruned
	// here rather than lazily on lookup. Zero disables pruning.
	IdentityTTL time.Duration
}

// GCSummary contains counts from one garbage collection pass.
type GCSummary struct {
	LedgerScanned    int64
	LedgerEvicted    int64
	IdentitiesPruned int64
	Duration         time.Duration
}

// Collector prunes local durable state for records the portal no longer
// tracks as live.
//
// A ledger entry whose record appears in neither the pending nor the
// active list has reached a terminal status: the portal only moves
// records forward, and both non-terminal statuses are listable.
type Collector struct {
	portal     portal.Client
	cache      *store.SubmissionCache
	identities *store.IdentityCache
	cfg        GCConfig
	logger     *zap.Logger
}

func NewCollector(p portal.Client, cache *store.SubmissionCache, identities *store.IdentityCache, cfg GCConfig, logger *zap.Logger) *Collector {
	if cfg.MinAge <= 0 {
		cfg.MinAge = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Collector{portal: p, cache: cache, identities: identities, cfg: cfg, logger: logger}
}

// Run executes one garbage collection pass.
func (c *Collector) Run(ctx context.Context) (GCSummary, error) {
	start := time.Now()
	var summary GCSummary

	entries, err := c.cache.List(ctx)
	if err != nil {
		return summary, fmt.Errorf("list submission ledger: %w", err)
	}
	summary.LedgerScanned = int64(len(entries))

	if len(entries) > 0 {
		live, err := c.liveJobIDs(ctx)
		if err != nil {
			return summary, err
		}

		cutoff := time.Now().UTC().Add(-c.cfg.MinAge)
		for _, entry := range entries {
			if entry.SubmittedAt.After(cutoff) {
				continue
			}
			if _, ok := live[entry.JobID]; ok {
				continue
			}
			if err := c.cache.Evict(ctx, entry.Fingerprint); err != nil {
				c.logger.Warn("failed to evict ledger entry",
					zap.String("job_id", entry.JobID),
					zap.Error(err))
				continue
			}
			summary.LedgerEvicted++
		}
	}

	if c.cfg.IdentityTTL > 0 && c.identities != nil {
		pruned, err := c.identities.PruneExpired(ctx, time.Now().UTC().Add(-c.cfg.IdentityTTL))
		if err != nil {
			c.logger.Warn("failed to prune identity cache", zap.Error(err))
		} else {
			summary.IdentitiesPruned = pruned
		}
	}

	summary.Duration = time.Since(start)
	c.logger.Info("gc pass complete",
		zap.Int64("ledger_scanned", summary.LedgerScanned),
		zap.Int64("ledger_evicted", summary.LedgerEvicted),
		zap.Int64("identities_pruned", summary.IdentitiesPruned),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

func (c *Collector) liveJobIDs(ctx context.Context) (map[string]struct{}, error) {
	pending, err := c.portal.ListPendingSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list pending submissions: %w", err)
	}
	active, err := c.portal.ListActiveSubmissions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active submissions: %w", err)
	}

	live := make(map[string]struct{}, len(pending)+len(active))
	for _, rec := range pending {
		live[rec.ID] = struct{}{}
	}
	for _, rec := range active {
		live[rec.ID] = struct{}{}
	}
	return live, nil
}
