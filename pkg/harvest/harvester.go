// Package harvest extracts a bounded set of named measurements from the
// cluster's time-series store and forwards them to the portal.
//
// Deployments routinely expose measurements this daemon has no business
// forwarding; everything outside the configured allow-list is silently
// ignored rather than treated as a validation error.
package harvest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/model"
	"github.com/slurmbridge/slurmbridge/pkg/portal"
)

// Source queries the time-series store for recent measurement points.
type Source interface {
	Query(ctx context.Context, window time.Duration) ([]model.MetricPoint, error)
}

// Config configures a Harvester.
type Config struct {
	// Measurements is the allow-list of measurement names to forward.
	// Entries may be literal names or doublestar glob patterns
	// (e.g. "slurm_job_*").
	Measurements []string

	// Window is how far back each harvest pass queries. Default: 5m.
	Window time.Duration
}

// Summary contains counts from one harvest pass.
type Summary struct {
	Queried   int64
	Forwarded int64
	Ignored   int64
	Duration  time.Duration
}

// Harvester runs the query-filter-forward pass.
type Harvester struct {
	source Source
	portal portal.Client
	cfg    Config
	logger *zap.Logger
}

func New(source Source, p portal.Client, cfg Config, logger *zap.Logger) (*Harvester, error) {
	if source == nil {
		return nil, fmt.Errorf("metrics source is required")
	}
	if len(cfg.Measurements) == 0 {
		return nil, fmt.Errorf("measurement allow-list must not be empty")
	}
	for _, pattern := range cfg.Measurements {
		if !doublestar.ValidatePattern(pattern) {
			return nil, fmt.Errorf("invalid measurement pattern %q", pattern)
		}
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Harvester{source: source, portal: p, cfg: cfg, logger: logger}, nil
}

// Run executes one harvest pass.
func (h *Harvester) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary

	points, err := h.source.Query(ctx, h.cfg.Window)
	if err != nil {
		return summary, fmt.Errorf("query time-series store: %w", err)
	}
	summary.Queried = int64(len(points))

	allowed := make([]model.MetricPoint, 0, len(points))
	for _, p := range points {
		if h.recognized(p.Measurement) {
			allowed = append(allowed, p)
		}
	}
	summary.Forwarded = int64(len(allowed))
	summary.Ignored = summary.Queried - summary.Forwarded

	if len(allowed) > 0 {
		if err := h.portal.PushMetrics(ctx, allowed); err != nil {
			return summary, fmt.Errorf("push metrics: %w", err)
		}
	}

	summary.Duration = time.Since(start)
	h.logger.Debug("harvest pass complete",
		zap.Int64("queried", summary.Queried),
		zap.Int64("forwarded", summary.Forwarded),
		zap.Int64("ignored", summary.Ignored),
		zap.Duration("duration", summary.Duration))

	return summary, nil
}

func (h *Harvester) recognized(measurement string) bool {
	measurement = strings.TrimSpace(measurement)
	for _, pattern := range h.cfg.Measurements {
		if ok, _ := doublestar.Match(pattern, measurement); ok {
			return true
		}
	}
	return false
}
